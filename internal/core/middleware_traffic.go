package core

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"devvelocity/internal/cache"
	"devvelocity/internal/types"
)

const (
	rateLimitWindow = time.Minute

	headerIdempotencyKey = "Idempotency-Key"
	maxIdempotencyKeyLen = 255
)

// RateLimit enforces a per-organization request budget. Requests without an
// organization pass; AuthMiddleware and RequireOrg deal with them. A store
// failure lets the request through.
//
// Every counted response carries X-RateLimit-Limit, X-RateLimit-Remaining
// and X-RateLimit-Reset; a 429 also carries Retry-After.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := types.GetOrgID(r.Context())
		if s.RateLimitStore == nil || orgID == "" {
			next.ServeHTTP(w, r)
			return
		}

		limit := s.Config.Security.RateLimitPerMinute
		result, err := s.RateLimitStore.IncrementAndCheck(r.Context(), "org:"+orgID, limit, rateLimitWindow)
		if err != nil {
			s.Logger.ErrorContext(r.Context(), "rate limit store error",
				slog.String("org_id", orgID),
				slog.Any("error", err),
			)
			next.ServeHTTP(w, r)
			return
		}

		setRateLimitHeaders(w, limit, result)
		if !result.Allowed {
			retryAfter := max(int(time.Until(result.ResetAt).Seconds()), 1)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			s.Logger.WarnContext(r.Context(), "rate limit exceeded",
				slog.String("org_id", orgID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeRateLimited,
				"rate limit exceeded, retry after the reset time", nil,
				map[string]any{"retry_after_seconds": retryAfter}))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, limit int, result cache.RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// ResponseCapturer buffers status, headers and body until Flush so the
// response can be stored before it is sent.
type ResponseCapturer struct {
	underlying http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	headers    http.Header
	written    bool
}

func newResponseCapturer(w http.ResponseWriter) *ResponseCapturer {
	return &ResponseCapturer{underlying: w, statusCode: http.StatusOK, headers: make(http.Header)}
}

// Header returns the buffered headers.
func (rc *ResponseCapturer) Header() http.Header { return rc.headers }

// WriteHeader records the first status code written.
func (rc *ResponseCapturer) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
}

// Write buffers b, implying 200 if no status was set.
func (rc *ResponseCapturer) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.body.Write(b)
}

// Flush sends the buffered response. Call it once.
func (rc *ResponseCapturer) Flush() {
	dst := rc.underlying.Header()
	for k, vs := range rc.headers {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	rc.underlying.WriteHeader(rc.statusCode)
	_, _ = rc.underlying.Write(rc.body.Bytes())
}

// Unwrap returns the wrapped writer for http.ResponseController.
func (rc *ResponseCapturer) Unwrap() http.ResponseWriter { return rc.underlying }

// StatusCode returns the captured status.
func (rc *ResponseCapturer) StatusCode() int { return rc.statusCode }

// Body returns the captured body.
func (rc *ResponseCapturer) Body() []byte { return rc.body.Bytes() }

// IdempotencyMiddleware processes a POST carrying an Idempotency-Key at most
// once per organization and key.
//
//   - completed key on the same path: the stored response is replayed with
//     X-Idempotent-Replayed: true
//   - key still processing, or reused on another path: 409
//   - new key: the handler runs and its response is stored unless it is a
//     5xx, in which case the key is released for a retry
//
// Store failures let the request through unprotected.
func (s *Server) IdempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(headerIdempotencyKey)
		orgID := types.GetOrgID(r.Context())
		if s.IdempotencyStore == nil || r.Method != http.MethodPost || key == "" || orgID == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidHeader,
				"Idempotency-Key must be at most 255 characters", nil))
			return
		}

		ctx := r.Context()
		log := s.Logger.With(slog.String("org_id", orgID), slog.String("idempotency_key", key))

		rec, err := s.IdempotencyStore.Acquire(ctx, orgID, key, r.URL.Path)
		if err != nil {
			log.ErrorContext(ctx, "idempotency store acquire error", slog.Any("error", err))
			next.ServeHTTP(w, r)
			return
		}

		if rec != nil {
			switch {
			case rec.Path != r.URL.Path:
				Error(w, r, types.NewAppError(types.ErrCodeConflictIdempotency,
					"idempotency key was already used for a different request", nil))
			case rec.Status == cache.IdempotencyCompleted:
				log.InfoContext(ctx, "idempotent replay", slog.Int("cached_status", rec.ResponseCode))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotent-Replayed", "true")
				w.WriteHeader(rec.ResponseCode)
				_, _ = w.Write(rec.ResponseBody)
			default:
				Error(w, r, types.NewAppError(types.ErrCodeConflictIdempotency,
					"a request with this idempotency key is still being processed", nil))
			}
			return
		}

		// The client may have gone away; the outcome is still recorded.
		storeCtx := context.WithoutCancel(ctx)
		capturer := newResponseCapturer(w)
		func() {
			// A panicking handler frees the key before Recoverer answers 500.
			defer func() {
				if p := recover(); p != nil {
					if err := s.IdempotencyStore.Release(storeCtx, orgID, key); err != nil {
						log.ErrorContext(ctx, "idempotency store release error", slog.Any("error", err))
					}
					panic(p)
				}
			}()
			next.ServeHTTP(capturer, r)
		}()

		if code := capturer.StatusCode(); code < http.StatusInternalServerError {
			if err := s.IdempotencyStore.Complete(storeCtx, orgID, key, r.URL.Path, code, capturer.Body()); err != nil {
				log.ErrorContext(ctx, "idempotency store complete error", slog.Any("error", err))
			}
		} else if err := s.IdempotencyStore.Release(storeCtx, orgID, key); err != nil {
			log.ErrorContext(ctx, "idempotency store release error", slog.Any("error", err))
		}
		capturer.Flush()
	})
}
