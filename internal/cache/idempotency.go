package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyPrefix = "devvelocity:idem:"

	// IdempotencyTTL is how long a completed response is replayed.
	IdempotencyTTL = 24 * time.Hour
	// idempotencyLockTTL frees a key whose request died mid-flight.
	idempotencyLockTTL = 2 * time.Minute
)

// IdempotencyStatus is the state of a keyed request.
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
)

// IdempotencyRecord is what is stored under an Idempotency-Key.
type IdempotencyRecord struct {
	Status       IdempotencyStatus `json:"status"`
	Path         string            `json:"path"`
	ResponseCode int               `json:"response_code,omitempty"`
	ResponseBody []byte            `json:"response_body,omitempty"`
	ClaimedAt    time.Time         `json:"claimed_at,omitzero"`
}

// IdempotencyStore records keyed POST responses for replay.
type IdempotencyStore struct {
	rdb *redis.Client
	now func() time.Time

	mu    sync.Mutex
	local *expirable.LRU[string, IdempotencyRecord]
}

// NewIdempotencyStore uses Redis when rdb is non-nil, otherwise an
// in-process LRU.
func NewIdempotencyStore(rdb *redis.Client) *IdempotencyStore {
	s := &IdempotencyStore{rdb: rdb, now: time.Now}
	if rdb == nil {
		s.local = expirable.NewLRU[string, IdempotencyRecord](localSize, nil, IdempotencyTTL)
	}
	return s
}

func idemKey(orgID, key string) string { return idempotencyPrefix + orgID + ":" + key }

// Acquire claims key for a new request on path. It returns nil when the
// caller now owns the key, or the existing record otherwise. A processing
// claim older than idempotencyLockTTL counts as abandoned.
func (s *IdempotencyStore) Acquire(ctx context.Context, orgID, key, path string) (*IdempotencyRecord, error) {
	now := s.now()
	claim := IdempotencyRecord{Status: IdempotencyProcessing, Path: path, ClaimedAt: now}
	k := idemKey(orgID, key)

	if s.local != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if rec, ok := s.local.Get(k); ok && !rec.stale(now) {
			return &rec, nil
		}
		s.local.Add(k, claim)
		return nil, nil
	}

	raw, err := json.Marshal(claim)
	if err != nil {
		return nil, err
	}
	ok, err := s.rdb.SetNX(ctx, k, raw, idempotencyLockTTL).Result()
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}

	val, err := s.rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the caller may retry.
		return &claim, nil
	}
	if err != nil {
		return nil, err
	}
	var rec IdempotencyRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r IdempotencyRecord) stale(now time.Time) bool {
	return r.Status == IdempotencyProcessing && now.Sub(r.ClaimedAt) >= idempotencyLockTTL
}

// Complete stores the response for replay.
func (s *IdempotencyStore) Complete(ctx context.Context, orgID, key, path string, code int, body []byte) error {
	rec := IdempotencyRecord{Status: IdempotencyCompleted, Path: path, ResponseCode: code, ResponseBody: body}
	k := idemKey(orgID, key)

	if s.local != nil {
		s.mu.Lock()
		s.local.Add(k, rec)
		s.mu.Unlock()
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, k, raw, IdempotencyTTL).Err()
}

// Release frees key so the request can be retried.
func (s *IdempotencyStore) Release(ctx context.Context, orgID, key string) error {
	k := idemKey(orgID, key)
	if s.local != nil {
		s.mu.Lock()
		s.local.Remove(k)
		s.mu.Unlock()
		return nil
	}
	return s.rdb.Del(ctx, k).Err()
}
