package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"devvelocity/internal/types"
)

const resendAPIBase = "https://api.resend.com"

// ResendConfig configures a ResendClient.
type ResendConfig struct {
	APIKey  string
	From    string
	BaseURL string
	Logger  *slog.Logger
}

// ResendClient sends plain-text transactional email.
type ResendClient struct {
	base    *BaseClient
	apiKey  string
	from    string
	baseURL string
	logger  *slog.Logger
}

// NewResendClient creates a ResendClient.
func NewResendClient(httpClient *http.Client, cfg ResendConfig, opts ...BaseClientOption) *ResendClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = resendAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]BaseClientOption{WithUpstreamCode(types.ErrCodeUpstreamEmailProvider)}, opts...)
	return &ResendClient{
		base:    NewBaseClient(httpClient, "resend", DefaultRetryPolicy(), "DevVelocity/1.0", opts...),
		apiKey:  cfg.APIKey,
		from:    cfg.From,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// Send delivers msg and returns the provider message id. The message id is
// used as the idempotency key so SQS redelivery does not send twice.
func (c *ResendClient) Send(ctx context.Context, msg types.EmailMessage) (string, error) {
	if len(msg.To) == 0 {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "email has no recipients", nil)
	}

	raw, err := json.Marshal(resendRequest{From: c.from, To: msg.To, Subject: msg.Subject, Text: msg.Text})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode email", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(raw))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build email request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if msg.ID != "" {
		req.Header.Set(IdempotencyKeyHeader, msg.ID)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return "", wrapTransportError(types.ErrCodeUpstreamEmailProvider, "Send", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", types.NewAppErrorWithDetails(types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("Send: resend returned %d", resp.StatusCode), nil,
			map[string]any{"status": resp.StatusCode, "body": string(body)})
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, "failed to decode email response", err)
	}
	c.logger.InfoContext(ctx, "email sent", "kind", msg.Kind, "provider_id", out.ID)
	return out.ID, nil
}
