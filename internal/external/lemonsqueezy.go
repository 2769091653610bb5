package external

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"devvelocity/internal/types"
)

const lemonAPIBase = "https://api.lemonsqueezy.com"

const lemonMediaType = "application/vnd.api+json"

// Lemon Squeezy webhook event names consumed by the webhook handler.
const (
	EventLemonSubCreated = "subscription_created"
	EventLemonSubUpdated = "subscription_updated"
	EventLemonSubExpired = "subscription_expired"
	EventLemonOrderPaid  = "order_paid"
)

// LemonConfig configures a LemonClient.
type LemonConfig struct {
	APIKey   string
	StoreID  string
	BaseURL  string
	Variants PriceMap
	Logger   *slog.Logger
}

// LemonClient creates hosted checkouts through the Lemon Squeezy JSON:API.
type LemonClient struct {
	base     *BaseClient
	apiKey   string
	storeID  string
	baseURL  string
	variants PriceMap
	logger   *slog.Logger
}

// NewLemonClient creates a LemonClient.
func NewLemonClient(httpClient *http.Client, cfg LemonConfig, opts ...BaseClientOption) *LemonClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = lemonAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]BaseClientOption{WithUpstreamCode(types.ErrCodeUpstreamLemonSqueezy)}, opts...)
	return &LemonClient{
		base:     NewBaseClient(httpClient, "lemonsqueezy", DefaultRetryPolicy(), "DevVelocity/1.0", opts...),
		apiKey:   cfg.APIKey,
		storeID:  cfg.StoreID,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		variants: cfg.Variants,
		logger:   logger,
	}
}

// Variants returns the configured plan to variant mapping.
func (c *LemonClient) Variants() PriceMap { return c.variants }

type lemonRelation struct {
	Data struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"data"`
}

func newLemonRelation(typ, id string) lemonRelation {
	var r lemonRelation
	r.Data.Type = typ
	r.Data.ID = id
	return r
}

type lemonCheckoutRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			CheckoutData struct {
				Email  string            `json:"email,omitempty"`
				Custom map[string]string `json:"custom"`
			} `json:"checkout_data"`
			ProductOptions struct {
				RedirectURL string `json:"redirect_url"`
			} `json:"product_options"`
		} `json:"attributes"`
		Relationships struct {
			Store   lemonRelation `json:"store"`
			Variant lemonRelation `json:"variant"`
		} `json:"relationships"`
	} `json:"data"`
}

type lemonCheckoutResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			URL string `json:"url"`
		} `json:"attributes"`
	} `json:"data"`
}

// CreateCheckout returns a hosted checkout URL for plan. org_id travels as
// custom data and comes back in webhook meta.
func (c *LemonClient) CreateCheckout(
	ctx context.Context,
	orgID, email string,
	plan types.PlanID,
	urls types.RedirectURLs,
) (string, error) {
	variantID := c.variants[plan]
	if variantID == "" {
		return "", types.NewAppError(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("plan %q cannot be purchased through lemonsqueezy", plan), nil)
	}

	var body lemonCheckoutRequest
	body.Data.Type = "checkouts"
	body.Data.Attributes.CheckoutData.Email = email
	body.Data.Attributes.CheckoutData.Custom = map[string]string{"org_id": orgID, "plan": string(plan)}
	body.Data.Attributes.ProductOptions.RedirectURL = urls.Success
	body.Data.Relationships.Store = newLemonRelation("stores", c.storeID)
	body.Data.Relationships.Variant = newLemonRelation("variants", variantID)

	raw, err := json.Marshal(body)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode checkout request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/checkouts", bytes.NewReader(raw))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build checkout request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", lemonMediaType)
	req.Header.Set("Content-Type", lemonMediaType)

	resp, err := c.base.Do(req)
	if err != nil {
		return "", wrapTransportError(types.ErrCodeUpstreamLemonSqueezy, "CreateCheckout", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", types.NewAppErrorWithDetails(types.ErrCodeUpstreamLemonSqueezy,
			fmt.Sprintf("CreateCheckout: lemonsqueezy returned %d", resp.StatusCode), nil,
			map[string]any{"status": resp.StatusCode, "body": string(msg)})
	}

	var out lemonCheckoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamLemonSqueezy, "failed to decode checkout response", err)
	}
	c.logger.InfoContext(ctx, "created lemonsqueezy checkout", "org_id", orgID, "checkout_id", out.Data.ID)
	return out.Data.Attributes.URL, nil
}

// LemonVerifier checks the X-Signature header: a hex HMAC-SHA256 of the raw
// body keyed with the webhook secret.
type LemonVerifier struct{}

// Verify compares the signature in constant time.
func (LemonVerifier) Verify(payload []byte, signature, secret string) error {
	if secret == "" {
		return errors.New("webhook secret not configured")
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), got) {
		return errors.New("signature mismatch")
	}
	return nil
}

// SignLemonPayload returns the hex signature Lemon Squeezy would send for
// payload.
func SignLemonPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// LemonEvent is a decoded Lemon Squeezy webhook.
type LemonEvent struct {
	Meta struct {
		EventName  string            `json:"event_name"`
		CustomData map[string]string `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         string          `json:"id"`
		Type       string          `json:"type"`
		Attributes LemonAttributes `json:"attributes"`
	} `json:"data"`
}

// LemonAttributes covers the subscription and order attributes the handler
// reads. Variant ids arrive as numbers.
type LemonAttributes struct {
	VariantID json.Number `json:"variant_id"`
	Status    string      `json:"status"`
	Total     int64       `json:"total"`
	Currency  string      `json:"currency"`
	UserEmail string      `json:"user_email"`
}

// OrgID returns org_id from the checkout custom data.
func (e *LemonEvent) OrgID() string { return e.Meta.CustomData["org_id"] }

// VariantID returns the variant id as a string.
func (e *LemonEvent) VariantID() string { return e.Data.Attributes.VariantID.String() }

// ParseLemonEvent decodes a verified webhook payload.
func ParseLemonEvent(payload []byte) (*LemonEvent, error) {
	var evt LemonEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid lemonsqueezy event", err)
	}
	return &evt, nil
}

// MapLemonStatus converts a Lemon Squeezy subscription status.
func MapLemonStatus(status string) types.SubscriptionStatus {
	switch status {
	case "active":
		return types.SubStatusActive
	case "on_trial":
		return types.SubStatusTrialing
	case "past_due", "unpaid", "paused":
		return types.SubStatusPastDue
	case "cancelled":
		return types.SubStatusCanceled
	case "expired":
		return types.SubStatusExpired
	default:
		return types.SubscriptionStatus(status)
	}
}
