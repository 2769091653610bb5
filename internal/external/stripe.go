package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"devvelocity/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
const stripeAPIBase = "https://api.stripe.com"

// Stripe event types consumed by the webhook handler.
const (
	EventStripeInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventStripeSubCreated              = "customer.subscription.created"
	EventStripeSubUpdated              = "customer.subscription.updated"
	EventStripeSubDeleted              = "customer.subscription.deleted"
)

// PriceMap maps purchasable plans to provider price (or variant) ids.
type PriceMap map[types.PlanID]string

// PlanFor returns the plan whose price id is priceID.
func (m PriceMap) PlanFor(priceID string) (types.PlanID, bool) {
	for plan, id := range m {
		if id != "" && id == priceID {
			return plan, true
		}
	}
	return "", false
}

// StripeConfig configures a StripeClient.
type StripeConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Prices    PriceMap
	Logger    *slog.Logger
}

// StripeClient calls the Stripe REST API directly through BaseClient so every
// request shares the breaker, retry and error mapping of other providers.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	prices    PriceMap
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient.
func NewStripeClient(httpClient *http.Client, cfg StripeConfig, opts ...BaseClientOption) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts = append([]BaseClientOption{WithUpstreamCode(types.ErrCodeUpstreamStripe)}, opts...)
	return &StripeClient{
		base:      NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "DevVelocity/1.0", opts...),
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		prices:    cfg.Prices,
		logger:    logger,
	}
}

// Prices returns the configured plan to price mapping.
func (s *StripeClient) Prices() PriceMap { return s.prices }

// EnsureCustomer returns the Stripe customer for orgID, searching by
// metadata before creating one so retries do not produce duplicates.
func (s *StripeClient) EnsureCustomer(ctx context.Context, orgID, email string) (string, error) {
	params := url.Values{}
	params.Set("query", fmt.Sprintf("metadata['org_id']:'%s'", orgID))

	var found stripeList[stripeCustomer]
	if err := s.call(ctx, http.MethodGet, "/v1/customers/search", params, "", "EnsureCustomer.search", &found); err != nil {
		return "", err
	}
	if len(found.Data) > 0 {
		return found.Data[0].ID, nil
	}

	create := url.Values{}
	create.Set("email", email)
	create.Set("metadata[org_id]", orgID)

	var customer stripeCustomer
	if err := s.call(ctx, http.MethodPost, "/v1/customers", create, "customer-"+orgID, "EnsureCustomer.create", &customer); err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "created stripe customer", "org_id", orgID, "customer_id", customer.ID)
	return customer.ID, nil
}

// CreateCheckoutSession starts a subscription checkout for plan. org_id is
// carried as client_reference_id and in subscription metadata so webhooks
// can be correlated.
func (s *StripeClient) CreateCheckoutSession(
	ctx context.Context,
	orgID, customerID string,
	plan types.PlanID,
	urls types.RedirectURLs,
) (checkoutURL, sessionID string, err error) {
	priceID := s.prices[plan]
	if priceID == "" {
		return "", "", types.NewAppError(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("plan %q cannot be purchased through stripe", plan), nil)
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("mode", "subscription")
	params.Set("client_reference_id", orgID)
	params.Set("success_url", urls.Success)
	params.Set("cancel_url", urls.Cancel)
	params.Set("metadata[org_id]", orgID)
	params.Set("metadata[plan]", string(plan))
	params.Set("subscription_data[metadata][org_id]", orgID)
	params.Set("line_items[0][price]", priceID)
	params.Set("line_items[0][quantity]", "1")

	var session stripeCheckoutSession
	if err := s.call(ctx, http.MethodPost, "/v1/checkout/sessions", params, "", "CreateCheckoutSession", &session); err != nil {
		return "", "", err
	}
	return session.URL, session.ID, nil
}

// ListInvoices returns the newest invoices of a customer.
func (s *StripeClient) ListInvoices(ctx context.Context, customerID string, limit int) ([]*types.Invoice, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("limit", strconv.Itoa(limit))

	var list stripeList[stripeInvoice]
	if err := s.call(ctx, http.MethodGet, "/v1/invoices", params, "", "ListInvoices", &list); err != nil {
		return nil, err
	}

	out := make([]*types.Invoice, 0, len(list.Data))
	for i := range list.Data {
		out = append(out, mapStripeInvoice(&list.Data[i]))
	}
	return out, nil
}

// CreateInvoiceItem adds a pending charge to the customer's next invoice.
// idempotencyKey makes the call safe to retry.
func (s *StripeClient) CreateInvoiceItem(
	ctx context.Context,
	customerID string,
	amountCents int64,
	description, idempotencyKey string,
) (string, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("amount", strconv.FormatInt(amountCents, 10))
	params.Set("currency", "usd")
	params.Set("description", description)

	var item stripeInvoiceItem
	if err := s.call(ctx, http.MethodPost, "/v1/invoiceitems", params, idempotencyKey, "CreateInvoiceItem", &item); err != nil {
		return "", err
	}
	return item.ID, nil
}

// call sends a form-encoded request and decodes a 200 response into out.
func (s *StripeClient) call(
	ctx context.Context,
	method, path string,
	params url.Values,
	idempotencyKey, operation string,
	out any,
) error {
	reqURL := s.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build stripe request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}

	resp, err := s.base.Do(req)
	if err != nil {
		return wrapTransportError(types.ErrCodeUpstreamStripe, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return handleStripeError(resp, operation)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: failed to decode stripe response", operation), err)
	}
	return nil
}

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func handleStripeError(resp *http.Response, operation string) error {
	var se stripeErrorResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(body, &se)

	details := map[string]any{"status": resp.StatusCode}
	if se.Error.Code != "" {
		details["stripe_code"] = se.Error.Code
	}
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: stripe error (%d): %s", operation, resp.StatusCode, se.Error.Message),
		nil, details)
}

type stripeList[T any] struct {
	Data    []T  `json:"data"`
	HasMore bool `json:"has_more"`
}

type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeInvoiceItem struct {
	ID string `json:"id"`
}

type stripeInvoice struct {
	ID                string `json:"id"`
	Number            string `json:"number"`
	AmountDue         int64  `json:"amount_due"`
	AmountPaid        int64  `json:"amount_paid"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
	PeriodStart       int64  `json:"period_start"`
	PeriodEnd         int64  `json:"period_end"`
	HostedInvoiceURL  string `json:"hosted_invoice_url"`
	InvoicePDF        string `json:"invoice_pdf"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

func mapStripeInvoice(si *stripeInvoice) *types.Invoice {
	inv := &types.Invoice{
		ID:          si.ID,
		Number:      si.Number,
		AmountCents: si.AmountDue,
		Currency:    si.Currency,
		Status:      si.Status,
		PeriodStart: time.Unix(si.PeriodStart, 0).UTC(),
		PeriodEnd:   time.Unix(si.PeriodEnd, 0).UTC(),
		HostedURL:   si.HostedInvoiceURL,
		PDFURL:      si.InvoicePDF,
	}
	if si.StatusTransitions.PaidAt > 0 {
		paidAt := time.Unix(si.StatusTransitions.PaidAt, 0).UTC()
		inv.PaidAt = &paidAt
	}
	return inv
}

// ---------------------------------------------------------------------------
// Webhooks
// ---------------------------------------------------------------------------

// StripeVerifier checks the Stripe-Signature header, including timestamp
// tolerance.
type StripeVerifier struct{}

// Verify validates payload against the signature header and signing secret.
func (StripeVerifier) Verify(payload []byte, header, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}

// StripeSubscription is the part of a subscription object the webhook
// handler reads.
type StripeSubscription struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			Quantity int `json:"quantity"`
		} `json:"data"`
	} `json:"items"`
}

// PriceID returns the price of the first subscription item.
func (s *StripeSubscription) PriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

// StripeInvoiceEvent is the part of an invoice object the webhook handler
// reads.
type StripeInvoiceEvent struct {
	ID         string            `json:"id"`
	Customer   string            `json:"customer"`
	AmountPaid int64             `json:"amount_paid"`
	Currency   string            `json:"currency"`
	Metadata   map[string]string `json:"metadata"`
	Parent     struct {
		SubscriptionDetails struct {
			Metadata map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// OrgID returns org_id from the invoice or its subscription metadata.
func (i *StripeInvoiceEvent) OrgID() string {
	if id := i.Metadata["org_id"]; id != "" {
		return id
	}
	return i.Parent.SubscriptionDetails.Metadata["org_id"]
}

// StripeEvent is a verified webhook event with its raw data object.
type StripeEvent struct {
	ID      string
	Type    string
	Created time.Time
	Object  json.RawMessage
}

// ParseStripeEvent decodes a verified webhook payload.
func ParseStripeEvent(payload []byte) (*StripeEvent, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid stripe event", err)
	}
	out := &StripeEvent{
		ID:      evt.ID,
		Type:    string(evt.Type),
		Created: time.Unix(evt.Created, 0).UTC(),
	}
	if evt.Data != nil {
		out.Object = evt.Data.Raw
	}
	return out, nil
}

// DecodeStripeObject unmarshals the event's data object into T.
func DecodeStripeObject[T any](evt *StripeEvent) (*T, error) {
	if len(evt.Object) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "stripe event has no data object", nil)
	}
	var out T
	if err := json.Unmarshal(evt.Object, &out); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON,
			fmt.Sprintf("invalid %s object", evt.Type), err)
	}
	return &out, nil
}

// MapStripeStatus converts a Stripe subscription status to the domain enum.
func MapStripeStatus(status string) types.SubscriptionStatus {
	switch status {
	case "active":
		return types.SubStatusActive
	case "trialing":
		return types.SubStatusTrialing
	case "past_due", "unpaid", "incomplete":
		return types.SubStatusPastDue
	case "canceled", "incomplete_expired":
		return types.SubStatusCanceled
	default:
		return types.SubscriptionStatus(status)
	}
}
