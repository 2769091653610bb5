package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"devvelocity/internal/types"
)

type mockCheckoutOrgs struct {
	mock.Mock
}

func (m *mockCheckoutOrgs) GetByID(ctx context.Context, id string) (*types.Organization, error) {
	args := m.Called(ctx, id)
	if o := args.Get(0); o != nil {
		return o.(*types.Organization), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCheckoutOrgs) SetStripeCustomerID(ctx context.Context, id, customerID string) error {
	return m.Called(ctx, id, customerID).Error(0)
}

type mockStripe struct {
	mock.Mock
}

func (m *mockStripe) EnsureCustomer(ctx context.Context, orgID, email string) (string, error) {
	args := m.Called(ctx, orgID, email)
	return args.String(0), args.Error(1)
}

func (m *mockStripe) CreateCheckoutSession(ctx context.Context, orgID, customerID string, plan types.PlanID, urls types.RedirectURLs) (string, string, error) {
	args := m.Called(ctx, orgID, customerID, plan, urls)
	return args.String(0), args.String(1), args.Error(2)
}

func (m *mockStripe) ListInvoices(ctx context.Context, customerID string, limit int) ([]*types.Invoice, error) {
	args := m.Called(ctx, customerID, limit)
	if v := args.Get(0); v != nil {
		return v.([]*types.Invoice), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockLemon struct {
	mock.Mock
}

func (m *mockLemon) CreateCheckout(ctx context.Context, orgID, email string, plan types.PlanID, urls types.RedirectURLs) (string, error) {
	args := m.Called(ctx, orgID, email, plan, urls)
	return args.String(0), args.Error(1)
}

func TestCheckout_RedirectURLsFromBase(t *testing.T) {
	c := NewCheckout(nil, nil, nil, nil, "https://app.devvelocity.io/", nil)
	assert.Equal(t, types.RedirectURLs{
		Success: "https://app.devvelocity.io/billing?checkout=success",
		Cancel:  "https://app.devvelocity.io/billing?checkout=cancel",
	}, c.RedirectURLs())
}

func TestCheckout_StripeURL_CreatesAndStoresCustomer(t *testing.T) {
	ctx := context.Background()
	orgs := &mockCheckoutOrgs{}
	stripe := &mockStripe{}
	c := NewCheckout(orgs, nil, stripe, nil, "https://app.example.com", nil)

	orgs.On("GetByID", ctx, "org_1").Return(&types.Organization{ID: "org_1"}, nil)
	stripe.On("EnsureCustomer", ctx, "org_1", "owner@example.com").Return("cus_9", nil)
	orgs.On("SetStripeCustomerID", ctx, "org_1", "cus_9").Return(nil)
	stripe.On("CreateCheckoutSession", ctx, "org_1", "cus_9", types.PlanTeam, c.RedirectURLs()).
		Return("https://checkout/cs_1", "cs_1", nil)

	url, err := c.StripeURL(ctx, "org_1", "owner@example.com", types.PlanTeam)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout/cs_1", url)
	orgs.AssertExpectations(t)
	stripe.AssertExpectations(t)
}

func TestCheckout_StripeURL_ReusesCustomer(t *testing.T) {
	ctx := context.Background()
	orgs := &mockCheckoutOrgs{}
	stripe := &mockStripe{}
	c := NewCheckout(orgs, nil, stripe, nil, "https://app.example.com", nil)

	orgs.On("GetByID", ctx, "org_1").Return(&types.Organization{ID: "org_1", StripeCustomerID: "cus_1"}, nil)
	stripe.On("CreateCheckoutSession", ctx, "org_1", "cus_1", types.PlanStartup, mock.Anything).
		Return("https://checkout/cs_2", "cs_2", nil)

	_, err := c.StripeURL(ctx, "org_1", "owner@example.com", types.PlanStartup)
	require.NoError(t, err)
	stripe.AssertNotCalled(t, "EnsureCustomer", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckout_StripeURL_StoreFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	orgs := &mockCheckoutOrgs{}
	stripe := &mockStripe{}
	c := NewCheckout(orgs, nil, stripe, nil, "https://app.example.com", nil)

	orgs.On("GetByID", ctx, "org_1").Return(&types.Organization{ID: "org_1"}, nil)
	stripe.On("EnsureCustomer", ctx, "org_1", "").Return("cus_9", nil)
	orgs.On("SetStripeCustomerID", ctx, "org_1", "cus_9").Return(errors.New("db down"))
	stripe.On("CreateCheckoutSession", ctx, "org_1", "cus_9", types.PlanTeam, mock.Anything).
		Return("https://checkout/cs_3", "cs_3", nil)

	url, err := c.StripeURL(ctx, "org_1", "", types.PlanTeam)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout/cs_3", url)
}

func TestCheckout_RejectsUnpurchasablePlans(t *testing.T) {
	c := NewCheckout(&mockCheckoutOrgs{}, nil, &mockStripe{}, &mockLemon{}, "https://app.example.com", nil)

	for _, plan := range []types.PlanID{types.PlanDeveloper, "platinum", ""} {
		_, err := c.StripeURL(context.Background(), "org_1", "", plan)
		assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidPlan), "stripe %q", plan)

		_, err = c.LemonURL(context.Background(), "org_1", "", plan)
		assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidPlan), "lemon %q", plan)
	}
}

func TestCheckout_ProviderNotConfigured(t *testing.T) {
	c := NewCheckout(&mockCheckoutOrgs{}, nil, nil, nil, "https://app.example.com", nil)

	_, err := c.StripeURL(context.Background(), "org_1", "", types.PlanTeam)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalConfig))

	_, err = c.LemonURL(context.Background(), "org_1", "", types.PlanTeam)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalConfig))
}

func TestCheckout_LemonURL(t *testing.T) {
	ctx := context.Background()
	lemon := &mockLemon{}
	c := NewCheckout(nil, nil, nil, lemon, "https://app.example.com", nil)
	lemon.On("CreateCheckout", ctx, "org_1", "a@example.com", types.PlanStartup, c.RedirectURLs()).
		Return("https://lemon/checkout", nil)

	url, err := c.LemonURL(ctx, "org_1", "a@example.com", types.PlanStartup)
	require.NoError(t, err)
	assert.Equal(t, "https://lemon/checkout", url)
}

func TestCheckout_Invoices_NoCustomerIsEmpty(t *testing.T) {
	ctx := context.Background()
	orgs := &mockCheckoutOrgs{}
	stripe := &mockStripe{}
	orgs.On("GetByID", ctx, "org_1").Return(&types.Organization{ID: "org_1"}, nil)

	invoices, err := NewCheckout(orgs, nil, stripe, nil, "", nil).Invoices(ctx, "org_1", 10)
	require.NoError(t, err)
	assert.NotNil(t, invoices)
	assert.Empty(t, invoices)
	stripe.AssertNotCalled(t, "ListInvoices", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckout_Invoices_FromStripe(t *testing.T) {
	ctx := context.Background()
	orgs := &mockCheckoutOrgs{}
	stripe := &mockStripe{}
	orgs.On("GetByID", ctx, "org_1").Return(&types.Organization{ID: "org_1", StripeCustomerID: "cus_1"}, nil)
	stripe.On("ListInvoices", ctx, "cus_1", 10).Return([]*types.Invoice{{ID: "in_1"}}, nil)

	invoices, err := NewCheckout(orgs, nil, stripe, nil, "", nil).Invoices(ctx, "org_1", 10)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "in_1", invoices[0].ID)
}

func TestCheckout_Events_NewestFirst(t *testing.T) {
	events := &fakeEvents{}
	for _, id := range []string{"be_1", "be_2", "be_3"} {
		require.NoError(t, events.Append(context.Background(), &types.BillingEvent{ID: id, OrganizationID: "org_1"}))
	}

	got, err := NewCheckout(nil, events, nil, nil, "", nil).Events(context.Background(), "org_1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "be_3", got[0].ID)

	empty, err := NewCheckout(nil, events, nil, nil, "", nil).Events(context.Background(), "org_2", 10)
	require.NoError(t, err)
	assert.NotNil(t, empty)
}
