package sso

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"devvelocity/internal/auth"
	"devvelocity/internal/plans"
	"devvelocity/internal/types"
)

const (
	callbackPath = "/v1/sso/callback"
	acsPath      = "/v1/sso/saml/acs"

	providerCacheSize = 256
	providerCacheTTL  = 15 * time.Minute
)

// OrgStore loads the organization that owns an SSO configuration.
type OrgStore interface {
	GetByID(ctx context.Context, id string) (*types.Organization, error)
}

// Service drives SSO sign-in for organizations.
type Service struct {
	orgs       OrgStore
	members    auth.EmailMemberLookup
	catalog    *plans.Catalog
	apiBaseURL string
	logger     *slog.Logger

	// httpClient carries discovery, JWKS and token requests to the
	// tenant-configured issuer. Nil uses http.DefaultClient.
	httpClient *http.Client

	// Discovery costs a round trip, so OIDC providers are reused. The key
	// includes the issuer and client so config edits take effect.
	providers *expirable.LRU[string, *OIDCProvider]
	newOIDC   func(ctx context.Context, cfg *types.SSOConfig, redirectURL string) (*OIDCProvider, error)
}

// NewService creates the SSO service. apiBaseURL is the public origin the
// IdP redirects back to.
func NewService(orgs OrgStore, members auth.EmailMemberLookup, catalog *plans.Catalog, apiBaseURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		orgs:       orgs,
		members:    members,
		catalog:    catalog,
		apiBaseURL: strings.TrimRight(apiBaseURL, "/"),
		logger:     logger,
		providers:  expirable.NewLRU[string, *OIDCProvider](providerCacheSize, nil, providerCacheTTL),
		newOIDC:    NewOIDCProvider,
	}
}

// WithHTTPClient sets the client used to reach OIDC issuers.
func (s *Service) WithHTTPClient(c *http.Client) *Service {
	s.httpClient = c
	return s
}

// outbound attaches the issuer HTTP client to ctx; go-oidc and oauth2 both
// read it from there.
func (s *Service) outbound(ctx context.Context) context.Context {
	if s.httpClient == nil {
		return ctx
	}
	return oidc.ClientContext(ctx, s.httpClient)
}

// Begin starts a sign-in for orgID. It returns the IdP URL to redirect to
// and the state the caller must persist until the IdP answers.
func (s *Service) Begin(ctx context.Context, orgID string) (string, auth.LoginState, error) {
	org, err := s.orgs.GetByID(ctx, orgID)
	if err != nil {
		return "", auth.LoginState{}, err
	}
	cfg, err := s.configFor(org)
	if err != nil {
		return "", auth.LoginState{}, err
	}

	st := auth.LoginState{State: rand.Text(), Nonce: rand.Text(), OrganizationID: org.ID}

	switch cfg.Protocol {
	case types.SSOProtocolSAML:
		p, err := NewSAMLProvider(cfg, s.apiBaseURL+acsPath)
		if err != nil {
			return "", auth.LoginState{}, configError(err)
		}
		u, err := p.AuthURL(st.State)
		if err != nil {
			return "", auth.LoginState{}, configError(err)
		}
		return u, st, nil
	default:
		p, err := s.oidcProvider(ctx, org.ID, cfg)
		if err != nil {
			return "", auth.LoginState{}, err
		}
		return p.AuthURL(st.State, st.Nonce), st, nil
	}
}

// CompleteOIDC finishes an OIDC sign-in started by Begin.
func (s *Service) CompleteOIDC(ctx context.Context, st auth.LoginState, code string) (auth.Session, error) {
	if code == "" {
		return auth.Session{}, types.NewAppError(types.ErrCodeAuthSSOFailed, "authorization code is missing", nil)
	}
	org, cfg, err := s.load(ctx, st.OrganizationID)
	if err != nil {
		return auth.Session{}, err
	}
	if cfg.Protocol == types.SSOProtocolSAML {
		return auth.Session{}, types.NewAppError(types.ErrCodeAuthSSOFailed, "organization uses SAML", nil)
	}

	p, err := s.oidcProvider(ctx, org.ID, cfg)
	if err != nil {
		return auth.Session{}, err
	}
	id, err := p.Exchange(s.outbound(ctx), code, st.Nonce)
	if err != nil {
		s.logger.WarnContext(ctx, "oidc sign-in rejected", "org_id", org.ID, "error", err)
		return auth.Session{}, types.NewAppError(types.ErrCodeAuthSSOFailed, "identity provider response was rejected", err)
	}
	return s.admit(ctx, org.ID, id)
}

// CompleteSAML finishes a SAML sign-in from the ACS POST.
func (s *Service) CompleteSAML(ctx context.Context, st auth.LoginState, samlResponse string) (auth.Session, error) {
	if samlResponse == "" {
		return auth.Session{}, types.NewAppError(types.ErrCodeAuthSSOFailed, "SAMLResponse is missing", nil)
	}
	org, cfg, err := s.load(ctx, st.OrganizationID)
	if err != nil {
		return auth.Session{}, err
	}
	if cfg.Protocol != types.SSOProtocolSAML {
		return auth.Session{}, types.NewAppError(types.ErrCodeAuthSSOFailed, "organization does not use SAML", nil)
	}

	p, err := NewSAMLProvider(cfg, s.apiBaseURL+acsPath)
	if err != nil {
		return auth.Session{}, configError(err)
	}
	id, err := p.Assertion(samlResponse)
	if err != nil {
		s.logger.WarnContext(ctx, "saml sign-in rejected", "org_id", org.ID, "error", err)
		return auth.Session{}, types.NewAppError(types.ErrCodeAuthSSOFailed, "identity provider response was rejected", err)
	}
	return s.admit(ctx, org.ID, id)
}

func (s *Service) load(ctx context.Context, orgID string) (*types.Organization, *types.SSOConfig, error) {
	org, err := s.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := s.configFor(org)
	return org, cfg, err
}

// configFor enforces the plan gate: sso for any provider, the enterprise
// SSO level for SAML.
func (s *Service) configFor(org *types.Organization) (*types.SSOConfig, error) {
	if err := s.catalog.Check(org.PlanID, plans.Require(plans.CapSSO)).Err(); err != nil {
		return nil, err
	}
	cfg := org.SSOConfig
	if cfg == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSSO, "single sign-on is not configured for this organization", nil)
	}
	if cfg.Protocol == types.SSOProtocolSAML {
		if err := s.catalog.Check(org.PlanID, plans.Require(plans.CapSAML)).Err(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// providerKey changes whenever the issuer or the client credentials do, so a
// rotated secret is never served from a stale provider.
func providerKey(orgID string, cfg *types.SSOConfig) string {
	sum := sha256.Sum256([]byte(cfg.ClientSecret))
	return orgID + "|" + cfg.IssuerURL + "|" + cfg.ClientID + "|" + hex.EncodeToString(sum[:8])
}

func (s *Service) oidcProvider(ctx context.Context, orgID string, cfg *types.SSOConfig) (*OIDCProvider, error) {
	key := providerKey(orgID, cfg)
	if p, ok := s.providers.Get(key); ok {
		return p, nil
	}
	p, err := s.newOIDC(s.outbound(ctx), cfg, s.apiBaseURL+callbackPath)
	if err != nil {
		s.logger.ErrorContext(ctx, "oidc provider setup failed", "org_id", orgID, "error", err)
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "identity provider is unreachable", err)
	}
	s.providers.Add(key, p)
	return p, nil
}

// admit maps the asserted email to an active membership.
func (s *Service) admit(ctx context.Context, orgID string, id Identity) (auth.Session, error) {
	if _, err := s.members.GetActiveByEmail(ctx, orgID, id.Email); err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundMember) {
			return auth.Session{}, types.NewAppError(types.ErrCodeAuthNotMember, "this account is not a member of the organization", nil)
		}
		return auth.Session{}, err
	}
	s.logger.InfoContext(ctx, "sso sign-in", "org_id", orgID, "subject", id.Subject)
	return auth.Session{OrganizationID: orgID, Email: id.Email}, nil
}

func configError(err error) error {
	return types.NewAppError(types.ErrCodeInternalConfig, "single sign-on is misconfigured", err)
}
