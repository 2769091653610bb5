// Package sso implements organization single sign-on over OIDC and SAML.
// A successful sign-in produces an auth.Session for an active member.
package sso

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"devvelocity/internal/auth"
	"devvelocity/internal/types"
)

// Identity is what an IdP asserted about the user.
type Identity struct {
	Subject string
	Email   string
}

// OIDCProvider runs the authorization code flow against one issuer.
type OIDCProvider struct {
	verifier *oidc.IDTokenVerifier
	oauth    oauth2.Config
}

// NewOIDCProvider discovers the issuer's endpoints and keys.
func NewOIDCProvider(ctx context.Context, cfg *types.SSOConfig, redirectURL string) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("oidc: issuer_url and client_id are required")
	}

	// The provider is cached beyond this request; key refreshes must not
	// inherit its cancellation.
	provider, err := oidc.NewProvider(context.WithoutCancel(ctx), cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc: discovery failed for %s: %w", cfg.IssuerURL, err)
	}

	return &OIDCProvider{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  redirectURL,
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
	}, nil
}

// AuthURL is the IdP authorization URL for one sign-in attempt.
func (p *OIDCProvider) AuthURL(state, nonce string) string {
	return p.oauth.AuthCodeURL(state, oidc.Nonce(nonce))
}

// Exchange redeems code and verifies the returned ID token.
func (p *OIDCProvider) Exchange(ctx context.Context, code, nonce string) (Identity, error) {
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return Identity{}, fmt.Errorf("oidc: code exchange: %w", err)
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return Identity{}, fmt.Errorf("oidc: token response has no id_token")
	}

	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, fmt.Errorf("oidc: id_token: %w", err)
	}
	if idToken.Nonce != nonce {
		return Identity{}, fmt.Errorf("oidc: nonce mismatch")
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("oidc: claims: %w", err)
	}
	if claims.Email == "" {
		return Identity{}, fmt.Errorf("oidc: id_token has no email")
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return Identity{}, fmt.Errorf("oidc: email %s is not verified", claims.Email)
	}
	return Identity{Subject: idToken.Subject, Email: auth.CanonicalizeEmail(claims.Email)}, nil
}
