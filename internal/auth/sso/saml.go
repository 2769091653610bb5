package sso

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"devvelocity/internal/auth"
	"devvelocity/internal/types"
)

// emailAttributes are the assertion attributes checked for an address,
// in order, before falling back to the NameID.
var emailAttributes = []string{
	"email",
	"mail",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
}

// SAMLProvider validates responses from one IdP.
type SAMLProvider struct {
	sp *saml2.SAMLServiceProvider
}

// NewSAMLProvider builds a service provider that trusts the IdP certificate
// in cfg. acsURL doubles as the SP entity id and audience.
func NewSAMLProvider(cfg *types.SSOConfig, acsURL string) (*SAMLProvider, error) {
	if cfg.IDPSSOURL == "" || cfg.IDPCertificate == "" {
		return nil, fmt.Errorf("saml: idp_sso_url and idp_certificate are required")
	}

	block, _ := pem.Decode([]byte(cfg.IDPCertificate))
	if block == nil {
		return nil, fmt.Errorf("saml: idp_certificate is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("saml: idp_certificate: %w", err)
	}

	return &SAMLProvider{sp: &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.IDPSSOURL,
		IdentityProviderIssuer:      cfg.IDPIssuer,
		ServiceProviderIssuer:       acsURL,
		AssertionConsumerServiceURL: acsURL,
		AudienceURI:                 acsURL,
		IDPCertificateStore:         &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}},
	}}, nil
}

// AuthURL is the redirect-binding AuthnRequest URL. relayState comes back
// with the response.
func (p *SAMLProvider) AuthURL(relayState string) (string, error) {
	return p.sp.BuildAuthURL(relayState)
}

// Assertion validates a base64 SAMLResponse and extracts the user.
func (p *SAMLProvider) Assertion(encoded string) (Identity, error) {
	info, err := p.sp.RetrieveAssertionInfo(encoded)
	if err != nil {
		return Identity{}, fmt.Errorf("saml: %w", err)
	}
	if w := info.WarningInfo; w != nil {
		if w.InvalidTime {
			return Identity{}, fmt.Errorf("saml: assertion is outside its validity window")
		}
		if w.NotInAudience {
			return Identity{}, fmt.Errorf("saml: assertion is for another audience")
		}
	}

	email := ""
	for _, name := range emailAttributes {
		if v := info.Values.Get(name); v != "" {
			email = v
			break
		}
	}
	if email == "" && strings.Contains(info.NameID, "@") {
		email = info.NameID
	}
	if email == "" {
		return Identity{}, fmt.Errorf("saml: assertion carries no email")
	}
	return Identity{Subject: info.NameID, Email: auth.CanonicalizeEmail(email)}, nil
}
