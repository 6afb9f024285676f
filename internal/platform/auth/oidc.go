package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// discoveryTimeout bounds the one-shot discovery fetch at boot.
const discoveryTimeout = 10 * time.Second

// OIDCProvider is the subset of an OpenID Connect discovery document that
// token validation needs. CareDesk only consumes the JWKS location; the
// token endpoint is kept for operator diagnostics.
type OIDCProvider struct {
	Issuer        string `json:"issuer"`
	JWKSURI       string `json:"jwks_uri"`
	TokenEndpoint string `json:"token_endpoint"`
}

// NewOIDCProvider resolves the issuer's discovery document from
// <issuer>/.well-known/openid-configuration. The returned document must
// name the same issuer it was fetched from; a mismatch means the URL is
// serving someone else's configuration and validating against its keys
// would accept foreign tokens.
func NewOIDCProvider(issuerURL string) (*OIDCProvider, error) {
	trimmed := strings.TrimRight(issuerURL, "/")

	client := &http.Client{Timeout: discoveryTimeout}
	resp, err := client.Get(trimmed + "/.well-known/openid-configuration")
	if err != nil {
		return nil, fmt.Errorf("fetch OIDC discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode OIDC discovery document: %w", err)
	}

	if got := strings.TrimRight(doc.Issuer, "/"); got != trimmed {
		return nil, fmt.Errorf("OIDC discovery issuer %q does not match requested issuer %q", doc.Issuer, issuerURL)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("OIDC discovery document for %s has no jwks_uri", issuerURL)
	}

	return &doc, nil
}
