package gemidp

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gematik/zero-idp/pkg/util"
	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/lestrrat-go/jwx/v2/jws"
	"golang.org/x/sync/errgroup"
)

// Claims of the signed discovery document of the gematik IDP-Dienst
type DiscoveryClaims struct {
	Issuer                            string   `json:"issuer" validate:"required,url"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint" validate:"required,url"`
	AuthPairEndpoint                  string   `json:"auth_pair_endpoint" validate:"required,url"`
	SSOEndpoint                       string   `json:"sso_endpoint" validate:"required,url"`
	TokenEndpoint                     string   `json:"token_endpoint" validate:"required,url"`
	PairingURI                        string   `json:"uri_pair" validate:"required,url"`
	DiscoveryURI                      string   `json:"uri_disc" validate:"required,url"`
	JwksURI                           string   `json:"jwks_uri" validate:"required,url"`
	EncryptionKeyURI                  string   `json:"uri_puk_idp_enc" validate:"required,url"`
	SigningKeyURI                     string   `json:"uri_puk_idp_sig" validate:"required,url"`
	Exp                               int64    `json:"exp" validate:"required"`
	Iat                               int64    `json:"iat" validate:"required"`
	KKAppListURI                      string   `json:"kk_app_list_uri,omitempty" validate:"omitempty,url"`
	ThirdPartyAuthorizationEndpoint   string   `json:"third_party_authorization_endpoint,omitempty" validate:"omitempty,url"`
	IdTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseModesSupported            []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	AcrValuesSupported                []string `json:"acr_values_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	SubjectTypesSupported             []string `json:"subject_types_supported,omitempty"`
	UserConsentScopesSupported        []string `json:"user_consent_scopes_supported,omitempty"`
}

// DiscoveryDocument is the verified discovery document together with the
// public keys it references. It is created once per authentication attempt
// and not modified afterwards.
type DiscoveryDocument struct {
	Authentication           string
	AuthenticationPair       string
	SSO                      string
	Token                    string
	Pairing                  string
	Disc                     string
	Issuer                   string
	Jwks                     string
	KKAppList                string
	ThirdPartyAuthentication string
	PukIdpSig                *brainpool.JSONWebKey
	PukIdpEnc                *brainpool.JSONWebKey
	IssuedAt                 time.Time
	ExpiresAt                time.Time
	Claims                   DiscoveryClaims
}

// IsValid reports whether now lies inside the document's validity window.
func (d *DiscoveryDocument) IsValid(now time.Time) bool {
	return !now.Before(d.IssuedAt) && now.Before(d.ExpiresAt)
}

// EncryptionKey returns the IDP encryption key as ECDSA public key.
func (d *DiscoveryDocument) EncryptionKey() (*ecdsa.PublicKey, error) {
	return ecPublicKey(d.PukIdpEnc)
}

// SigningKey returns the IDP signing key as ECDSA public key.
func (d *DiscoveryDocument) SigningKey() (*ecdsa.PublicKey, error) {
	return ecPublicKey(d.PukIdpSig)
}

// LoadDiscoveryDocument fetches the signed discovery document, verifies it
// against the trust anchor and fetches both IDP public keys concurrently.
func (c *Client) LoadDiscoveryDocument(ctx context.Context) (*DiscoveryDocument, error) {
	discoveryURL := c.config.discoveryURL()
	resp, err := c.get(ctx, OpDiscovery, discoveryURL, http.Header{
		"Accept": {"application/jwt, application/json"},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, parseErrorResponse(OpDiscovery, resp.StatusCode, resp.Body, c.now())
	}

	data, err := readBody(OpDiscovery, resp)
	if err != nil {
		return nil, err
	}

	claims, err := parseDiscoveryClaims(data)
	if err != nil {
		return nil, err
	}

	slog.Debug("Parsed discovery document", "url", discoveryURL, "document", util.JWSToText(string(data)))

	if err := c.docVerifier.VerifyDiscoveryDocument(data); err != nil {
		return nil, newError(OpDiscovery, KindUntrusted, err)
	}

	doc := &DiscoveryDocument{
		Authentication:           claims.AuthorizationEndpoint,
		AuthenticationPair:       claims.AuthPairEndpoint,
		SSO:                      claims.SSOEndpoint,
		Token:                    claims.TokenEndpoint,
		Pairing:                  claims.PairingURI,
		Disc:                     claims.DiscoveryURI,
		Issuer:                   claims.Issuer,
		Jwks:                     claims.JwksURI,
		KKAppList:                claims.KKAppListURI,
		ThirdPartyAuthentication: claims.ThirdPartyAuthorizationEndpoint,
		IssuedAt:                 time.Unix(claims.Iat, 0),
		ExpiresAt:                time.Unix(claims.Exp, 0),
		Claims:                   *claims,
	}

	if !doc.IsValid(c.now()) {
		return nil, newError(OpDiscovery, KindExpired,
			fmt.Errorf("document valid from %s until %s", doc.IssuedAt.UTC(), doc.ExpiresAt.UTC()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		key, err := c.fetchKey(gctx, claims.SigningKeyURI)
		if err != nil {
			return err
		}
		doc.PukIdpSig = key
		return nil
	})
	g.Go(func() error {
		key, err := c.fetchKey(gctx, claims.EncryptionKeyURI)
		if err != nil {
			return err
		}
		doc.PukIdpEnc = key
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Info("Loaded IDP discovery document", "issuer", doc.Issuer, "expires_at", doc.ExpiresAt)

	return doc, nil
}

// parseDiscoveryClaims extracts the claims of the signed document without
// verifying the signature.
func parseDiscoveryClaims(data []byte) (*DiscoveryClaims, error) {
	msg, err := jws.Parse(data)
	if err != nil {
		return nil, decodingError(OpDiscovery, fmt.Errorf("parsing discovery document: %w", err))
	}
	if len(msg.Signatures()) != 1 {
		return nil, decodingError(OpDiscovery, fmt.Errorf("expected exactly one signature, got %d", len(msg.Signatures())))
	}

	claims, err := util.UnmarshalValidated[DiscoveryClaims](msg.Payload())
	if err != nil {
		return nil, decodingError(OpDiscovery, fmt.Errorf("parsing discovery claims: %w", err))
	}
	return claims, nil
}

// fetch and parse the JWK at the given URI, always revalidating caches
func (c *Client) fetchKey(ctx context.Context, uri string) (*brainpool.JSONWebKey, error) {
	resp, err := c.get(ctx, OpDiscovery, uri, http.Header{
		"Accept":        {"application/json"},
		"Cache-Control": {"no-cache"},
		"Pragma":        {"no-cache"},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, parseErrorResponse(OpDiscovery, resp.StatusCode, resp.Body, c.now())
	}

	data, err := readBody(OpDiscovery, resp)
	if err != nil {
		return nil, err
	}

	// brainpool aware, the IDP keys of tu, ru and prod are on BP-256
	key := new(brainpool.JSONWebKey)
	if err := json.Unmarshal(data, key); err != nil {
		return nil, decodingError(OpDiscovery, fmt.Errorf("parsing JWK from %s: %w", uri, err))
	}

	if _, err := ecPublicKey(key); err != nil {
		return nil, decodingError(OpDiscovery, fmt.Errorf("JWK from %s: %w", uri, err))
	}

	return key, nil
}

func ecPublicKey(key *brainpool.JSONWebKey) (*ecdsa.PublicKey, error) {
	if key == nil {
		return nil, fmt.Errorf("no key")
	}
	pub, ok := key.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", key.Key)
	}
	if pub.X == nil || pub.Y == nil || !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("point is not on curve %s", pub.Curve.Params().Name)
	}
	return pub, nil
}
