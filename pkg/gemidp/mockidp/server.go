// Package mockidp implements the server side of the gematik IDP-Dienst
// protocol for tests and local development.
package mockidp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gematik/zero-idp/pkg/ca"
	"github.com/gematik/zero-idp/pkg/gemidp"
	"github.com/gematik/zero-idp/pkg/nonce"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/cert"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// Endpoint paths
const (
	PathDiscovery     = "/.well-known/openid-configuration"
	PathSigningKey    = "/certs/puk_idp_sig.json"
	PathEncryptionKey = "/certs/puk_idp_enc.json"
	PathJwks          = "/certs"
	PathAuthorization = "/sign_response"
	PathSSO           = "/sso_response"
	PathAltResponse   = "/alt_response"
	PathToken         = "/token"
	PathPairings      = "/pairings"
)

const (
	kidDiscovery = "puk_disc_sig"
	kidSigning   = "puk_idp_sig"
	kidEncrypt   = "puk_idp_enc"
)

type Config struct {
	ClientID    string
	RedirectURI string
	// UserRoots verifies the certificates of challenge signers. Nil accepts
	// every certificate.
	UserRoots    *x509.CertPool
	DocumentTTL  time.Duration
	ChallengeTTL time.Duration
	TokenTTL     time.Duration
}

// Server is a mock IDP. All keys are generated on creation, the discovery
// document signer is issued by CA.
type Server struct {
	config Config
	CA     *ca.MockCertificateAuthority
	Now    func() time.Time

	discKey  *ecdsa.PrivateKey
	discCert *x509.Certificate
	sigKey   *ecdsa.PrivateKey
	encKey   *ecdsa.PrivateKey
	pukSig   jwk.Key
	pukEnc   jwk.Key

	challenges *nonce.Bound[*authorization]
	codes      *nonce.Bound[*authorization]

	mu        sync.Mutex
	ssoTokens map[string]identity
	pairings  map[string]*pairing

	echo *echo.Echo
}

// identity of the authenticated user, taken from the signer certificate
type identity struct {
	Subject string
	Name    string
}

// authorization is the state between challenge and token request
type authorization struct {
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	Method        string
	State         string
	Nonce         string
	Scope         string
	Issuer        string
	Identity      identity
}

type pairing struct {
	Entry    gemidp.PairingEntry
	Key      *ecdsa.PublicKey
	Identity identity
	NotAfter time.Time
}

func New(config Config) (*Server, error) {
	if config.ClientID == "" || config.RedirectURI == "" {
		return nil, fmt.Errorf("client id and redirect uri are required")
	}
	if config.DocumentTTL == 0 {
		config.DocumentTTL = 24 * time.Hour
	}
	if config.ChallengeTTL == 0 {
		config.ChallengeTTL = 3 * time.Minute
	}
	if config.TokenTTL == 0 {
		config.TokenTTL = 5 * time.Minute
	}

	authority, err := ca.NewMockCA(pkix.Name{
		CommonName:   "Mock IDP CA",
		Organization: []string{"gematik GmbH NOT-VALID"},
	})
	if err != nil {
		return nil, fmt.Errorf("creating CA: %w", err)
	}

	discKey, discCert, err := authority.IssueKeyPair(
		pkix.Name{CommonName: "Mock IDP Discovery"},
		ca.WithExtKeyUsage(x509.ExtKeyUsageAny),
	)
	if err != nil {
		return nil, fmt.Errorf("issuing discovery certificate: %w", err)
	}

	sigKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	encKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	pukSig, err := publicJWK(sigKey, kidSigning, jwa.ES256, "sig")
	if err != nil {
		return nil, err
	}
	pukEnc, err := publicJWK(encKey, kidEncrypt, jwa.ECDH_ES, "enc")
	if err != nil {
		return nil, err
	}

	challenges, err := nonce.NewBound[*authorization](config.ChallengeTTL)
	if err != nil {
		return nil, err
	}
	codes, err := nonce.NewBound[*authorization](config.ChallengeTTL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:     config,
		CA:         authority,
		Now:        time.Now,
		discKey:    discKey,
		discCert:   discCert,
		sigKey:     sigKey,
		encKey:     encKey,
		pukSig:     pukSig,
		pukEnc:     pukEnc,
		challenges: challenges,
		codes:      codes,
		ssoTokens:  make(map[string]identity),
		pairings:   make(map[string]*pairing),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s.MountRoutes(e.Group(""))
	s.echo = e

	return s, nil
}

func publicJWK(prk *ecdsa.PrivateKey, kid string, alg jwa.KeyAlgorithm, use string) (jwk.Key, error) {
	key, err := jwk.FromRaw(&prk.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("creating JWK: %w", err)
	}
	key.Set(jwk.KeyIDKey, kid)
	key.Set(jwk.AlgorithmKey, alg)
	key.Set(jwk.KeyUsageKey, use)
	return key, nil
}

// ServeHTTP makes the server usable with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// TrustAnchor is the root the discovery document signer chains to.
func (s *Server) TrustAnchor() *x509.Certificate {
	return s.CA.IssuerCertificate()
}

// IssueIdentity creates a software smartcard identity signed by the mock CA.
func (s *Server) IssueIdentity(name string) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	return s.CA.IssueKeyPair(pkix.Name{
		CommonName:   name,
		SerialNumber: uuid.NewString(),
	})
}

func (s *Server) MountRoutes(group *echo.Group) {
	group.GET(PathDiscovery, s.discoveryDocument)
	group.GET(PathSigningKey, s.signingKey)
	group.GET(PathEncryptionKey, s.encryptionKey)
	group.GET(PathJwks, s.jwks)
	group.GET(PathAuthorization, s.challenge)
	group.POST(PathAuthorization, s.signedChallenge)
	group.POST(PathSSO, s.ssoChallenge)
	group.POST(PathAltResponse, s.altChallenge)
	group.POST(PathToken, s.token)
	group.POST(PathPairings, s.registerDevice)
	group.DELETE(PathPairings+"/:key_id", s.unregisterDevice)
}

func (s *Server) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func issuerOf(c echo.Context) string {
	return c.Scheme() + "://" + c.Request().Host
}

func (s *Server) discoveryDocument(c echo.Context) error {
	issuer := issuerOf(c)
	now := s.now()
	claims := gemidp.DiscoveryClaims{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathAuthorization,
		AuthPairEndpoint:                  issuer + PathAltResponse,
		SSOEndpoint:                       issuer + PathSSO,
		TokenEndpoint:                     issuer + PathToken,
		PairingURI:                        issuer + PathPairings,
		DiscoveryURI:                      issuer + PathDiscovery,
		JwksURI:                           issuer + PathJwks,
		EncryptionKeyURI:                  issuer + PathEncryptionKey,
		SigningKeyURI:                     issuer + PathSigningKey,
		Iat:                               now.Unix(),
		Exp:                               now.Add(s.config.DocumentTTL).Unix(),
		IdTokenSigningAlgValuesSupported:  []string{"ES256"},
		ResponseTypesSupported:            []string{"code"},
		ScopesSupported:                   []string{"openid", "e-rezept", "pairing"},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               []string{"authorization_code"},
		AcrValuesSupported:                []string{"gematik-ehealth-loa-high"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{gemidp.CodeChallengeMethodS256},
		SubjectTypesSupported:             []string{"pairwise"},
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return err
	}

	var chain cert.Chain
	if err := chain.AddString(base64.StdEncoding.EncodeToString(s.discCert.Raw)); err != nil {
		return err
	}
	headers := jws.NewHeaders()
	headers.Set(jws.TypeKey, "JWT")
	headers.Set(jws.KeyIDKey, kidDiscovery)
	headers.Set(jws.X509CertChainKey, &chain)

	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256, s.discKey, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return err
	}

	return c.Blob(http.StatusOK, "application/jwt", signed)
}

func (s *Server) signingKey(c echo.Context) error {
	return c.JSON(http.StatusOK, s.pukSig)
}

func (s *Server) encryptionKey(c echo.Context) error {
	return c.JSON(http.StatusOK, s.pukEnc)
}

func (s *Server) jwks(c echo.Context) error {
	set := jwk.NewSet()
	set.AddKey(s.pukSig)
	set.AddKey(s.pukEnc)
	return c.JSON(http.StatusOK, set)
}

// gematik error codes used by the mock
const (
	CodeInvalidRequest   = "1030"
	CodeInvalidClient    = "2012"
	CodeInvalidRedirect  = "1020"
	CodeInvalidChallenge = "2020"
	CodeInvalidSignature = "2021"
	CodeInvalidGrant     = "3011"
	CodeInvalidVerifier  = "3016"
	CodeInvalidSSOToken  = "2040"
	CodeUnauthorized     = "4001"
	CodePairingNotFound  = "4002"
	CodePairingRejected  = "4003"
)

func (s *Server) idpError(c echo.Context, status int, errCode, gematikCode, text string) error {
	slog.Warn("Mock IDP rejected request", "path", c.Path(), "error", errCode, "code", gematikCode, "text", text)
	return c.JSON(status, &gemidp.ServerError{
		ErrorCode:        errCode,
		GematikErrorText: text,
		GematikTimestamp: s.now().UnixMilli(),
		GematikUUID:      uuid.NewString(),
		GematikCode:      gematikCode,
	})
}

func (s *Server) issueSSOToken(id identity) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.ssoTokens[token] = id
	s.mu.Unlock()
	return token
}

func (s *Server) lookupSSOToken(token string) (identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ssoTokens[token]
	return id, ok
}

func subjectOf(crt *x509.Certificate) identity {
	sub := crt.Subject.SerialNumber
	if sub == "" {
		sub = strings.ToLower(crt.SerialNumber.Text(16))
	}
	return identity{Subject: sub, Name: crt.Subject.CommonName}
}
