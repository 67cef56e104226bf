package gemidp_test

import (
	"crypto/ecdsa"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gematik/zero-idp/pkg/ca"
	"github.com/gematik/zero-idp/pkg/gemidp"
	"github.com/gematik/zero-idp/pkg/gemidp/mockidp"
	"github.com/stretchr/testify/require"
)

const (
	testClientID    = "gematik-zero"
	testRedirectURI = "https://zero.example.com/callback"
)

type fixture struct {
	idp          *mockidp.Server
	server       *httptest.Server
	config       gemidp.ClientConfig
	identityKey  *ecdsa.PrivateKey
	identityCert *x509.Certificate
}

// newFixture starts a mock IDP. wrap may intercept requests before they
// reach the IDP.
func newFixture(t *testing.T, wrap func(http.Handler) http.Handler, idpOpts ...func(*mockidp.Config)) *fixture {
	t.Helper()

	idpConfig := mockidp.Config{
		ClientID:    testClientID,
		RedirectURI: testRedirectURI,
	}
	for _, opt := range idpOpts {
		opt(&idpConfig)
	}
	idp, err := mockidp.New(idpConfig)
	require.NoError(t, err)

	var handler http.Handler = idp
	if wrap != nil {
		handler = wrap(idp)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	trustAnchor := filepath.Join(t.TempDir(), "trust-anchor.pem")
	require.NoError(t, ca.WritePEMFiles(idp.TrustAnchor(), trustAnchor, nil, ""))

	identityKey, identityCert, err := idp.IssueIdentity("Dr. Zero Trust")
	require.NoError(t, err)

	return &fixture{
		idp:    idp,
		server: server,
		config: gemidp.ClientConfig{
			DiscoveryURL:    server.URL + mockidp.PathDiscovery,
			ClientID:        testClientID,
			RedirectURI:     testRedirectURI,
			Scopes:          []string{"openid", "e-rezept"},
			InputValidation: gemidp.InputValidationStrict,
			TrustAnchor:     trustAnchor,
		},
		identityKey:  identityKey,
		identityCert: identityCert,
	}
}

func (f *fixture) client(t *testing.T, opts ...gemidp.ClientOption) *gemidp.Client {
	t.Helper()
	client, err := gemidp.NewClient(f.config, opts...)
	require.NoError(t, err)
	return client
}

func (f *fixture) authenticator(t *testing.T, opts ...gemidp.ClientOption) *gemidp.Authenticator {
	t.Helper()
	auth, err := gemidp.NewAuthenticator(f.client(t, opts...), gemidp.SignWithSoftkey(f.identityKey, f.identityCert))
	require.NoError(t, err)
	return auth
}
