package gemidp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redirectServer(t *testing.T, status int, location string, form *url.Values) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		if form != nil {
			*form = r.PostForm
		}
		if location != "" {
			w.Header().Set("Location", location)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestVerify(t *testing.T) {
	var form url.Values
	server := redirectServer(t, http.StatusFound, "https://zero.example.com/callback?code=c0de&state=5747e&ssotoken=sso", &form)
	client := newTestClient(t)

	token, err := client.Verify(context.Background(), "encrypted", &DiscoveryDocument{Authentication: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "c0de", token.Code)
	assert.Equal(t, "5747e", token.State)
	assert.Equal(t, "sso", token.SSOToken)
	assert.Equal(t, "encrypted", form.Get("signed_challenge"))
}

func TestVerifyMissingLocationParts(t *testing.T) {
	client := newTestClient(t)
	for name, location := range map[string]string{
		"no location": "",
		"no code":     "https://zero.example.com/callback?state=5747e",
		"no state":    "https://zero.example.com/callback?code=c0de",
	} {
		t.Run(name, func(t *testing.T) {
			server := redirectServer(t, http.StatusFound, location, nil)
			_, err := client.Verify(context.Background(), "encrypted", &DiscoveryDocument{Authentication: server.URL})
			require.Error(t, err)
			assert.Equal(t, KindMissingLocationHeader, KindOf(err))
		})
	}
}

func TestVerifyErrorRedirect(t *testing.T) {
	server := redirectServer(t, http.StatusFound, "https://zero.example.com/callback?error=access_denied&gematik_code=2021&gematik_uuid=u-1&gematik_error_text=Signatur", nil)
	client := newTestClient(t)

	_, err := client.Verify(context.Background(), "encrypted", &DiscoveryDocument{Authentication: server.URL})
	serverErr, ok := AsServerError(err)
	require.True(t, ok)
	assert.Equal(t, "access_denied", serverErr.ErrorCode)
	assert.Equal(t, "2021", serverErr.GematikCode)
	assert.Equal(t, "u-1", serverErr.GematikUUID)
}

func TestVerifyNonRedirectIsServerError(t *testing.T) {
	server := redirectServer(t, http.StatusOK, "", nil)
	client := newTestClient(t)

	_, err := client.Verify(context.Background(), "encrypted", &DiscoveryDocument{Authentication: server.URL})
	assert.Equal(t, KindServer, KindOf(err))
}

func TestRefreshKeepsSSOToken(t *testing.T) {
	var form url.Values
	server := redirectServer(t, http.StatusFound, "https://zero.example.com/callback?code=c0de&state=5747e", &form)
	client := newTestClient(t)

	token, err := client.Refresh(context.Background(), &Challenge{Challenge: "a.b.c"}, "sso-1", &DiscoveryDocument{SSO: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "sso-1", token.SSOToken)
	assert.Equal(t, "a.b.c", form.Get("unsigned_challenge"))
	assert.Equal(t, "sso-1", form.Get("ssotoken"))

	_, err = client.Refresh(context.Background(), &Challenge{Challenge: "a.b.c"}, "", &DiscoveryDocument{SSO: server.URL})
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestAltVerify(t *testing.T) {
	var form url.Values
	server := redirectServer(t, http.StatusFound, "https://zero.example.com/callback?code=c0de&state=5747e", &form)
	client := newTestClient(t)

	token, err := client.AltVerify(context.Background(), "auth-data", &DiscoveryDocument{AuthenticationPair: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "c0de", token.Code)
	assert.Equal(t, "auth-data", form.Get("encrypted_signed_authentication_data"))

	_, err = client.AltVerify(context.Background(), "auth-data", &DiscoveryDocument{})
	assert.Equal(t, KindAssembly, KindOf(err))
}

func TestExchange(t *testing.T) {
	var form url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"enc-at","id_token":"enc-id","expires_in":300,"token_type":"Bearer"}`))
	}))
	defer server.Close()
	client := newTestClient(t)

	payload, err := client.Exchange(context.Background(), &ExchangeToken{Code: "c0de", State: "s"}, "verifier", "key-verifier", &DiscoveryDocument{Token: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "enc-at", payload.AccessToken)
	assert.Equal(t, 300, payload.ExpiresIn)

	assert.Equal(t, "key-verifier", form.Get("key_verifier"))
	assert.Equal(t, "c0de", form.Get("code"))
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "https://zero.example.com/callback", form.Get("redirect_uri"))
	assert.Equal(t, "verifier", form.Get("code_verifier"))
	assert.Equal(t, "gematik-zero", form.Get("client_id"))
}

func TestExchangeFailures(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","gematik_code":"3011","gematik_uuid":"u"}`))
	}))
	defer server.Close()

	_, err := client.Exchange(ctx, &ExchangeToken{Code: "c0de"}, "verifier", "kv", &DiscoveryDocument{Token: server.URL})
	serverErr, ok := AsServerError(err)
	require.True(t, ok)
	assert.Equal(t, "3011", serverErr.GematikCode)

	_, err = client.Exchange(ctx, &ExchangeToken{}, "verifier", "kv", &DiscoveryDocument{Token: server.URL})
	assert.Equal(t, KindInvalidInput, KindOf(err))

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer garbage.Close()
	_, err = client.Exchange(ctx, &ExchangeToken{Code: "c0de"}, "verifier", "kv", &DiscoveryDocument{Token: garbage.URL})
	assert.Equal(t, KindDecoding, KindOf(err))
}
