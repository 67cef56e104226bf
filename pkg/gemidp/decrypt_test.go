package gemidp

import (
	"encoding/json"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encryptForTest(t *testing.T, token string, key SessionKey) string {
	t.Helper()
	payload, err := json.Marshal(Njwt{Njwt: token})
	require.NoError(t, err)
	encrypted, err := jwe.Encrypt(payload, jwe.WithKey(jwa.DIRECT, []byte(key)), jwe.WithContentEncryption(jwa.A256GCM))
	require.NoError(t, err)
	return string(encrypted)
}

func TestDecryptTokens(t *testing.T) {
	key, err := DefaultCryptoProvider.GenerateSessionKey()
	require.NoError(t, err)

	payload := &TokenPayload{
		AccessToken: encryptForTest(t, "access.token.value", key),
		IDToken:     encryptForTest(t, "id.token.value", key),
		SSOToken:    "sso",
		ExpiresIn:   300,
		TokenType:   "Bearer",
	}

	tokens, err := DecryptTokens(payload, key)
	require.NoError(t, err)
	assert.Equal(t, "access.token.value", tokens.AccessToken)
	assert.Equal(t, "id.token.value", tokens.IDToken)
	assert.Equal(t, "sso", tokens.SSOToken)
	assert.Equal(t, 300, tokens.ExpiresIn)
	assert.Equal(t, "Bearer", tokens.TokenType)
}

func TestDecryptTokensFailures(t *testing.T) {
	key, err := DefaultCryptoProvider.GenerateSessionKey()
	require.NoError(t, err)
	otherKey, err := DefaultCryptoProvider.GenerateSessionKey()
	require.NoError(t, err)

	notNJWT, err := jwe.Encrypt([]byte(`"plain"`), jwe.WithKey(jwa.DIRECT, []byte(key)), jwe.WithContentEncryption(jwa.A256GCM))
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload *TokenPayload
		key     SessionKey
	}{
		{"wrong key", &TokenPayload{AccessToken: encryptForTest(t, "a.b.c", otherKey)}, key},
		{"invalid utf-8", &TokenPayload{AccessToken: string([]byte{0xff, 0xfe, 0x2e})}, key},
		{"not a JWE", &TokenPayload{AccessToken: "eyJhbGciOiJFUzI1NiJ9.e30.sig"}, key},
		{"no njwt", &TokenPayload{AccessToken: string(notNJWT)}, key},
		{"empty access token", &TokenPayload{IDToken: encryptForTest(t, "a.b.c", key)}, key},
		{"empty id token", &TokenPayload{AccessToken: encryptForTest(t, "a.b.c", key)}, key},
		{"corrupt id token", &TokenPayload{AccessToken: encryptForTest(t, "a.b.c", key), IDToken: "x.y.z.w.v"}, key},
		{"short key", &TokenPayload{AccessToken: encryptForTest(t, "a.b.c", key), IDToken: encryptForTest(t, "d.e.f", key)}, key[:16]},
		{"no payload", nil, key},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecryptTokens(tt.payload, tt.key)
			require.Error(t, err)
			assert.Equal(t, KindDecryption, KindOf(err))
		})
	}
}
