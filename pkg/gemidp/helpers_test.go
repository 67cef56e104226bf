package gemidp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/stretchr/testify/require"
)

func testConfig() ClientConfig {
	return ClientConfig{
		Environment:     EnvironmentTest,
		ClientID:        "gematik-zero",
		RedirectURI:     "https://zero.example.com/callback",
		Scopes:          []string{"openid", "e-rezept"},
		InputValidation: InputValidationStrict,
	}
}

func newTestClient(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{WithDocumentVerifier(UnverifiedDocuments{})}, opts...)
	client, err := NewClient(testConfig(), opts...)
	require.NoError(t, err)
	return client
}

// newEncryptionKey returns an IDP encryption key pair as the client sees it.
func newEncryptionKey(t *testing.T) (*ecdsa.PrivateKey, *brainpool.JSONWebKey) {
	return newEncryptionKeyOn(t, elliptic.P256())
}

func newEncryptionKeyOn(t *testing.T, curve elliptic.Curve) (*ecdsa.PrivateKey, *brainpool.JSONWebKey) {
	t.Helper()
	prk, err := ecdsa.GenerateKey(curve, rand.Reader)
	require.NoError(t, err)
	return prk, &brainpool.JSONWebKey{
		KeyType:   "EC",
		Use:       "enc",
		Algortihm: "ECDH-ES",
		KeyID:     "puk_idp_enc",
		Key:       &prk.PublicKey,
	}
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return 0, errFailingReader
}

var errFailingReader = errors.New("entropy source exhausted")
