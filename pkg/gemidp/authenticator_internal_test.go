package gemidp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryDocumentCopiedPerAttempt(t *testing.T) {
	_, puk := newEncryptionKey(t)
	now := time.Now()
	cached := &DiscoveryDocument{
		Issuer:    "https://idp.example.com",
		Token:     "https://idp.example.com/token",
		PukIdpEnc: puk,
		IssuedAt:  now.Add(-time.Minute),
		ExpiresAt: now.Add(time.Hour),
	}

	auth, err := NewAuthenticator(newTestClient(t), nil)
	require.NoError(t, err)
	auth.doc = cached

	first, err := auth.discoveryDocument(context.Background())
	require.NoError(t, err)
	second, err := auth.discoveryDocument(context.Background())
	require.NoError(t, err)

	assert.NotSame(t, cached, first)
	assert.NotSame(t, first, second)
	assert.Same(t, puk, first.PukIdpEnc)

	// one attempt changing its document leaves the others alone
	first.Token = "https://evil.example.com/token"
	assert.Equal(t, "https://idp.example.com/token", second.Token)
	assert.Equal(t, "https://idp.example.com/token", cached.Token)
}
