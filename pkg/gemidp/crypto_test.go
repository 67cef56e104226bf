package gemidp

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestRandomBytes(t *testing.T) {
	p := &CryptoProvider{}
	for _, n := range []int{1, 12, 16, 32, 64} {
		b, err := p.RandomBytes(n)
		require.NoError(t, err)
		assert.Len(t, b, n)
	}

	_, err := p.RandomBytes(0)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestRandomBytesFailingSource(t *testing.T) {
	p := &CryptoProvider{Rand: failingReader{}}

	_, err := p.RandomBytes(16)
	require.Error(t, err)
	assert.Equal(t, KindRandomGeneration, KindOf(err))
	assert.True(t, errors.Is(err, errFailingReader))

	_, err = p.NewSessionCrypto()
	assert.Equal(t, KindRandomGeneration, KindOf(err))

	_, err = p.GCMNonce()
	assert.Equal(t, KindRandomGeneration, KindOf(err))
}

func TestNewSessionCrypto(t *testing.T) {
	p := &CryptoProvider{}
	seen := make(map[string]bool)

	for i := 0; i < 50; i++ {
		sess, err := p.NewSessionCrypto()
		require.NoError(t, err)

		verifier, err := base64.RawURLEncoding.DecodeString(sess.Verifier)
		require.NoError(t, err)
		assert.Len(t, verifier, VerifierLength)
		assert.Len(t, sess.Verifier, 43)

		nonce, err := hex.DecodeString(sess.Nonce)
		require.NoError(t, err)
		assert.Len(t, nonce, NonceLength)

		state, err := hex.DecodeString(sess.State)
		require.NoError(t, err)
		assert.Len(t, state, StateLength)

		assert.Len(t, sess.SessionKey, SessionKeyLength)
		assert.Equal(t, oauth2.S256ChallengeFromVerifier(sess.Verifier), sess.CodeChallenge())

		for _, v := range []string{sess.Nonce, sess.State, sess.Verifier} {
			assert.False(t, seen[v], "value repeated: %s", v)
			seen[v] = true
		}
	}
}

func TestCustomVerifierLength(t *testing.T) {
	p := &CryptoProvider{VerifierLength: 64}
	sess, err := p.NewSessionCrypto()
	require.NoError(t, err)
	verifier, err := base64.RawURLEncoding.DecodeString(sess.Verifier)
	require.NoError(t, err)
	assert.Len(t, verifier, 64)
}

func TestSessionCryptoDestroy(t *testing.T) {
	sess, err := DefaultCryptoProvider.NewSessionCrypto()
	require.NoError(t, err)

	key := sess.SessionKey
	sess.Destroy()

	assert.Equal(t, make([]byte, SessionKeyLength), []byte(key))
	assert.Nil(t, sess.SessionKey)
	assert.Empty(t, sess.Verifier)
	assert.Empty(t, sess.Nonce)
	assert.Empty(t, sess.State)
}

func TestSessionSecretsNotPrinted(t *testing.T) {
	sess, err := DefaultCryptoProvider.NewSessionCrypto()
	require.NoError(t, err)
	defer sess.Destroy()

	assert.Equal(t, "[redacted]", fmt.Sprint(sess.SessionKey))
	assert.Equal(t, "[redacted]", sess.SessionKey.LogValue().String())
	assert.Equal(t, "[redacted]", sess.LogValue().String())
}

func TestGenerateKeyPair(t *testing.T) {
	a, err := DefaultCryptoProvider.GenerateKeyPair(nil)
	require.NoError(t, err)
	b, err := DefaultCryptoProvider.GenerateKeyPair(nil)
	require.NoError(t, err)

	assert.Equal(t, "P-256", a.Curve.Params().Name)
	assert.False(t, a.Equal(b))

	bp, err := DefaultCryptoProvider.GenerateKeyPair(brainpool.P256r1())
	require.NoError(t, err)
	assert.Equal(t, "brainpoolP256r1", bp.Curve.Params().Name)
}
