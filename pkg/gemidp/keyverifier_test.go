package gemidp

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyVerifierDecryptsWithJWX(t *testing.T) {
	prk, puk := newEncryptionKey(t)
	sess, err := DefaultCryptoProvider.NewSessionCrypto()
	require.NoError(t, err)

	envelope, err := EncryptKeyVerifier(sess.SessionKey, sess.Verifier, puk, DefaultCryptoProvider.GenerateKeyPair, DefaultCryptoProvider.GCMNonce)
	require.NoError(t, err)
	assert.Len(t, strings.Split(envelope, "."), 5)

	plaintext, err := jwe.Decrypt([]byte(envelope), jwe.WithKey(jwa.ECDH_ES, prk))
	require.NoError(t, err)

	kv := new(KeyVerifier)
	require.NoError(t, json.Unmarshal(plaintext, kv))
	assert.Equal(t, sess.Verifier, kv.VerifierCode)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sess.SessionKey), kv.TokenKey)

	msg, err := jwe.Parse([]byte(envelope))
	require.NoError(t, err)
	headers := msg.ProtectedHeaders()
	assert.Equal(t, jwa.ECDH_ES, headers.Algorithm())
	assert.Equal(t, jwa.A256GCM, headers.ContentEncryption())
	assert.Equal(t, ContentTypeJWT, headers.ContentType())
	assert.NotNil(t, headers.EphemeralPublicKey())
}

func TestKeyVerifierUsesInjectedGenerators(t *testing.T) {
	_, puk := newEncryptionKey(t)
	ephemeral, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	iv := bytes.Repeat([]byte{7}, GCMNonceLength)
	key := SessionKey(bytes.Repeat([]byte{1}, SessionKeyLength))

	keyPairCalls, nonceCalls := 0, 0
	newKeyPair := func(curve elliptic.Curve) (*ecdsa.PrivateKey, error) {
		assert.Equal(t, "P-256", curve.Params().Name)
		keyPairCalls++
		return ephemeral, nil
	}
	newNonce := func() ([]byte, error) {
		nonceCalls++
		return iv, nil
	}

	a, err := EncryptKeyVerifier(key, "verifier", puk, newKeyPair, newNonce)
	require.NoError(t, err)
	b, err := EncryptKeyVerifier(key, "verifier", puk, newKeyPair, newNonce)
	require.NoError(t, err)

	// identical key pair and IV give identical output
	assert.Equal(t, a, b)
	assert.Equal(t, 2, keyPairCalls)
	assert.Equal(t, 2, nonceCalls)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(iv), strings.Split(a, ".")[2])
}

func TestKeyVerifierEncryptionErrors(t *testing.T) {
	_, puk := newEncryptionKey(t)
	key, err := DefaultCryptoProvider.GenerateSessionKey()
	require.NoError(t, err)
	kp := DefaultCryptoProvider.GenerateKeyPair

	t.Run("nonce generator fails", func(t *testing.T) {
		_, err := EncryptKeyVerifier(key, "verifier", puk, kp, func() ([]byte, error) {
			return nil, errors.New("no nonce")
		})
		assert.Equal(t, KindEncryption, KindOf(err))
	})

	t.Run("nonce has wrong length", func(t *testing.T) {
		_, err := EncryptKeyVerifier(key, "verifier", puk, kp, func() ([]byte, error) {
			return make([]byte, NonceLength), nil
		})
		assert.Equal(t, KindEncryption, KindOf(err))
	})

	t.Run("key pair generator fails", func(t *testing.T) {
		_, err := EncryptKeyVerifier(key, "verifier", puk, func(elliptic.Curve) (*ecdsa.PrivateKey, error) {
			return nil, errors.New("no key")
		}, DefaultCryptoProvider.GCMNonce)
		assert.Equal(t, KindEncryption, KindOf(err))
	})

	t.Run("curve mismatch", func(t *testing.T) {
		_, err := EncryptKeyVerifier(key, "verifier", puk, func(elliptic.Curve) (*ecdsa.PrivateKey, error) {
			return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		}, DefaultCryptoProvider.GCMNonce)
		assert.Equal(t, KindEncryption, KindOf(err))
	})

	t.Run("short session key", func(t *testing.T) {
		_, err := EncryptKeyVerifier(key[:16], "verifier", puk, kp, DefaultCryptoProvider.GCMNonce)
		assert.Equal(t, KindEncryption, KindOf(err))
	})

	t.Run("no recipient key", func(t *testing.T) {
		_, err := EncryptKeyVerifier(key, "verifier", nil, kp, DefaultCryptoProvider.GCMNonce)
		assert.Equal(t, KindEncryption, KindOf(err))
	})
}

func TestEncryptSignedChallengeCarriesExp(t *testing.T) {
	prk, puk := newEncryptionKey(t)

	envelope, err := EncryptSignedChallenge("header.payload.signature", 1713603116, puk, DefaultCryptoProvider.GenerateKeyPair, DefaultCryptoProvider.GCMNonce)
	require.NoError(t, err)

	msg, err := jwe.Parse([]byte(envelope))
	require.NoError(t, err)
	assert.Equal(t, ContentTypeNJWT, msg.ProtectedHeaders().ContentType())
	exp, ok := msg.ProtectedHeaders().Get("exp")
	require.True(t, ok)
	assert.EqualValues(t, 1713603116, exp)

	plaintext, err := jwe.Decrypt([]byte(envelope), jwe.WithKey(jwa.ECDH_ES, prk))
	require.NoError(t, err)
	assert.JSONEq(t, `{"njwt":"header.payload.signature"}`, string(plaintext))
}

func TestKeyVerifierBrainpoolRecipient(t *testing.T) {
	prk, puk := newEncryptionKeyOn(t, brainpool.P256r1())
	sess, err := DefaultCryptoProvider.NewSessionCrypto()
	require.NoError(t, err)

	envelope, err := EncryptKeyVerifier(sess.SessionKey, sess.Verifier, puk, DefaultCryptoProvider.GenerateKeyPair, DefaultCryptoProvider.GCMNonce)
	require.NoError(t, err)

	headers, plaintext := decryptBrainpoolEnvelope(t, envelope, prk)
	assert.Equal(t, "ECDH-ES", headers.Alg)
	assert.Equal(t, "A256GCM", headers.Enc)
	assert.Equal(t, ContentTypeJWT, headers.Cty)
	assert.Equal(t, "BP-256", headers.EPK.CurveName)

	kv := new(KeyVerifier)
	require.NoError(t, json.Unmarshal(plaintext, kv))
	assert.Equal(t, sess.Verifier, kv.VerifierCode)
	assert.Equal(t, sess.SessionKey.Encoded(), kv.TokenKey)
}

func TestSharedSecretBrainpool(t *testing.T) {
	a, err := DefaultCryptoProvider.GenerateKeyPair(brainpool.P256r1())
	require.NoError(t, err)
	b, err := DefaultCryptoProvider.GenerateKeyPair(brainpool.P256r1())
	require.NoError(t, err)

	ab, err := deriveECDHES(encA256GCM, nil, nil, a, &b.PublicKey, a256gcmKeyLength)
	require.NoError(t, err)
	ba, err := deriveECDHES(encA256GCM, nil, nil, b, &a.PublicKey, a256gcmKeyLength)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
	assert.Len(t, ab, a256gcmKeyLength)

	// a point of another curve is rejected
	nist, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, err = deriveECDHES(encA256GCM, nil, nil, a, &nist.PublicKey, a256gcmKeyLength)
	assert.Error(t, err)
}

type brainpoolEnvelopeHeaders struct {
	Alg string               `json:"alg"`
	Enc string               `json:"enc"`
	Cty string               `json:"cty"`
	EPK brainpool.JSONWebKey `json:"epk"`
}

// decryptBrainpoolEnvelope opens a compact ECDH-ES JWE the way the IDP does,
// jwx cannot decrypt for brainpool keys.
func decryptBrainpoolEnvelope(t *testing.T, envelope string, prk *ecdsa.PrivateKey) (*brainpoolEnvelopeHeaders, []byte) {
	t.Helper()
	parts := strings.Split(envelope, ".")
	require.Len(t, parts, 5)
	assert.Empty(t, parts[1])

	headersJson, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	headers := new(brainpoolEnvelopeHeaders)
	require.NoError(t, json.Unmarshal(headersJson, headers))
	epk, ok := headers.EPK.Key.(*ecdsa.PublicKey)
	require.True(t, ok)

	cek, err := deriveECDHES(headers.Enc, nil, nil, prk, epk, a256gcmKeyLength)
	require.NoError(t, err)

	iv, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	ciphertext, err := base64.RawURLEncoding.DecodeString(parts[3])
	require.NoError(t, err)
	tag, err := base64.RawURLEncoding.DecodeString(parts[4])
	require.NoError(t, err)

	block, err := aes.NewCipher(cek)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), []byte(parts[0]))
	require.NoError(t, err)
	return headers, plaintext
}
