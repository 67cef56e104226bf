package gemidp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeyVerifier is sent encrypted to the IDP so it can encrypt the issued
// tokens with the session key. It is never logged or persisted.
type KeyVerifier struct {
	TokenKey     string `json:"token_key"`
	VerifierCode string `json:"code_verifier"`
}

// KeyPairFunc returns a fresh ephemeral key pair on the recipient's curve
// for one encryption.
type KeyPairFunc func(curve elliptic.Curve) (*ecdsa.PrivateKey, error)

// GCMNonceFunc returns a fresh 12 byte AES-GCM nonce. It must never return
// the same value twice.
type GCMNonceFunc func() ([]byte, error)

// Content types of the ECDH-ES envelopes
const (
	ContentTypeJWT  = "JWT"
	ContentTypeNJWT = "NJWT"
	ContentTypeJSON = "JSON"
)

const (
	algECDHES  = "ECDH-ES"
	encA256GCM = "A256GCM"
	// content encryption key length of A256GCM
	a256gcmKeyLength = 32
)

// EncryptKeyVerifier encrypts {token_key, code_verifier} for the IDP as
// compact JWE (ECDH-ES, A256GCM, cty JWT).
func EncryptKeyVerifier(sessionKey SessionKey, verifier string, idpEncKey *brainpool.JSONWebKey, newKeyPair KeyPairFunc, newNonce GCMNonceFunc) (string, error) {
	if len(sessionKey) != SessionKeyLength {
		return "", encryptionError(OpKeyVerifier, fmt.Errorf("session key must be %d bytes, got %d", SessionKeyLength, len(sessionKey)))
	}
	if verifier == "" {
		return "", encryptionError(OpKeyVerifier, errors.New("verifier is empty"))
	}

	kv := KeyVerifier{
		TokenKey:     sessionKey.Encoded(),
		VerifierCode: verifier,
	}
	plaintext, err := json.Marshal(kv)
	if err != nil {
		return "", encryptionError(OpKeyVerifier, fmt.Errorf("marshalling key verifier: %w", err))
	}
	defer clear(plaintext)

	recipient, err := ecPublicKey(idpEncKey)
	if err != nil {
		return "", encryptionError(OpKeyVerifier, fmt.Errorf("IDP encryption key: %w", err))
	}

	envelope, err := encryptECDHES(plaintext, ContentTypeJWT, nil, recipient, newKeyPair, newNonce)
	if err != nil {
		return "", encryptionError(OpKeyVerifier, err)
	}
	return envelope, nil
}

// EncryptSignedChallenge wraps the signed challenge as {njwt} and encrypts it
// for the IDP (cty NJWT). exp is copied from the challenge so the IDP can
// reject stale responses before decrypting.
func EncryptSignedChallenge(signedChallenge string, exp int64, idpEncKey *brainpool.JSONWebKey, newKeyPair KeyPairFunc, newNonce GCMNonceFunc) (string, error) {
	plaintext, err := json.Marshal(Njwt{Njwt: signedChallenge})
	if err != nil {
		return "", encryptionError(OpEncryptResponse, fmt.Errorf("marshalling challenge response: %w", err))
	}

	recipient, err := ecPublicKey(idpEncKey)
	if err != nil {
		return "", encryptionError(OpEncryptResponse, fmt.Errorf("IDP encryption key: %w", err))
	}

	var extra map[string]interface{}
	if exp != 0 {
		extra = map[string]interface{}{"exp": exp}
	}
	envelope, err := encryptECDHES(plaintext, ContentTypeNJWT, extra, recipient, newKeyPair, newNonce)
	if err != nil {
		return "", encryptionError(OpEncryptResponse, err)
	}
	return envelope, nil
}

// encryptECDHES builds a compact JWE with direct ECDH-ES key agreement and
// A256GCM content encryption. The ephemeral key and the IV come from the
// caller supplied generators.
func encryptECDHES(plaintext []byte, contentType string, extraHeaders map[string]interface{}, recipient *ecdsa.PublicKey, newKeyPair KeyPairFunc, newNonce GCMNonceFunc) (string, error) {
	if newKeyPair == nil || newNonce == nil {
		return "", errors.New("key pair and nonce generators are required")
	}

	ephemeralKey, err := newKeyPair(recipient.Curve)
	if err != nil {
		return "", fmt.Errorf("generating ephemeral key: %w", err)
	}
	if ephemeralKey.Curve.Params().Name != recipient.Curve.Params().Name {
		return "", fmt.Errorf("ephemeral key curve %s does not match recipient curve %s",
			ephemeralKey.Curve.Params().Name, recipient.Curve.Params().Name)
	}

	cek, err := deriveECDHES(encA256GCM, nil, nil, ephemeralKey, recipient, a256gcmKeyLength)
	if err != nil {
		return "", err
	}
	defer clear(cek)

	var epk interface{}
	if brainpool.IsBrainpoolCurve(ephemeralKey.Curve) {
		epk = brainpoolEPK(&ephemeralKey.PublicKey)
	} else if epk, err = jwk.FromRaw(&ephemeralKey.PublicKey); err != nil {
		return "", fmt.Errorf("encoding ephemeral key: %w", err)
	}

	headers := make(map[string]interface{}, len(extraHeaders)+4)
	for k, v := range extraHeaders {
		headers[k] = v
	}
	headers["alg"] = algECDHES
	headers["enc"] = encA256GCM
	headers["cty"] = contentType
	headers["epk"] = epk

	headersJson, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("marshalling headers: %w", err)
	}
	protected := base64.RawURLEncoding.EncodeToString(headersJson)

	iv, err := newNonce()
	if err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}
	if len(iv) != GCMNonceLength {
		return "", fmt.Errorf("IV must be %d bytes, got %d", GCMNonceLength, len(iv))
	}

	ciphertext, tag, err := sealAESGCM(cek, iv, plaintext, []byte(protected))
	if err != nil {
		return "", fmt.Errorf("encrypting with AES-GCM: %w", err)
	}

	var sb []byte
	sb = append(sb, protected...)
	sb = append(sb, '.', '.')
	sb = base64.RawURLEncoding.AppendEncode(sb, iv)
	sb = append(sb, '.')
	sb = base64.RawURLEncoding.AppendEncode(sb, ciphertext)
	sb = append(sb, '.')
	sb = base64.RawURLEncoding.AppendEncode(sb, tag)

	return string(sb), nil
}

func sealAESGCM(key, iv, plaintext, aad []byte) ([]byte, []byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	sealed := aesGCM.Seal(nil, iv, plaintext, aad)
	tagStart := len(sealed) - aesGCM.Overhead()
	return sealed[:tagStart], sealed[tagStart:], nil
}

// deriveECDHES computes the shared secret and runs the Concat KDF of
// RFC 7518 section 4.6.2 with SHA-256.
func deriveECDHES(algorithm string, apu, apv []byte, privateKey *ecdsa.PrivateKey, publicKey *ecdsa.PublicKey, keySize int) ([]byte, error) {
	z, err := sharedSecret(privateKey, publicKey)
	if err != nil {
		return nil, err
	}
	defer clear(z)

	suppPubInfo := make([]byte, 4)
	binary.BigEndian.PutUint32(suppPubInfo, uint32(keySize)*8)

	var otherInfo []byte
	otherInfo = append(otherInfo, lengthPrefixed([]byte(algorithm))...)
	otherInfo = append(otherInfo, lengthPrefixed(apu)...)
	otherInfo = append(otherInfo, lengthPrefixed(apv)...)
	otherInfo = append(otherInfo, suppPubInfo...)

	hasher := sha256.New()
	derived := make([]byte, 0, keySize+hasher.Size())
	for counter := uint32(1); len(derived) < keySize; counter++ {
		hasher.Reset()
		var c [4]byte
		binary.BigEndian.PutUint32(c[:], counter)
		hasher.Write(c[:])
		hasher.Write(z)
		hasher.Write(otherInfo)
		derived = hasher.Sum(derived)
	}

	return derived[:keySize], nil
}

// sharedSecret returns the x coordinate of the ECDH product. crypto/ecdh only
// knows the NIST curves, brainpool points are multiplied on the curve itself.
func sharedSecret(privateKey *ecdsa.PrivateKey, publicKey *ecdsa.PublicKey) ([]byte, error) {
	if !brainpool.IsBrainpoolCurve(privateKey.Curve) {
		prk, err := privateKey.ECDH()
		if err != nil {
			return nil, fmt.Errorf("converting ephemeral key: %w", err)
		}
		puk, err := publicKey.ECDH()
		if err != nil {
			return nil, fmt.Errorf("converting recipient key: %w", err)
		}
		z, err := prk.ECDH(puk)
		if err != nil {
			return nil, fmt.Errorf("computing shared secret: %w", err)
		}
		return z, nil
	}

	curve := privateKey.Curve
	if publicKey.Curve.Params().Name != curve.Params().Name || !curve.IsOnCurve(publicKey.X, publicKey.Y) {
		return nil, errors.New("recipient key is not on the curve of the ephemeral key")
	}
	x, _ := curve.ScalarMult(publicKey.X, publicKey.Y, privateKey.D.Bytes())
	if x.Sign() == 0 {
		return nil, errors.New("shared secret is the point at infinity")
	}
	return x.FillBytes(make([]byte, coordinateSize(curve))), nil
}

// lengthPrefixed returns data prefixed with its length in 32-bit big-endian format.
func lengthPrefixed(data []byte) []byte {
	out := make([]byte, len(data)+4)
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	copy(out[4:], data)
	return out
}
