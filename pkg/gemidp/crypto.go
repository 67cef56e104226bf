package gemidp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/oauth2"
)

// Lengths of the random session values in bytes
const (
	VerifierLength   = 32
	NonceLength      = 16
	StateLength      = 16
	SessionKeyLength = 32
	// AES-GCM content encryption nonce, unrelated to the protocol nonce
	GCMNonceLength = 12
)

// CryptoProvider produces the random values and keys of an authentication
// attempt. Every call returns fresh material, nothing is cached.
type CryptoProvider struct {
	// Rand defaults to crypto/rand.Reader
	Rand io.Reader
	// Curve for key pairs when the caller names none, defaults to P-256.
	// Ephemeral encryption keys always follow the IDP key's curve.
	Curve elliptic.Curve
	// VerifierLength is the number of random bytes of the PKCE verifier
	VerifierLength int
}

// DefaultCryptoProvider uses the system CSPRNG and P-256.
var DefaultCryptoProvider = &CryptoProvider{}

func (p *CryptoProvider) reader() io.Reader {
	if p == nil || p.Rand == nil {
		return rand.Reader
	}
	return p.Rand
}

func (p *CryptoProvider) curve() elliptic.Curve {
	if p == nil || p.Curve == nil {
		return elliptic.P256()
	}
	return p.Curve
}

func (p *CryptoProvider) verifierLength() int {
	if p == nil || p.VerifierLength <= 0 {
		return VerifierLength
	}
	return p.VerifierLength
}

// RandomBytes returns exactly length bytes from the secure random source.
func (p *CryptoProvider) RandomBytes(length int) ([]byte, error) {
	if length <= 0 {
		return nil, newError(OpRandom, KindInvalidInput, fmt.Errorf("invalid length %d", length))
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(p.reader(), b); err != nil {
		return nil, newError(OpRandom, KindRandomGeneration, err)
	}
	return b, nil
}

// GenerateKeyPair returns a fresh EC key pair on curve, or on the provider's
// curve if curve is nil. It has the KeyPairFunc signature.
func (p *CryptoProvider) GenerateKeyPair(curve elliptic.Curve) (*ecdsa.PrivateKey, error) {
	if curve == nil {
		curve = p.curve()
	}
	prk, err := ecdsa.GenerateKey(curve, p.reader())
	if err != nil {
		return nil, newError(OpKeyGeneration, KindRandomGeneration, err)
	}
	return prk, nil
}

// GenerateSessionKey returns a fresh AES-256 key.
func (p *CryptoProvider) GenerateSessionKey() (SessionKey, error) {
	b, err := p.RandomBytes(SessionKeyLength)
	if err != nil {
		return nil, err
	}
	return SessionKey(b), nil
}

// GCMNonce returns a fresh 12 byte AES-GCM nonce. It has the GCMNonceFunc
// signature.
func (p *CryptoProvider) GCMNonce() ([]byte, error) {
	return p.RandomBytes(GCMNonceLength)
}

// NewSessionCrypto creates the state of a single authentication attempt.
func (p *CryptoProvider) NewSessionCrypto() (*SessionCrypto, error) {
	verifierBytes, err := p.RandomBytes(p.verifierLength())
	if err != nil {
		return nil, err
	}
	nonce, err := p.RandomBytes(NonceLength)
	if err != nil {
		return nil, err
	}
	state, err := p.RandomBytes(StateLength)
	if err != nil {
		return nil, err
	}
	key, err := p.GenerateSessionKey()
	if err != nil {
		return nil, err
	}
	return &SessionCrypto{
		Verifier:   base64.RawURLEncoding.EncodeToString(verifierBytes),
		Nonce:      hex.EncodeToString(nonce),
		State:      hex.EncodeToString(state),
		SessionKey: key,
	}, nil
}

// SessionKey is the symmetric key the IDP uses to encrypt the issued tokens.
type SessionKey []byte

// Encoded is the token_key representation sent inside the key verifier.
func (k SessionKey) Encoded() string {
	return base64.RawURLEncoding.EncodeToString(k)
}

func (k SessionKey) String() string {
	return "[redacted]"
}

func (k SessionKey) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

// SessionCrypto holds the single-use values of one authentication attempt.
// It must not be logged or persisted and is destroyed when the attempt ends.
type SessionCrypto struct {
	Verifier   string
	Nonce      string
	State      string
	SessionKey SessionKey
}

// CodeChallenge is the S256 PKCE challenge of the verifier.
func (s *SessionCrypto) CodeChallenge() string {
	return oauth2.S256ChallengeFromVerifier(s.Verifier)
}

// Destroy zeroes the session key and drops the other values.
func (s *SessionCrypto) Destroy() {
	if s == nil {
		return
	}
	clear(s.SessionKey)
	s.SessionKey = nil
	s.Verifier = ""
	s.Nonce = ""
	s.State = ""
}

func (s *SessionCrypto) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}
