package gemidp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
)

// TokenSet holds the decrypted tokens of a successful authentication.
type TokenSet struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	SSOToken    string `json:"ssotoken,omitempty"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (t *TokenSet) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token_type", t.TokenType),
		slog.Int("expires_in", t.ExpiresIn),
		slog.Bool("id_token", t.IDToken != ""),
		slog.Bool("sso", t.SSOToken != ""),
	)
}

// DecryptTokens decrypts access and ID token with the session key of the
// attempt. Both are JWE (dir, A256GCM) wrapping {"njwt": <token>}.
func DecryptTokens(payload *TokenPayload, key SessionKey) (*TokenSet, error) {
	if payload == nil {
		return nil, decryptionError(OpDecrypt, errors.New("token payload is empty"))
	}
	if len(key) != SessionKeyLength {
		return nil, decryptionError(OpDecrypt, fmt.Errorf("session key must be %d bytes, got %d", SessionKeyLength, len(key)))
	}

	accessToken, err := decryptToken(payload.AccessToken, key)
	if err != nil {
		return nil, decryptionError(OpDecrypt, fmt.Errorf("access token: %w", err))
	}

	idToken, err := decryptToken(payload.IDToken, key)
	if err != nil {
		return nil, decryptionError(OpDecrypt, fmt.Errorf("id token: %w", err))
	}

	return &TokenSet{
		AccessToken: accessToken,
		IDToken:     idToken,
		SSOToken:    payload.SSOToken,
		ExpiresIn:   payload.ExpiresIn,
		TokenType:   payload.TokenType,
	}, nil
}

func decryptToken(token string, key SessionKey) (string, error) {
	if token == "" {
		return "", errors.New("token is empty")
	}
	if !utf8.ValidString(token) {
		return "", errors.New("token is not valid UTF-8")
	}

	plaintext, err := jwe.Decrypt([]byte(token), jwe.WithKey(jwa.DIRECT, []byte(key)))
	if err != nil {
		return "", fmt.Errorf("decrypting token: %w", err)
	}

	njwt := new(Njwt)
	if err := json.Unmarshal(plaintext, njwt); err != nil {
		return "", fmt.Errorf("parsing NJWT: %w", err)
	}
	if njwt.Njwt == "" {
		return "", errors.New("NJWT is empty")
	}

	return njwt.Njwt, nil
}
