package gemidp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const CodeChallengeMethodS256 = "S256"

// Challenge sent from the gematik IDP-Dienst to the authenticator
type Challenge struct {
	Challenge   string      `json:"challenge"`
	UserConsent UserConsent `json:"user_consent"`
}

// User consent of the challenge sent from the gematik IDP-Dienst to the authenticator
type UserConsent struct {
	RequestedScopes map[string]string `json:"requested_scopes"`
	RequestedClaims map[string]string `json:"requested_claims"`
}

// Nested JWT claims used during the challenge response flow
type Njwt struct {
	Njwt string `json:"njwt"`
}

// Payload of the signed challenge token sent from the gematik IDP-Dienst to the authenticator
type ChallengePayload struct {
	Iss                 string `json:"iss"`
	Iat                 int64  `json:"iat"`
	Exp                 int64  `json:"exp"`
	TokenType           string `json:"token_type"`
	Jti                 string `json:"jti"`
	Snc                 string `json:"snc"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	ResponseType        string `json:"response_type"`
	RedirectURI         string `json:"redirect_uri"`
	ClientID            string `json:"client_id"`
	State               string `json:"state"`
	Nonce               string `json:"nonce"`
}

// Verify checks the challenge token against the IDP signing key and returns
// its payload.
func (c *Challenge) Verify(doc *DiscoveryDocument, now time.Time) (*ChallengePayload, error) {
	pub, err := doc.SigningKey()
	if err != nil {
		return nil, newError(OpChallenge, KindUntrusted, err)
	}

	payloadBytes, err := verifyCompact([]byte(c.Challenge), pub)
	if err != nil {
		return nil, newError(OpChallenge, KindUntrusted, fmt.Errorf("verifying challenge: %w", err))
	}

	payload := new(ChallengePayload)
	if err := json.Unmarshal(payloadBytes, payload); err != nil {
		return nil, decodingError(OpChallenge, fmt.Errorf("parsing challenge payload: %w", err))
	}

	if payload.Exp != 0 && !now.Before(time.Unix(payload.Exp, 0)) {
		return nil, newError(OpChallenge, KindExpired, fmt.Errorf("challenge expired at %s", time.Unix(payload.Exp, 0).UTC()))
	}

	return payload, nil
}

// RequestChallenge asks the authorization endpoint for a challenge which the
// external signer has to sign.
func (c *Client) RequestChallenge(ctx context.Context, codeChallenge, method, state, nonce string, doc *DiscoveryDocument) (*Challenge, error) {
	in := ChallengeInput{
		CodeChallenge: codeChallenge,
		Method:        method,
		State:         state,
		Nonce:         nonce,
	}
	if err := c.inputValidator.ValidateChallengeInput(in); err != nil {
		return nil, newError(OpChallenge, KindInvalidInput, err)
	}

	challengeURL, err := c.challengeURL(in, doc)
	if err != nil {
		return nil, assemblyError(OpChallenge, err)
	}

	resp, err := c.get(ctx, OpChallenge, challengeURL, http.Header{
		"Accept": {"application/json"},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, parseErrorResponse(OpChallenge, resp.StatusCode, resp.Body, c.now())
	}

	data, err := readBody(OpChallenge, resp)
	if err != nil {
		return nil, err
	}

	challenge := new(Challenge)
	if err := json.Unmarshal(data, challenge); err != nil {
		return nil, decodingError(OpChallenge, fmt.Errorf("decoding challenge: %w", err))
	}
	if challenge.Challenge == "" {
		return nil, decodingError(OpChallenge, errors.New("challenge is empty"))
	}

	return challenge, nil
}

// challengeURL builds the authorization request. Parameters keep the order
// used by the IDP documentation, spaces are encoded as %20.
func (c *Client) challengeURL(in ChallengeInput, doc *DiscoveryDocument) (string, error) {
	if doc == nil || doc.Authentication == "" {
		return "", errors.New("authorization endpoint missing")
	}
	u, err := url.Parse(doc.Authentication)
	if err != nil {
		return "", fmt.Errorf("parsing authorization endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("authorization endpoint %q is not absolute", doc.Authentication)
	}
	if len(c.config.Scopes) == 0 {
		return "", errors.New("no scopes configured")
	}

	params := [][2]string{
		{"client_id", c.config.ClientID},
		{"code_challenge", in.CodeChallenge},
		{"code_challenge_method", in.Method},
		{"state", in.State},
		{"scope", strings.Join(c.config.Scopes, " ")},
		{"response_type", "code"},
		{"nonce", in.Nonce},
		{"redirect_uri", c.config.RedirectURI},
	}

	query := make([]string, 0, len(params)+1)
	if u.RawQuery != "" {
		query = append(query, u.RawQuery)
	}
	for _, p := range params {
		query = append(query, escapeQuery(p[0])+"="+escapeQuery(p[1]))
	}
	u.RawQuery = strings.Join(query, "&")

	return u.String(), nil
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
