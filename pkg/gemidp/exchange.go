package gemidp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// TokenPayload is the token endpoint response. Access and ID token are
// still encrypted with the session key.
type TokenPayload struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	SSOToken    string `json:"ssotoken,omitempty"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Exchange trades the authorization code for the encrypted tokens.
// encryptedKeyVerifier is the result of EncryptKeyVerifier with the same
// verifier.
func (c *Client) Exchange(ctx context.Context, token *ExchangeToken, verifier, encryptedKeyVerifier string, doc *DiscoveryDocument) (*TokenPayload, error) {
	if token == nil || token.Code == "" {
		return nil, newError(OpExchange, KindInvalidInput, errors.New("authorization code is empty"))
	}
	if encryptedKeyVerifier == "" {
		return nil, newError(OpExchange, KindInvalidInput, errors.New("key verifier is empty"))
	}
	tokenEndpoint := endpoint(doc, func(d *DiscoveryDocument) string { return d.Token })
	if tokenEndpoint == "" {
		return nil, assemblyError(OpExchange, errors.New("token endpoint missing in discovery document"))
	}

	form := url.Values{
		"key_verifier":  {encryptedKeyVerifier},
		"code":          {token.Code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {c.config.RedirectURI},
		"code_verifier": {verifier},
		"client_id":     {c.config.ClientID},
	}

	resp, err := c.postForm(ctx, OpExchange, tokenEndpoint, form, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, parseErrorResponse(OpExchange, resp.StatusCode, resp.Body, c.now())
	}

	data, err := readBody(OpExchange, resp)
	if err != nil {
		return nil, err
	}

	payload := new(TokenPayload)
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, decodingError(OpExchange, fmt.Errorf("decoding token response: %w", err))
	}
	if payload.AccessToken == "" && payload.IDToken == "" {
		return nil, decodingError(OpExchange, errors.New("token response contains no tokens"))
	}

	return payload, nil
}
