package gemidp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// ExchangeToken is the authorization code taken from the IDP redirect. It
// is consumed by exactly one Exchange.
type ExchangeToken struct {
	Code     string
	State    string
	SSOToken string
	// Redirect is the full location the IDP redirected to
	Redirect *url.URL
}

func (t *ExchangeToken) LogValue() slog.Value {
	return slog.GroupValue(slog.String("state", t.State), slog.Bool("sso", t.SSOToken != ""))
}

// Verify posts the encrypted signed challenge to the authorization endpoint
// and returns the code from the redirect.
func (c *Client) Verify(ctx context.Context, signedChallenge string, doc *DiscoveryDocument) (*ExchangeToken, error) {
	form := url.Values{
		"signed_challenge": {signedChallenge},
	}
	return c.postForRedirect(ctx, OpVerify, endpoint(doc, func(d *DiscoveryDocument) string { return d.Authentication }), form, "")
}

// Refresh authenticates again using the SSO token of an earlier attempt.
// If the IDP doesn't issue a new SSO token the given one is kept.
func (c *Client) Refresh(ctx context.Context, challenge *Challenge, ssoToken string, doc *DiscoveryDocument) (*ExchangeToken, error) {
	if challenge == nil || challenge.Challenge == "" {
		return nil, newError(OpRefresh, KindInvalidInput, errors.New("challenge is empty"))
	}
	if ssoToken == "" {
		return nil, newError(OpRefresh, KindInvalidInput, errors.New("sso token is empty"))
	}
	form := url.Values{
		"ssotoken":           {ssoToken},
		"unsigned_challenge": {challenge.Challenge},
	}
	return c.postForRedirect(ctx, OpRefresh, endpoint(doc, func(d *DiscoveryDocument) string { return d.SSO }), form, ssoToken)
}

// AltVerify authenticates with data signed by a paired device key.
func (c *Client) AltVerify(ctx context.Context, encryptedSignedAuthData string, doc *DiscoveryDocument) (*ExchangeToken, error) {
	form := url.Values{
		"encrypted_signed_authentication_data": {encryptedSignedAuthData},
	}
	return c.postForRedirect(ctx, OpAltVerify, endpoint(doc, func(d *DiscoveryDocument) string { return d.AuthenticationPair }), form, "")
}

func endpoint(doc *DiscoveryDocument, pick func(*DiscoveryDocument) string) string {
	if doc == nil {
		return ""
	}
	return pick(doc)
}

func (c *Client) postForRedirect(ctx context.Context, op, endpointURL string, form url.Values, fallbackSSOToken string) (*ExchangeToken, error) {
	if endpointURL == "" {
		return nil, assemblyError(op, errors.New("endpoint missing in discovery document"))
	}

	resp, err := c.postForm(ctx, op, endpointURL, form, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isRedirect(resp.StatusCode) {
		return nil, parseErrorResponse(op, resp.StatusCode, resp.Body, c.now())
	}

	token, err := c.exchangeTokenFromRedirect(op, resp)
	if err != nil {
		return nil, err
	}
	if token.SSOToken == "" {
		token.SSOToken = fallbackSSOToken
	}
	return token, nil
}

func (c *Client) exchangeTokenFromRedirect(op string, resp *http.Response) (*ExchangeToken, error) {
	if resp.Header.Get("Location") == "" {
		return nil, newError(op, KindMissingLocationHeader, errors.New("redirect without location"))
	}

	location, err := resp.Location()
	if err != nil {
		return nil, newError(op, KindMissingLocationHeader, fmt.Errorf("invalid location: %w", err))
	}

	query := location.Query()

	// the IDP may redirect errors to the client as well
	if errCode := query.Get("error"); errCode != "" {
		return nil, serverError(op, &ServerError{
			HttpCode:         resp.StatusCode,
			ErrorCode:        errCode,
			GematikErrorText: query.Get("gematik_error_text"),
			GematikUUID:      query.Get("gematik_uuid"),
			GematikCode:      query.Get("gematik_code"),
			GematikTimestamp: c.now().UnixMilli(),
		}, nil)
	}

	token := &ExchangeToken{
		Code:     query.Get("code"),
		State:    query.Get("state"),
		SSOToken: query.Get("ssotoken"),
		Redirect: location,
	}
	if token.Code == "" {
		return nil, newError(op, KindMissingLocationHeader, errors.New("code missing in location"))
	}
	if token.State == "" {
		return nil, newError(op, KindMissingLocationHeader, errors.New("state missing in location"))
	}

	return token, nil
}
