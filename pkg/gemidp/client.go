package gemidp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the gematik IDP-Dienst. It holds configuration only, all
// per-attempt state lives in SessionCrypto and DiscoveryDocument values, so
// one Client may serve concurrent attempts.
type Client struct {
	config         ClientConfig
	httpClient     *http.Client
	crypto         *CryptoProvider
	docVerifier    DocumentVerifier
	inputValidator ChallengeInputValidator
	now            func() time.Time
}

type ClientOption func(*Client)

// WithHTTPClient uses a copy of hc as transport. Redirects are never
// followed regardless of hc's policy.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		clone := *hc
		c.httpClient = &clone
	}
}

func WithDocumentVerifier(v DocumentVerifier) ClientOption {
	return func(c *Client) {
		c.docVerifier = v
	}
}

func WithCryptoProvider(p *CryptoProvider) ClientOption {
	return func(c *Client) {
		c.crypto = p
	}
}

func WithInputValidator(v ChallengeInputValidator) ClientOption {
	return func(c *Client) {
		c.inputValidator = v
	}
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

func NewClient(config ClientConfig, opts ...ClientOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		crypto:     DefaultCryptoProvider,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	// redirects carry the authorization code and are inspected, not executed
	c.httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	transport := c.httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	c.httpClient.Transport = &transportAddUserAgent{transport, userAgent}

	if c.inputValidator == nil {
		c.inputValidator = InputValidatorFor(config.InputValidation)
	}

	if c.docVerifier == nil {
		if config.TrustAnchor == "" {
			return nil, fmt.Errorf("trust anchor is required to verify the discovery document")
		}
		roots, err := LoadTrustAnchors(config.TrustAnchor)
		if err != nil {
			return nil, err
		}
		c.docVerifier = &X5CVerifier{Roots: roots, Now: c.now}
	}

	return c, nil
}

func (c *Client) Config() ClientConfig {
	return c.config
}

func (c *Client) ClientID() string {
	return c.config.ClientID
}

func (c *Client) RedirectURI() string {
	return c.config.RedirectURI
}

// Crypto returns the provider used for session material.
func (c *Client) Crypto() *CryptoProvider {
	return c.crypto
}

func (c *Client) get(ctx context.Context, op, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, assemblyError(op, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	return c.do(op, req)
}

func (c *Client) postForm(ctx context.Context, op, rawURL string, form url.Values, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, assemblyError(op, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(op, req)
}

func (c *Client) do(op string, req *http.Request) (*http.Response, error) {
	slog.Debug("Sending request to IDP", "op", op, "method", req.Method, "url", req.URL.Redacted())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(op, err)
	}
	slog.Debug("Received response from IDP", "op", op, "status", resp.StatusCode)
	return resp, nil
}

func readBody(op string, resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(op, fmt.Errorf("reading response body: %w", err))
	}
	return data, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400
}

type transportAddUserAgent struct {
	Transport http.RoundTripper
	UserAgent string
}

func (t *transportAddUserAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.UserAgent)
	return t.Transport.RoundTrip(req)
}
