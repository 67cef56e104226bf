package mockidp

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gematik/zero-idp/pkg/gemidp"
	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// challenge answers the authorization request with a signed challenge.
func (s *Server) challenge(c echo.Context) error {
	q := c.QueryParams()
	if q.Get("client_id") != s.config.ClientID {
		return s.idpError(c, http.StatusBadRequest, "invalid_client", CodeInvalidClient, "client_id ist ungültig")
	}
	if q.Get("redirect_uri") != s.config.RedirectURI {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidRedirect, "redirect_uri ist ungültig")
	}
	if q.Get("response_type") != "code" {
		return s.idpError(c, http.StatusBadRequest, "unsupported_response_type", CodeInvalidRequest, "response_type wird nicht unterstützt")
	}
	if q.Get("code_challenge_method") != gemidp.CodeChallengeMethodS256 || q.Get("code_challenge") == "" {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidRequest, "code_challenge ist ungültig")
	}
	if q.Get("state") == "" || q.Get("nonce") == "" {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidRequest, "state oder nonce fehlt")
	}
	scope := q.Get("scope")
	if !containsScope(scope, "openid") {
		return s.idpError(c, http.StatusBadRequest, "invalid_scope", CodeInvalidRequest, "scope openid fehlt")
	}

	auth := &authorization{
		ClientID:      q.Get("client_id"),
		RedirectURI:   q.Get("redirect_uri"),
		CodeChallenge: q.Get("code_challenge"),
		Method:        q.Get("code_challenge_method"),
		State:         q.Get("state"),
		Nonce:         q.Get("nonce"),
		Scope:         scope,
		Issuer:        issuerOf(c),
	}
	// nonce expiry runs on the wall clock, not on s.Now
	s.challenges.Tidy(time.Now())
	jti, err := s.challenges.Issue(auth)
	if err != nil {
		return err
	}

	now := s.now()
	payload, err := json.Marshal(gemidp.ChallengePayload{
		Iss:                 auth.Issuer,
		Iat:                 now.Unix(),
		Exp:                 now.Add(s.config.ChallengeTTL).Unix(),
		TokenType:           "challenge",
		Jti:                 jti,
		Snc:                 jti,
		Scope:               scope,
		CodeChallenge:       auth.CodeChallenge,
		CodeChallengeMethod: auth.Method,
		ResponseType:        "code",
		RedirectURI:         auth.RedirectURI,
		ClientID:            auth.ClientID,
		State:               auth.State,
		Nonce:               auth.Nonce,
	})
	if err != nil {
		return err
	}

	headers := jws.NewHeaders()
	headers.Set(jws.TypeKey, "JWT")
	headers.Set(jws.KeyIDKey, kidSigning)
	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256, s.sigKey, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &gemidp.Challenge{
		Challenge: string(signed),
		UserConsent: gemidp.UserConsent{
			RequestedScopes: map[string]string{"openid": "Zugriff auf den ID-Token"},
			RequestedClaims: map[string]string{"given_name": "Zustimmung zur Verarbeitung des Vornamens"},
		},
	})
}

// signedChallenge validates the challenge signed with the smartcard and
// redirects to the client with the authorization code.
func (s *Server) signedChallenge(c echo.Context) error {
	njwt, err := s.decryptNJWT(c.FormValue("signed_challenge"))
	if err != nil {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidChallenge, err.Error())
	}

	signer, payload, err := s.verifyX5CSigned([]byte(njwt))
	if err != nil {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidSignature, err.Error())
	}

	inner := new(gemidp.Njwt)
	if err := json.Unmarshal(payload, inner); err != nil {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidChallenge, "signed challenge is malformed")
	}

	auth, err := s.redeemChallenge(inner.Njwt)
	if err != nil {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidChallenge, err.Error())
	}
	auth.Identity = subjectOf(signer)

	return s.redirectWithCode(c, auth, s.issueSSOToken(auth.Identity))
}

// ssoChallenge accepts an unsigned challenge together with an SSO token.
func (s *Server) ssoChallenge(c echo.Context) error {
	id, ok := s.lookupSSOToken(c.FormValue("ssotoken"))
	if !ok {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidSSOToken, "ssotoken ist ungültig")
	}

	auth, err := s.redeemChallenge(c.FormValue("unsigned_challenge"))
	if err != nil {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidChallenge, err.Error())
	}
	auth.Identity = id

	return s.redirectWithCode(c, auth, "")
}

// altChallenge accepts a challenge signed by a paired device.
func (s *Server) altChallenge(c echo.Context) error {
	njwt, err := s.decryptNJWT(c.FormValue("encrypted_signed_authentication_data"))
	if err != nil {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidChallenge, err.Error())
	}

	msg, err := jws.Parse([]byte(njwt))
	if err != nil || len(msg.Signatures()) != 1 {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidSignature, "authentication data is malformed")
	}
	sigHeaders := msg.Signatures()[0].ProtectedHeaders()

	s.mu.Lock()
	paired, ok := s.pairings[sigHeaders.KeyID()]
	s.mu.Unlock()
	if !ok || !s.now().Before(paired.NotAfter) {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodePairingNotFound, "pairing not found")
	}

	payload, err := jws.Verify([]byte(njwt), jws.WithKey(sigHeaders.Algorithm(), paired.Key))
	if err != nil {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidSignature, "invalid device signature")
	}

	authData := new(gemidp.AuthenticationData)
	if err := json.Unmarshal(payload, authData); err != nil || authData.KeyIdentifier != paired.Entry.KeyIdentifier {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidChallenge, "authentication data is malformed")
	}

	auth, err := s.redeemChallenge(authData.ChallengeToken)
	if err != nil {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidChallenge, err.Error())
	}
	auth.Identity = paired.Identity

	return s.redirectWithCode(c, auth, s.issueSSOToken(auth.Identity))
}

func (s *Server) redirectWithCode(c echo.Context, auth *authorization, ssoToken string) error {
	s.codes.Tidy(time.Now())
	code, err := s.codes.Issue(auth)
	if err != nil {
		return err
	}

	location, err := url.Parse(auth.RedirectURI)
	if err != nil {
		return err
	}
	q := location.Query()
	q.Set("code", code)
	q.Set("state", auth.State)
	if ssoToken != "" {
		q.Set("ssotoken", ssoToken)
	}
	location.RawQuery = q.Encode()

	return c.Redirect(http.StatusFound, location.String())
}

// decryptNJWT decrypts an ECDH-ES envelope with the IDP encryption key and
// returns the nested token. The exp header is enforced if present.
func (s *Server) decryptNJWT(envelope string) (string, error) {
	if envelope == "" {
		return "", errors.New("missing encrypted data")
	}
	msg, err := jwe.Parse([]byte(envelope))
	if err != nil {
		return "", fmt.Errorf("invalid JWE: %w", err)
	}
	if raw, ok := msg.ProtectedHeaders().Get("exp"); ok {
		exp, err := numericDate(raw)
		if err != nil {
			return "", err
		}
		if !s.now().Before(exp) {
			return "", errors.New("encrypted data expired")
		}
	}

	plaintext, err := jwe.Decrypt([]byte(envelope), jwe.WithKey(jwa.ECDH_ES, s.encKey))
	if err != nil {
		return "", fmt.Errorf("unable to decrypt: %w", err)
	}

	njwt := new(gemidp.Njwt)
	if err := json.Unmarshal(plaintext, njwt); err != nil || njwt.Njwt == "" {
		return "", errors.New("missing njwt")
	}
	return njwt.Njwt, nil
}

// verifyX5CSigned verifies a JWS with the certificate in its x5c header.
func (s *Server) verifyX5CSigned(data []byte) (*x509.Certificate, []byte, error) {
	msg, err := jws.Parse(data)
	if err != nil || len(msg.Signatures()) != 1 {
		return nil, nil, errors.New("signature is malformed")
	}
	headers := msg.Signatures()[0].ProtectedHeaders()
	chain := headers.X509CertChain()
	if chain == nil || chain.Len() == 0 {
		return nil, nil, errors.New("x5c header missing")
	}
	encoded, _ := chain.Get(0)
	der, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, nil, fmt.Errorf("decoding certificate: %w", err)
	}
	crt, err := brainpool.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing certificate: %w", err)
	}

	if s.config.UserRoots != nil {
		if _, err := crt.Verify(x509.VerifyOptions{
			Roots:       s.config.UserRoots,
			CurrentTime: s.now(),
			KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			return nil, nil, fmt.Errorf("untrusted certificate: %w", err)
		}
	}

	pub, ok := crt.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("unsupported key type %T", crt.PublicKey)
	}
	if brainpool.IsBrainpoolCurve(pub.Curve) {
		// smartcard identities sign with BP256R1, which jwx cannot verify
		if size := 2 * ((pub.Curve.Params().BitSize + 7) / 8); len(msg.Signatures()[0].Signature()) != size {
			return nil, nil, errors.New("invalid signature length")
		}
		token, err := brainpool.ParseToken(data, brainpool.WithEcdsaPublicKey(pub))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid signature: %w", err)
		}
		return crt, token.PayloadJson, nil
	}
	payload, err := jws.Verify(data, jws.WithKey(headers.Algorithm(), pub))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid signature: %w", err)
	}
	return crt, payload, nil
}

// redeemChallenge verifies a challenge token issued by this server and
// consumes it.
func (s *Server) redeemChallenge(token string) (*authorization, error) {
	if token == "" {
		return nil, errors.New("challenge missing")
	}
	payload, err := jws.Verify([]byte(token), jws.WithKey(jwa.ES256, &s.sigKey.PublicKey))
	if err != nil {
		return nil, errors.New("challenge signature invalid")
	}
	claims := new(gemidp.ChallengePayload)
	if err := json.Unmarshal(payload, claims); err != nil {
		return nil, errors.New("challenge is malformed")
	}
	if !s.now().Before(time.Unix(claims.Exp, 0)) {
		return nil, errors.New("challenge expired")
	}
	auth, err := s.challenges.Redeem(claims.Jti)
	if err != nil {
		return nil, errors.New("challenge already used")
	}
	return auth, nil
}

func numericDate(v interface{}) (time.Time, error) {
	switch n := v.(type) {
	case float64:
		return time.Unix(int64(n), 0), nil
	case int64:
		return time.Unix(n, 0), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(i, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported exp type %T", v)
	}
}

func containsScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
