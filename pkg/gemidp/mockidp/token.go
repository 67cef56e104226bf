package mockidp

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gematik/zero-idp/pkg/gemidp"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
)

func (s *Server) token(c echo.Context) error {
	if c.FormValue("grant_type") != "authorization_code" {
		return s.idpError(c, http.StatusBadRequest, "unsupported_grant_type", CodeInvalidGrant, "grant_type wird nicht unterstützt")
	}

	auth, err := s.codes.Redeem(c.FormValue("code"))
	if err != nil {
		return s.idpError(c, http.StatusBadRequest, "invalid_grant", CodeInvalidGrant, "code ist ungültig")
	}
	if c.FormValue("client_id") != auth.ClientID {
		return s.idpError(c, http.StatusBadRequest, "invalid_client", CodeInvalidClient, "client_id ist ungültig")
	}
	if c.FormValue("redirect_uri") != auth.RedirectURI {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidRedirect, "redirect_uri ist ungültig")
	}

	keyVerifier, err := s.decryptKeyVerifier(c.FormValue("key_verifier"))
	if err != nil {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidVerifier, err.Error())
	}
	if formVerifier := c.FormValue("code_verifier"); formVerifier != "" && formVerifier != keyVerifier.VerifierCode {
		return s.idpError(c, http.StatusBadRequest, "invalid_grant", CodeInvalidVerifier, "code_verifier stimmt nicht überein")
	}
	if oauth2.S256ChallengeFromVerifier(keyVerifier.VerifierCode) != auth.CodeChallenge {
		return s.idpError(c, http.StatusBadRequest, "invalid_grant", CodeInvalidVerifier, "code_verifier ist ungültig")
	}

	tokenKey, err := base64.RawURLEncoding.DecodeString(keyVerifier.TokenKey)
	if err != nil || len(tokenKey) != gemidp.SessionKeyLength {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidVerifier, "token_key ist ungültig")
	}

	accessToken, idToken, err := s.issueTokens(auth)
	if err != nil {
		return err
	}

	encryptedAccessToken, err := encryptNJWT(accessToken, tokenKey)
	if err != nil {
		return err
	}
	encryptedIDToken, err := encryptNJWT(idToken, tokenKey)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &gemidp.TokenPayload{
		AccessToken: encryptedAccessToken,
		IDToken:     encryptedIDToken,
		ExpiresIn:   int(s.config.TokenTTL.Seconds()),
		TokenType:   "Bearer",
	})
}

func (s *Server) decryptKeyVerifier(envelope string) (*gemidp.KeyVerifier, error) {
	if envelope == "" {
		return nil, errors.New("key_verifier fehlt")
	}
	plaintext, err := jwe.Decrypt([]byte(envelope), jwe.WithKey(jwa.ECDH_ES, s.encKey))
	if err != nil {
		return nil, fmt.Errorf("key_verifier kann nicht entschlüsselt werden: %w", err)
	}
	kv := new(gemidp.KeyVerifier)
	if err := json.Unmarshal(plaintext, kv); err != nil || kv.TokenKey == "" || kv.VerifierCode == "" {
		return nil, errors.New("key_verifier ist ungültig")
	}
	return kv, nil
}

func (s *Server) issueTokens(auth *authorization) (string, string, error) {
	now := s.now()
	exp := now.Add(s.config.TokenTTL)

	access, err := jwt.NewBuilder().
		Issuer(auth.Issuer).
		Subject(auth.Identity.Subject).
		Audience([]string{auth.ClientID}).
		IssuedAt(now).
		Expiration(exp).
		JwtID(uuid.NewString()).
		Claim("scope", auth.Scope).
		Claim("client_id", auth.ClientID).
		Claim("acr", "gematik-ehealth-loa-high").
		Build()
	if err != nil {
		return "", "", err
	}

	id, err := jwt.NewBuilder().
		Issuer(auth.Issuer).
		Subject(auth.Identity.Subject).
		Audience([]string{auth.ClientID}).
		IssuedAt(now).
		Expiration(exp).
		Claim("nonce", auth.Nonce).
		Claim("name", auth.Identity.Name).
		Claim("idNummer", auth.Identity.Subject).
		Claim("amr", []string{"mfa", "sc", "pin"}).
		Build()
	if err != nil {
		return "", "", err
	}

	signedAccess, err := jwt.Sign(access, jwt.WithKey(jwa.ES256, s.sigKey))
	if err != nil {
		return "", "", err
	}
	signedID, err := jwt.Sign(id, jwt.WithKey(jwa.ES256, s.sigKey))
	if err != nil {
		return "", "", err
	}
	return string(signedAccess), string(signedID), nil
}

// encryptNJWT wraps the token as {njwt} and encrypts it with the session key
// of the client.
func encryptNJWT(token string, key []byte) (string, error) {
	payload, err := json.Marshal(gemidp.Njwt{Njwt: token})
	if err != nil {
		return "", err
	}
	headers := jwe.NewHeaders()
	headers.Set(jwe.ContentTypeKey, gemidp.ContentTypeNJWT)
	encrypted, err := jwe.Encrypt(payload,
		jwe.WithKey(jwa.DIRECT, key),
		jwe.WithContentEncryption(jwa.A256GCM),
		jwe.WithProtectedHeaders(headers),
	)
	if err != nil {
		return "", err
	}
	return string(encrypted), nil
}

// authenticatedIdentity checks the bearer access token issued by this server.
func (s *Server) authenticatedIdentity(c echo.Context) (identity, error) {
	header := c.Request().Header.Get("Authorization")
	tokenType, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(tokenType, "Bearer") {
		return identity{}, errors.New("bearer token missing")
	}
	token, err := jwt.ParseString(raw,
		jwt.WithKey(jwa.ES256, &s.sigKey.PublicKey),
		jwt.WithClock(jwt.ClockFunc(s.now)),
		jwt.WithAudience(s.config.ClientID),
	)
	if err != nil {
		return identity{}, fmt.Errorf("invalid access token: %w", err)
	}
	return identity{Subject: token.Subject()}, nil
}

func (s *Server) registerDevice(c echo.Context) error {
	caller, err := s.authenticatedIdentity(c)
	if err != nil {
		return s.idpError(c, http.StatusUnauthorized, "invalid_token", CodeUnauthorized, err.Error())
	}

	plaintext, err := s.decryptJSON(c.FormValue("encrypted_registration_data"))
	if err != nil {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodePairingRejected, err.Error())
	}
	registration := new(gemidp.RegistrationData)
	if err := json.Unmarshal(plaintext, registration); err != nil {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodePairingRejected, "registration data is malformed")
	}

	signer, payload, err := s.verifyX5CSigned([]byte(registration.SignedPairingData))
	if err != nil {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodeInvalidSignature, err.Error())
	}
	if base64.StdEncoding.EncodeToString(signer.Raw) != registration.AuthCert {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodePairingRejected, "auth_cert does not match signer")
	}
	owner := subjectOf(signer)
	if owner.Subject != caller.Subject {
		return s.idpError(c, http.StatusForbidden, "access_denied", CodePairingRejected, "pairing belongs to another identity")
	}

	pairingData := new(gemidp.PairingData)
	if err := json.Unmarshal(payload, pairingData); err != nil || pairingData.KeyIdentifier == "" {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodePairingRejected, "pairing data is malformed")
	}
	deviceKey, err := pairingData.ParseDevicePublicKey()
	if err != nil {
		return s.idpError(c, http.StatusBadRequest, "invalid_request", CodePairingRejected, err.Error())
	}

	deviceInfo, err := json.Marshal(registration.DeviceInformation)
	if err != nil {
		return err
	}

	entry := gemidp.PairingEntry{
		Name:                         registration.DeviceInformation.Name,
		CreationTime:                 s.now().UnixMilli(),
		KeyIdentifier:                pairingData.KeyIdentifier,
		SignatureAlgorithmIdentifier: "ES256",
		DeviceInformation:            string(deviceInfo),
	}

	s.mu.Lock()
	s.pairings[entry.KeyIdentifier] = &pairing{
		Entry:    entry,
		Key:      deviceKey,
		Identity: owner,
		NotAfter: time.Unix(pairingData.NotAfter, 0),
	}
	s.mu.Unlock()

	return c.JSON(http.StatusOK, &entry)
}

func (s *Server) unregisterDevice(c echo.Context) error {
	caller, err := s.authenticatedIdentity(c)
	if err != nil {
		return s.idpError(c, http.StatusUnauthorized, "invalid_token", CodeUnauthorized, err.Error())
	}

	keyID := c.Param("key_id")
	s.mu.Lock()
	defer s.mu.Unlock()
	paired, ok := s.pairings[keyID]
	if !ok || paired.Identity.Subject != caller.Subject {
		return s.idpError(c, http.StatusNotFound, "invalid_request", CodePairingNotFound, "pairing not found")
	}
	delete(s.pairings, keyID)

	return c.NoContent(http.StatusNoContent)
}

func (s *Server) decryptJSON(envelope string) ([]byte, error) {
	if envelope == "" {
		return nil, errors.New("missing encrypted data")
	}
	plaintext, err := jwe.Decrypt([]byte(envelope), jwe.WithKey(jwa.ECDH_ES, s.encKey))
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt: %w", err)
	}
	return plaintext, nil
}
