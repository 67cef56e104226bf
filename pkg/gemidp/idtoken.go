package gemidp

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ParseIDToken verifies the decrypted ID token against the IDP signing key
// and checks issuer, audience and the nonce of the attempt.
func ParseIDToken(idToken string, doc *DiscoveryDocument, clientID, nonce string, now time.Time) (jwt.Token, error) {
	if idToken == "" {
		return nil, newError(OpIDToken, KindInvalidInput, errors.New("id token is empty"))
	}
	if doc == nil || doc.PukIdpSig == nil {
		return nil, newError(OpIDToken, KindInvalidInput, errors.New("signing key missing"))
	}

	pub, err := doc.SigningKey()
	if err != nil {
		return nil, newError(OpIDToken, KindUntrusted, err)
	}

	if _, err := verifyCompact([]byte(idToken), pub); err != nil {
		return nil, newError(OpIDToken, KindUntrusted, fmt.Errorf("verifying ID token: %w", err))
	}

	// signature checked above, brainpool signatures are unknown to jwx
	token, err := jwt.ParseString(
		idToken,
		jwt.WithVerify(false),
		jwt.WithAcceptableSkew(5*time.Minute),
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
		jwt.WithIssuer(doc.Issuer),
		jwt.WithAudience(clientID),
		jwt.WithClaimValue("nonce", nonce),
		jwt.WithRequiredClaim("exp"),
	)
	if err != nil {
		return nil, newError(OpIDToken, KindUntrusted, fmt.Errorf("unable to parse ID token: %w", err))
	}

	return token, nil
}
