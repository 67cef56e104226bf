package gemidp

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/lestrrat-go/jwx/v2/cert"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// ChallengeSigner signs the challenge with the identity of the user, usually
// held by a smartcard or secure element. The result is a compact JWS over
// {"njwt": <challenge>}.
type ChallengeSigner interface {
	SignChallenge(ctx context.Context, challenge *Challenge) (string, error)
}

type ChallengeSignerFunc func(ctx context.Context, challenge *Challenge) (string, error)

func (f ChallengeSignerFunc) SignChallenge(ctx context.Context, challenge *Challenge) (string, error) {
	return f(ctx, challenge)
}

// SignWithSoftkey signs challenges with a software key and puts the
// certificate into the x5c header.
func SignWithSoftkey(prk *ecdsa.PrivateKey, certificate *x509.Certificate) ChallengeSignerFunc {
	return func(ctx context.Context, challenge *Challenge) (string, error) {
		if challenge == nil || challenge.Challenge == "" {
			return "", newError(OpSignChallenge, KindInvalidInput, errors.New("challenge is empty"))
		}

		njwtJson, err := json.Marshal(Njwt{Njwt: challenge.Challenge})
		if err != nil {
			return "", newError(OpSignChallenge, KindSigning, fmt.Errorf("marshalling challenge njwt: %w", err))
		}

		signed, err := signCompact(prk, njwtJson, ContentTypeNJWT, "", certificate)
		if err != nil {
			return "", newError(OpSignChallenge, KindSigning, err)
		}
		return signed, nil
	}
}

// signCompact signs payload as compact JWS with typ JWT. kid and the x5c
// certificate are optional.
func signCompact(prk *ecdsa.PrivateKey, payload []byte, contentType, kid string, certificate *x509.Certificate) (string, error) {
	if prk == nil {
		return "", errors.New("no signing key")
	}
	if brainpool.IsBrainpoolCurve(prk.Curve) {
		headers := map[string]interface{}{"typ": "JWT"}
		if contentType != "" {
			headers["cty"] = contentType
		}
		if kid != "" {
			headers["kid"] = kid
		}
		if certificate != nil {
			headers["x5c"] = []string{base64.StdEncoding.EncodeToString(certificate.Raw)}
		}
		return signCompactBrainpool(prk, headers, payload)
	}
	alg, err := algorithmForCurve(prk.Curve)
	if err != nil {
		return "", err
	}

	headers := jws.NewHeaders()
	headers.Set(jws.TypeKey, "JWT")
	if contentType != "" {
		headers.Set(jws.ContentTypeKey, contentType)
	}
	if kid != "" {
		headers.Set(jws.KeyIDKey, kid)
	}
	if certificate != nil {
		var chain cert.Chain
		if err := chain.AddString(base64.StdEncoding.EncodeToString(certificate.Raw)); err != nil {
			return "", fmt.Errorf("adding certificate: %w", err)
		}
		headers.Set(jws.X509CertChainKey, &chain)
	}

	signed, err := jws.Sign(payload, jws.WithKey(alg, prk, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	return string(signed), nil
}

// SignWithSoftkeyPEM loads the key and certificate of a software identity
// from PEM files.
func SignWithSoftkeyPEM(keyPath, certPath string) (ChallengeSignerFunc, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading certificate: %w", err)
	}

	prk, err := parseECPrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no certificate found in PEM")
	}
	certificate, err := brainpool.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}

	return SignWithSoftkey(prk, certificate), nil
}

func parseECPrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no key found in PEM")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		if prk, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
			return prk, nil
		}
		// smartcard exports usually carry brainpool keys
		prk, err := brainpool.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing key: %w", err)
		}
		return prk, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing key: %w", err)
		}
		prk, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", key)
		}
		return prk, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

func algorithmForCurve(curve elliptic.Curve) (jwa.SignatureAlgorithm, error) {
	switch curve {
	case elliptic.P256():
		return jwa.ES256, nil
	case elliptic.P384():
		return jwa.ES384, nil
	case elliptic.P521():
		return jwa.ES512, nil
	default:
		return "", fmt.Errorf("unsupported curve %s", curve.Params().Name)
	}
}
