package gemidp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// jwx must accept the brainpool names when parsing headers, signatures are
// checked with the brainpool library.
func init() {
	jwa.RegisterSignatureAlgorithm(brainpool.AlgorithmNameBP256R1)
	jwa.RegisterSignatureAlgorithm(brainpool.AlgorithmNameBP384R1)
	jwa.RegisterSignatureAlgorithm(brainpool.AlgorithmNameBP512R1)
}

// brainpoolAlgorithm returns the JWS algorithm name for a brainpool curve.
func brainpoolAlgorithm(curve elliptic.Curve) (string, error) {
	switch brainpool.JWAForCurve(curve) {
	case "BP-256":
		return brainpool.AlgorithmNameBP256R1, nil
	case "BP-384":
		return brainpool.AlgorithmNameBP384R1, nil
	case "BP-512":
		return brainpool.AlgorithmNameBP512R1, nil
	default:
		return "", fmt.Errorf("unsupported curve %s", curve.Params().Name)
	}
}

func coordinateSize(curve elliptic.Curve) int {
	return (curve.Params().BitSize + 7) / 8
}

// verifyCompact checks the signature of a compact JWS and returns its payload.
// jwx has no brainpool support, so BP256R1 tokens are verified with the
// brainpool library. The algorithm always follows the curve of pub.
func verifyCompact(raw []byte, pub *ecdsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, errors.New("no verification key")
	}

	if !brainpool.IsBrainpoolCurve(pub.Curve) {
		alg, err := algorithmForCurve(pub.Curve)
		if err != nil {
			return nil, err
		}
		return jws.Verify(raw, jws.WithKey(alg, pub))
	}

	token, err := brainpool.ParseToken(raw, brainpoolSignatureShape(pub), brainpool.WithEcdsaPublicKey(pub))
	if err != nil {
		return nil, err
	}
	return token.PayloadJson, nil
}

// brainpoolSignatureShape rejects tokens whose alg header or signature
// length does not fit the key before the signature is checked.
func brainpoolSignatureShape(pub *ecdsa.PublicKey) brainpool.VerifierFunc {
	return func(token *brainpool.JWT) error {
		want, err := brainpoolAlgorithm(pub.Curve)
		if err != nil {
			return err
		}
		if alg, _ := token.Headers["alg"].(string); alg != want {
			return fmt.Errorf("algorithm %q does not match key curve, expected %s", alg, want)
		}
		if size := 2 * coordinateSize(pub.Curve); len(token.Signature) != size {
			return fmt.Errorf("signature must be %d bytes, got %d", size, len(token.Signature))
		}
		return nil
	}
}

// signCompactBrainpool signs payload with a brainpool key. The signature is
// r||s, each padded to the coordinate size.
func signCompactBrainpool(prk *ecdsa.PrivateKey, headers map[string]interface{}, payload []byte) (string, error) {
	alg, err := brainpoolAlgorithm(prk.Curve)
	if err != nil {
		return "", err
	}
	headers["alg"] = alg

	headersJson, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("marshalling headers: %w", err)
	}

	signingInput := base64.RawURLEncoding.AppendEncode(nil, headersJson)
	signingInput = append(signingInput, '.')
	signingInput = base64.RawURLEncoding.AppendEncode(signingInput, payload)

	hashFunc, err := brainpool.HashFunctionForCurve(prk.Curve)
	if err != nil {
		return "", err
	}
	hashFunc.Write(signingInput)
	signature, err := brainpool.SignFuncPrivateKey(prk)(hashFunc.Sum(nil))
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}

	token := append(signingInput, '.')
	token = base64.RawURLEncoding.AppendEncode(token, signature)
	return string(token), nil
}

// brainpoolEPK encodes an ephemeral brainpool public key for the JWE header
// with fixed length coordinates.
func brainpoolEPK(pub *ecdsa.PublicKey) map[string]string {
	size := coordinateSize(pub.Curve)
	return map[string]string{
		"kty": "EC",
		"crv": brainpool.JWAForCurve(pub.Curve),
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, size))),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, size))),
	}
}
