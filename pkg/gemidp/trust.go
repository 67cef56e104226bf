package gemidp

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gematik/zero-lab/go/brainpool"
)

// DocumentVerifier validates the signature of the raw discovery document.
// The public keys referenced by the document are only trusted after it
// succeeded.
type DocumentVerifier interface {
	VerifyDiscoveryDocument(raw []byte) error
}

// X5CVerifier verifies the discovery document using the certificate in its
// x5c header, which must chain up to one of the pinned roots.
type X5CVerifier struct {
	Roots *x509.CertPool
	Now   func() time.Time
}

func (v *X5CVerifier) VerifyDiscoveryDocument(raw []byte) error {
	if v.Roots == nil {
		return errors.New("no trust anchors configured")
	}

	header, err := parseX5CHeader(raw)
	if err != nil {
		return err
	}

	leaf := header.certificates[0]
	intermediates := x509.NewCertPool()
	for _, cert := range header.certificates[1:] {
		intermediates.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		Roots:         v.Roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if v.Now != nil {
		opts.CurrentTime = v.Now()
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("verifying signer certificate: %w", err)
	}

	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("unsupported signer key type %T", leaf.PublicKey)
	}
	if _, err := verifyCompact(raw, pub); err != nil {
		return fmt.Errorf("verifying discovery document signature: %w", err)
	}

	return nil
}

// UnverifiedDocuments accepts every discovery document. Only meant for
// development against test environments.
type UnverifiedDocuments struct{}

func (UnverifiedDocuments) VerifyDiscoveryDocument(raw []byte) error {
	slog.Warn("Certificate of discovery document not verified. Don't trust it in production.")
	return nil
}

type x5cHeader struct {
	kid          string
	alg          string
	certificates []*x509.Certificate
}

func parseX5CHeader(data []byte) (*x5cHeader, error) {
	parts := strings.Split(string(data), ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid JWS format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}

	var headerStruct struct {
		Alg string   `json:"alg"`
		Kid string   `json:"kid"`
		X5c [][]byte `json:"x5c"`
	}

	err = json.Unmarshal(headerBytes, &headerStruct)
	if err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}

	if len(headerStruct.X5c) == 0 {
		return nil, fmt.Errorf("no certificate found in header")
	}

	if headerStruct.Alg == "" || strings.EqualFold(headerStruct.Alg, "none") {
		return nil, fmt.Errorf("unsupported algorithm %q", headerStruct.Alg)
	}

	h := &x5cHeader{
		kid: headerStruct.Kid,
		alg: headerStruct.Alg,
	}
	for i, der := range headerStruct.X5c {
		cert, err := brainpool.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate %d: %w", i, err)
		}
		h.certificates = append(h.certificates, cert)
	}

	return h, nil
}
