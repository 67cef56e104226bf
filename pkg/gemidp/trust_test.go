package gemidp

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brainpoolP256r1 SMC-B identity of the gematik test suite, valid until 2028-11-09
const (
	bpTestKeyPath  = "testdata/smcb-bp256.key"
	bpTestCertPath = "testdata/smcb-bp256.crt"
)

func brainpoolTestIdentity(t *testing.T) (*x509.Certificate, []byte) {
	t.Helper()
	certPEM, err := os.ReadFile(bpTestCertPath)
	require.NoError(t, err)
	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := brainpool.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	keyPEM, err := os.ReadFile(bpTestKeyPath)
	require.NoError(t, err)
	return cert, keyPEM
}

func TestX5CVerifierBrainpool(t *testing.T) {
	cert, keyPEM := brainpoolTestIdentity(t)
	prk, err := parseECPrivateKeyPEM(keyPEM)
	require.NoError(t, err)
	require.True(t, brainpool.IsBrainpoolCurve(prk.Curve))

	claims, err := json.Marshal(map[string]interface{}{
		"issuer": "https://idp.example.com",
		"exp":    1767225600,
		"iat":    1767139200,
	})
	require.NoError(t, err)
	document, err := signCompact(prk, claims, "", "puk_disc_sig", cert)
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(cert)
	verifier := &X5CVerifier{
		Roots: roots,
		Now:   func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}

	require.NoError(t, verifier.VerifyDiscoveryDocument([]byte(document)))

	// jwx still parses the headers of BP256R1 documents
	msg, err := jws.Parse([]byte(document))
	require.NoError(t, err)
	assert.Equal(t, brainpool.AlgorithmNameBP256R1, msg.Signatures()[0].ProtectedHeaders().Algorithm().String())

	parts := strings.Split(document, ".")
	forged := base64.RawURLEncoding.EncodeToString([]byte(`{"issuer":"https://evil.example.com"}`))
	tampered := parts[0] + "." + forged + "." + parts[2]
	assert.Error(t, verifier.VerifyDiscoveryDocument([]byte(tampered)))

	expired := &X5CVerifier{
		Roots: roots,
		Now:   func() time.Time { return time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	assert.Error(t, expired.VerifyDiscoveryDocument([]byte(document)))

	assert.Error(t, (&X5CVerifier{Roots: x509.NewCertPool()}).VerifyDiscoveryDocument([]byte(document)))
}

func TestLoadTrustAnchorsBrainpool(t *testing.T) {
	pool, err := LoadTrustAnchors(bpTestCertPath)
	require.NoError(t, err)
	cert, _ := brainpoolTestIdentity(t)
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       pool,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		CurrentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.NoError(t, err)

	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("no certificates here"), 0644))
	_, err = LoadTrustAnchors(empty)
	assert.Error(t, err)
}
