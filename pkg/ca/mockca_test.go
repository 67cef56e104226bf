package ca_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gematik/zero-idp/pkg/ca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignCertificateRequest(t *testing.T) {
	testCA, err := ca.NewMockCA(pkix.Name{CommonName: "Test CA"})
	require.NoError(t, err)

	keyPair, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	csrTemplate := x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: "Test Certificate"},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}
	csrBytes, err := x509.CreateCertificateRequest(rand.Reader, &csrTemplate, keyPair)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(csrBytes)
	require.NoError(t, err)

	cert, err := testCA.SignCertificateRequest(csr, csrTemplate.Subject, ca.WithExtKeyUsage(x509.ExtKeyUsageAny))
	require.NoError(t, err)

	assert.Equal(t, "Test Certificate", cert.Subject.CommonName)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageAny}, cert.ExtKeyUsage)

	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     testCA.CertPool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	assert.NoError(t, err)
}

func TestIssueKeyPairValidity(t *testing.T) {
	testCA, err := ca.NewRandomMockCA()
	require.NoError(t, err)

	notBefore := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	notAfter := notBefore.Add(time.Hour)
	_, cert, err := testCA.IssueKeyPair(pkix.Name{CommonName: "expired"}, ca.WithValidity(notBefore, notAfter))
	require.NoError(t, err)
	assert.True(t, cert.NotAfter.Equal(notAfter))

	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     testCA.CertPool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	assert.Error(t, err)

	_, _, err = testCA.IssueKeyPair(pkix.Name{CommonName: "invalid"}, ca.WithValidity(notAfter, notBefore))
	assert.Error(t, err)
}

func TestWritePEMFiles(t *testing.T) {
	testCA, err := ca.NewRandomMockCA()
	require.NoError(t, err)
	prk, cert, err := testCA.IssueKeyPair(pkix.Name{CommonName: "softkey"})
	require.NoError(t, err)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, ca.WritePEMFiles(cert, certPath, prk, keyPath))

	keyPEM, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	block, _ := pem.Decode(keyPEM)
	require.NotNil(t, block)
	parsed, err := x509.ParseECPrivateKey(block.Bytes)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(prk))
}
