package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/segmentio/ksuid"
)

// MockCertificateAuthority issues certificates for test identities, e.g. the
// signer of a mock discovery document or a software smartcard.
type MockCertificateAuthority struct {
	Certificate *x509.Certificate
	prk         *ecdsa.PrivateKey
}

func NewRandomMockCA() (*MockCertificateAuthority, error) {
	issuer := pkix.Name{
		CommonName: ksuid.New().String(),
	}
	return NewMockCA(issuer)
}

func NewMockCA(issuer pkix.Name) (*MockCertificateAuthority, error) {
	sn, err := rand.Int(rand.Reader, big.NewInt(100000))
	if err != nil {
		return nil, err
	}
	caCrt := &x509.Certificate{
		SerialNumber:          sn,
		Subject:               issuer,
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * 30 * 6 * time.Hour),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caPrk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	signedBytes, err := x509.CreateCertificate(rand.Reader, caCrt, caCrt, &caPrk.PublicKey, caPrk)
	if err != nil {
		return nil, err
	}

	caCrt, err = x509.ParseCertificate(signedBytes)
	if err != nil {
		return nil, err
	}

	return &MockCertificateAuthority{
		Certificate: caCrt,
		prk:         caPrk,
	}, nil
}

func (ca *MockCertificateAuthority) IssuerCertificate() *x509.Certificate {
	return ca.Certificate
}

// CertPool contains only the issuer certificate. Use it as trust anchor.
func (ca *MockCertificateAuthority) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.Certificate)
	return pool
}

func (ca *MockCertificateAuthority) SignCertificateRequest(csr *x509.CertificateRequest, subject pkix.Name, opts ...SigningOption) (*x509.Certificate, error) {
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("invalid CSR signature: %w", err)
	}

	max := new(big.Int)
	max.Exp(big.NewInt(2), big.NewInt(130), nil).Sub(max, big.NewInt(1))
	serialNumber, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("unable to generate serial number: %w", err)
	}

	crtTemplate := x509.Certificate{
		SerialNumber: serialNumber,
		Issuer:       ca.Certificate.Subject,
		Subject:      subject,
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	for _, opt := range opts {
		if err := opt(&crtTemplate); err != nil {
			return nil, fmt.Errorf("unable to apply signing option: %w", err)
		}
	}

	crtRaw, err := x509.CreateCertificate(rand.Reader, &crtTemplate, ca.Certificate, csr.PublicKey, ca.prk)
	if err != nil {
		return nil, fmt.Errorf("unable to sign certificate: %w", err)
	}

	crt, err := x509.ParseCertificate(crtRaw)
	if err != nil {
		return nil, fmt.Errorf("unable to parse certificate: %w", err)
	}

	return crt, nil
}

// IssueKeyPair generates a P-256 key and a certificate for it.
func (ca *MockCertificateAuthority) IssueKeyPair(subject pkix.Name, opts ...SigningOption) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	prk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to generate key: %w", err)
	}

	csrBytes, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            subject,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}, prk)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create CSR: %w", err)
	}

	csr, err := x509.ParseCertificateRequest(csrBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse CSR: %w", err)
	}

	crt, err := ca.SignCertificateRequest(csr, subject, opts...)
	if err != nil {
		return nil, nil, err
	}
	return prk, crt, nil
}
