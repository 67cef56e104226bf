package ca

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// Simple interface for a certificate authority
type CertificateAuthority interface {
	IssuerCertificate() *x509.Certificate
	SignCertificateRequest(csr *x509.CertificateRequest, subject pkix.Name, opts ...SigningOption) (*x509.Certificate, error)
}

// SigningOption modifies the certificate template before it is signed.
type SigningOption func(*x509.Certificate) error

// WithValidity sets the validity period of the issued certificate.
func WithValidity(notBefore, notAfter time.Time) SigningOption {
	return func(crt *x509.Certificate) error {
		if !notAfter.After(notBefore) {
			return fmt.Errorf("notAfter %s is not after notBefore %s", notAfter, notBefore)
		}
		crt.NotBefore = notBefore
		crt.NotAfter = notAfter
		return nil
	}
}

// WithExtKeyUsage replaces the extended key usages of the issued certificate.
func WithExtKeyUsage(usages ...x509.ExtKeyUsage) SigningOption {
	return func(crt *x509.Certificate) error {
		crt.ExtKeyUsage = usages
		return nil
	}
}

// Encodes a X509 certificate to PEM format
func EncodeCertToPEM(cert *x509.Certificate) (string, error) {
	certPem := new(bytes.Buffer)
	err := pem.Encode(certPem, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
	if err != nil {
		return "", err
	}
	return certPem.String(), nil
}

// EncodeKeyToPEM encodes an EC private key in SEC 1 format.
func EncodeKeyToPEM(prk *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(prk)
	if err != nil {
		return "", err
	}
	keyPem := new(bytes.Buffer)
	if err := pem.Encode(keyPem, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}); err != nil {
		return "", err
	}
	return keyPem.String(), nil
}

// WritePEMFiles writes the certificate and, if given, the key to disk.
func WritePEMFiles(cert *x509.Certificate, certPath string, prk *ecdsa.PrivateKey, keyPath string) error {
	certPEM, err := EncodeCertToPEM(cert)
	if err != nil {
		return err
	}
	if err := os.WriteFile(certPath, []byte(certPEM), 0644); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	}
	if prk == nil {
		return nil
	}
	keyPEM, err := EncodeKeyToPEM(prk)
	if err != nil {
		return err
	}
	if err := os.WriteFile(keyPath, []byte(keyPEM), 0600); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	return nil
}
