package crypto

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"time"
)

// RootRequest represents a request to create a self-signed root CA
type RootRequest struct {
	Subject      pkix.Name
	Algorithm    string // "rsa" or "ecdsa"
	RSABits      int
	ECCurve      string // "P256" or "P384"
	ValidityDays int
}

// RootResult contains the generated root certificate and private key
type RootResult struct {
	Certificate    *x509.Certificate
	CertificatePEM []byte
	PrivateKey     interface{} // *rsa.PrivateKey or *ecdsa.PrivateKey
	PrivateKeyPEM  []byte
}

// GenerateRootCA generates a self-signed root CA certificate. The root
// carries keyCertSign and cRLSign usage with an unconstrained path length.
func GenerateRootCA(req *RootRequest) (*RootResult, error) {
	privateKey, err := GeneratePrivateKey(req.Algorithm, req.RSABits, req.ECCurve)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := GenerateSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.AddDate(0, 0, req.ValidityDays)

	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               req.Subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, PublicKey(privateKey), privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyPEM, err := EncodeKeyPEM(privateKey)
	if err != nil {
		return nil, err
	}

	return &RootResult{
		Certificate:    cert,
		CertificatePEM: EncodeCertificatePEM(certDER),
		PrivateKey:     privateKey,
		PrivateKeyPEM:  keyPEM,
	}, nil
}

// LoadRootCA parses a root certificate and private key pair from PEM and
// verifies that the key matches the certificate and that the certificate
// is a CA.
func LoadRootCA(certPEM, keyPEM []byte) (*RootResult, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("certificate is not a CA certificate")
	}

	privateKey, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	if !VerifyKeyPair(cert, privateKey) {
		return nil, fmt.Errorf("private key does not match certificate")
	}

	return &RootResult{
		Certificate:    cert,
		CertificatePEM: certPEM,
		PrivateKey:     privateKey,
		PrivateKeyPEM:  keyPEM,
	}, nil
}
