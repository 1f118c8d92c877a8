// Package crypto provides the cryptographic engine for trustd. It covers
// keypair generation (RSA and ECDSA), X.509 root and leaf certificate
// creation, PEM/DER encoding, certificate fingerprints, and AES-256-GCM
// wrapping of key material at rest.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
)

// GeneratePrivateKey generates a new private key for the given algorithm
func GeneratePrivateKey(algorithm string, rsaBits int, ecCurve string) (interface{}, error) {
	switch algorithm {
	case "rsa":
		return rsa.GenerateKey(rand.Reader, rsaBits)
	case "ecdsa":
		var curve elliptic.Curve
		switch ecCurve {
		case "P256":
			curve = elliptic.P256()
		case "P384":
			curve = elliptic.P384()
		default:
			return nil, fmt.Errorf("unsupported EC curve: %s", ecCurve)
		}
		return ecdsa.GenerateKey(curve, rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

// PublicKey returns the public half of a private key
func PublicKey(privateKey interface{}) interface{} {
	switch key := privateKey.(type) {
	case *rsa.PrivateKey:
		return &key.PublicKey
	case *ecdsa.PrivateKey:
		return &key.PublicKey
	default:
		return nil
	}
}

// EncodeCertificatePEM encodes a DER certificate as PEM
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: der,
	})
}

// EncodeKeyPEM encodes a private key as PKCS#8 PEM
func EncodeKeyPEM(privateKey interface{}) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	}), nil
}

// ParseCertificatePEM parses a PEM-encoded certificate
func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// ParsePrivateKeyPEM parses a PEM-encoded private key in PKCS#8, PKCS#1,
// or SEC 1 form
func ParsePrivateKeyPEM(keyPEM []byte) (interface{}, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("failed to parse private key")
}

// VerifyKeyPair reports whether the private key matches the certificate's
// public key
func VerifyKeyPair(cert *x509.Certificate, privateKey interface{}) bool {
	switch key := privateKey.(type) {
	case *rsa.PrivateKey:
		pubKey, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return false
		}
		return key.PublicKey.N.Cmp(pubKey.N) == 0
	case *ecdsa.PrivateKey:
		pubKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return false
		}
		return key.PublicKey.X.Cmp(pubKey.X) == 0 && key.PublicKey.Y.Cmp(pubKey.Y) == 0
	default:
		return false
	}
}

// Fingerprint returns the SHA-256 fingerprint of a DER certificate as
// colon-separated lowercase hex, the form tracked by the MITM detector
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// GenerateSerialNumber draws a random 128-bit certificate serial
func GenerateSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, serialNumberLimit)
}
