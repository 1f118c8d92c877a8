package crypto

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"time"
)

// LeafRequest represents a request to issue a device certificate
type LeafRequest struct {
	CommonName       string
	Organization     []string
	OrganizationUnit []string
	Country          []string

	DNSNames    []string
	IPAddresses []string

	Algorithm    string
	RSABits      int
	ECCurve      string
	ValidityDays int

	ServerAuth bool // leaves are client-auth by default
}

// LeafResult contains the issued certificate and its private key
type LeafResult struct {
	Certificate    *x509.Certificate
	CertificatePEM []byte
	PrivateKey     interface{}
	PrivateKeyPEM  []byte
	SerialNumber   string
}

// GenerateLeaf issues a certificate signed by the given CA. The leaf's
// NotAfter is clipped to the CA's NotAfter so no issued certificate can
// outlive its issuer; a clipped validity of zero or less is an error.
func GenerateLeaf(req *LeafRequest, caCert *x509.Certificate, caPrivateKey interface{}) (*LeafResult, error) {
	dnsNames, ipAddresses, err := parseSANs(req.DNSNames, req.IPAddresses)
	if err != nil {
		return nil, err
	}

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
	if notAfter.After(caCert.NotAfter) {
		notAfter = caCert.NotAfter
	}
	if !notAfter.After(notBefore) {
		return nil, fmt.Errorf("clipped validity window is empty: issuer expires %s", caCert.NotAfter.Format(time.RFC3339))
	}

	extKeyUsage := []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	if req.ServerAuth {
		extKeyUsage = append(extKeyUsage, x509.ExtKeyUsageServerAuth)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:         req.CommonName,
			Organization:       req.Organization,
			OrganizationalUnit: req.OrganizationUnit,
			Country:            req.Country,
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           extKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, PublicKey(privateKey), caPrivateKey)
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

	return &LeafResult{
		Certificate:    cert,
		CertificatePEM: EncodeCertificatePEM(certDER),
		PrivateKey:     privateKey,
		PrivateKeyPEM:  keyPEM,
		SerialNumber:   fmt.Sprintf("%X", serialNumber),
	}, nil
}

// parseSANs validates the requested subject alternative names. IP literals
// must parse and the combined list must not contain duplicates.
func parseSANs(dns []string, ips []string) ([]string, []net.IP, error) {
	seen := make(map[string]bool, len(dns)+len(ips))

	var dnsNames []string
	for _, name := range dns {
		if name == "" {
			return nil, nil, fmt.Errorf("empty DNS name in SAN list")
		}
		if seen[name] {
			return nil, nil, fmt.Errorf("duplicate SAN entry: %s", name)
		}
		seen[name] = true
		dnsNames = append(dnsNames, name)
	}

	var ipAddresses []net.IP
	for _, raw := range ips {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, nil, fmt.Errorf("invalid IP address in SAN list: %s", raw)
		}
		if seen[ip.String()] {
			return nil, nil, fmt.Errorf("duplicate SAN entry: %s", raw)
		}
		seen[ip.String()] = true
		ipAddresses = append(ipAddresses, ip)
	}

	return dnsNames, ipAddresses, nil
}
