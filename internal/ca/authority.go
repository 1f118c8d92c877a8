// Package ca implements the certificate authority that issues per-device
// identity certificates. It owns the root keypair, persists all key material
// with restrictive permissions, and serializes issuance so concurrent
// enrollments cannot race on the root or reuse a serial.
package ca

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldgrid/trustd/internal/config"
	"github.com/fieldgrid/trustd/internal/crypto"
	"github.com/fieldgrid/trustd/internal/fsutil"
)

// ErrUnavailable is returned when no usable root is configured. Issuance
// fails but previously issued material remains verifiable.
var ErrUnavailable = errors.New("certificate authority unavailable")

// ErrIssuance is returned for malformed enrollment input or an empty
// clipped validity window.
var ErrIssuance = errors.New("certificate issuance failed")

const expiryWarningDays = 30

// Authority is the certificate authority for a gateway fleet
type Authority struct {
	cfg    config.CAConfig
	logger *zap.Logger

	mu   sync.Mutex
	root *crypto.RootResult
}

// New creates a certificate authority from the given profile. Call
// Initialize before issuing.
func New(cfg config.CAConfig, logger *zap.Logger) *Authority {
	return &Authority{
		cfg:    cfg,
		logger: logger,
	}
}

// Initialize loads the root key and certificate from the configured paths,
// or generates a new self-signed root when auto-generation is enabled.
// A missing or expired root with auto-generation disabled is ErrUnavailable.
func (a *Authority) Initialize() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	root, err := a.loadRoot()
	if err == nil {
		daysLeft := int(time.Until(root.Certificate.NotAfter).Hours() / 24)
		if daysLeft < expiryWarningDays {
			a.logger.Warn("Root CA certificate expires soon",
				zap.Int("days_remaining", daysLeft),
			)
		}
		a.root = root
		a.logger.Info("Loaded existing root CA",
			zap.String("subject", root.Certificate.Subject.CommonName),
			zap.Time("not_after", root.Certificate.NotAfter),
		)
		return nil
	}

	if !a.cfg.AutoGenerate {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	a.logger.Info("Generating new root CA",
		zap.String("common_name", a.cfg.CommonName),
		zap.String("algorithm", a.cfg.Algorithm),
		zap.Int("validity_days", a.cfg.ValidityDays),
	)

	root, genErr := crypto.GenerateRootCA(&crypto.RootRequest{
		Subject:      a.subject(),
		Algorithm:    a.cfg.Algorithm,
		RSABits:      a.cfg.RSABits,
		ECCurve:      a.cfg.ECCurve,
		ValidityDays: a.cfg.ValidityDays,
	})
	if genErr != nil {
		return fmt.Errorf("failed to generate root CA: %w", genErr)
	}

	if err := a.persistRoot(root); err != nil {
		return err
	}

	a.root = root
	return nil
}

// loadRoot reads and validates the on-disk root pair
func (a *Authority) loadRoot() (*crypto.RootResult, error) {
	certPEM, err := os.ReadFile(a.cfg.CertPath)
	if err != nil {
		return nil, fmt.Errorf("root certificate not readable: %w", err)
	}
	keyData, err := os.ReadFile(a.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("root key not readable: %w", err)
	}

	keyPEM := keyData
	if a.cfg.KeyPassphrase != "" {
		keyPEM, err = crypto.UnwrapKey(keyData, a.cfg.KeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to unwrap root key: %w", err)
		}
	}

	root, err := crypto.LoadRootCA(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	if time.Now().After(root.Certificate.NotAfter) {
		return nil, fmt.Errorf("root certificate expired at %s", root.Certificate.NotAfter.Format(time.RFC3339))
	}
	return root, nil
}

// persistRoot writes the root pair atomically, key first
func (a *Authority) persistRoot(root *crypto.RootResult) error {
	keyData := root.PrivateKeyPEM
	if a.cfg.KeyPassphrase != "" {
		wrapped, err := crypto.WrapKey(root.PrivateKeyPEM, a.cfg.KeyPassphrase)
		if err != nil {
			return fmt.Errorf("failed to wrap root key: %w", err)
		}
		keyData = wrapped
	}

	if err := fsutil.WriteFileAtomic(a.cfg.KeyPath, keyData, fsutil.KeyFileMode); err != nil {
		return fmt.Errorf("failed to persist root key: %w", err)
	}
	if err := fsutil.WriteFileAtomic(a.cfg.CertPath, root.CertificatePEM, fsutil.CertFileMode); err != nil {
		return fmt.Errorf("failed to persist root certificate: %w", err)
	}

	a.logger.Info("Root CA persisted",
		zap.String("cert_path", a.cfg.CertPath),
		zap.String("key_path", a.cfg.KeyPath),
	)
	return nil
}

func (a *Authority) subject() pkix.Name {
	subject := pkix.Name{CommonName: a.cfg.CommonName}
	if a.cfg.Organization != "" {
		subject.Organization = []string{a.cfg.Organization}
	}
	if a.cfg.OrganizationUnit != "" {
		subject.OrganizationalUnit = []string{a.cfg.OrganizationUnit}
	}
	if a.cfg.Country != "" {
		subject.Country = []string{a.cfg.Country}
	}
	if a.cfg.Province != "" {
		subject.Province = []string{a.cfg.Province}
	}
	if a.cfg.Locality != "" {
		subject.Locality = []string{a.cfg.Locality}
	}
	return subject
}

// IssueRequest represents a device enrollment
type IssueRequest struct {
	DeviceID     string
	CommonName   string // defaults to "device-<id>"
	DNSNames     []string
	IPAddresses  []string
	ValidityDays int // defaults to the profile's leaf validity
	ServerAuth   bool
}

// IssuedCertificate is the result of a successful issuance
type IssuedCertificate struct {
	DeviceID       string    `json:"device_id"`
	CommonName     string    `json:"common_name"`
	SerialNumber   string    `json:"serial_number"`
	NotBefore      time.Time `json:"not_before"`
	NotAfter       time.Time `json:"not_after"`
	CertificatePEM []byte    `json:"certificate_pem"`
	PrivateKeyPEM  []byte    `json:"-"`
	CertPath       string    `json:"cert_path"`
	KeyPath        string    `json:"key_path"`
}

// IssueCertificate generates a fresh device keypair and a leaf certificate
// signed by the root, and persists both under the clients directory. The
// pair is never partially persisted: a failed key write removes nothing,
// a failed certificate write removes the already-written key.
func (a *Authority) IssueCertificate(req *IssueRequest) (*IssuedCertificate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.root == nil {
		return nil, ErrUnavailable
	}
	if req.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrIssuance)
	}

	commonName := req.CommonName
	if commonName == "" {
		commonName = "device-" + req.DeviceID
	}
	validityDays := req.ValidityDays
	if validityDays == 0 {
		validityDays = a.cfg.LeafValidityDays
	}

	leaf, err := crypto.GenerateLeaf(&crypto.LeafRequest{
		CommonName:       commonName,
		Organization:     a.root.Certificate.Subject.Organization,
		OrganizationUnit: []string{"Devices"},
		Country:          a.root.Certificate.Subject.Country,
		DNSNames:         req.DNSNames,
		IPAddresses:      req.IPAddresses,
		Algorithm:        a.cfg.Algorithm,
		RSABits:          a.cfg.RSABits,
		ECCurve:          a.cfg.ECCurve,
		ValidityDays:     validityDays,
		ServerAuth:       req.ServerAuth,
	}, a.root.Certificate, a.root.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuance, err)
	}

	certPath := filepath.Join(a.cfg.ClientsDir, req.DeviceID+".crt")
	keyPath := filepath.Join(a.cfg.ClientsDir, req.DeviceID+".key")

	if err := fsutil.WriteFileAtomic(keyPath, leaf.PrivateKeyPEM, fsutil.KeyFileMode); err != nil {
		return nil, fmt.Errorf("failed to persist device key: %w", err)
	}
	if err := fsutil.WriteFileAtomic(certPath, leaf.CertificatePEM, fsutil.CertFileMode); err != nil {
		os.Remove(keyPath)
		return nil, fmt.Errorf("failed to persist device certificate: %w", err)
	}

	a.logger.Info("Issued device certificate",
		zap.String("device_id", req.DeviceID),
		zap.String("common_name", commonName),
		zap.String("serial", leaf.SerialNumber),
		zap.Time("not_after", leaf.Certificate.NotAfter),
	)

	return &IssuedCertificate{
		DeviceID:       req.DeviceID,
		CommonName:     commonName,
		SerialNumber:   leaf.SerialNumber,
		NotBefore:      leaf.Certificate.NotBefore,
		NotAfter:       leaf.Certificate.NotAfter,
		CertificatePEM: leaf.CertificatePEM,
		PrivateKeyPEM:  leaf.PrivateKeyPEM,
		CertPath:       certPath,
		KeyPath:        keyPath,
	}, nil
}

// Revoke relocates a device's certificate and key out of the active store
// into the revoked directory. Revoking an already revoked or unknown device
// is a no-op. Pin and fingerprint state are separate trust boundaries and
// are not touched here.
func (a *Authority) Revoke(deviceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	moved := false
	for _, ext := range []string{".crt", ".key"} {
		src := filepath.Join(a.cfg.ClientsDir, deviceID+ext)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(a.cfg.RevokedDir, deviceID+ext)
		if err := fsutil.MoveFile(src, dst); err != nil {
			return fmt.Errorf("failed to revoke %s: %w", deviceID, err)
		}
		moved = true
	}

	if moved {
		a.logger.Info("Revoked device certificate", zap.String("device_id", deviceID))
	}
	return nil
}

// RootInfo describes the root certificate for expiry monitoring
type RootInfo struct {
	Subject       string    `json:"subject"`
	SerialNumber  string    `json:"serial_number"`
	NotBefore     time.Time `json:"not_before"`
	NotAfter      time.Time `json:"not_after"`
	DaysRemaining int       `json:"days_remaining"`
	Status        string    `json:"status"` // "valid", "expiring_soon", "expired"
}

// Info returns the root subject, serial, and validity window
func (a *Authority) Info() (*RootInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.root == nil {
		return nil, ErrUnavailable
	}

	cert := a.root.Certificate
	info := &RootInfo{
		Subject:      cert.Subject.CommonName,
		SerialNumber: fmt.Sprintf("%X", cert.SerialNumber),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}

	now := time.Now()
	if now.After(cert.NotAfter) {
		info.Status = "expired"
	} else {
		info.DaysRemaining = int(cert.NotAfter.Sub(now).Hours() / 24)
		if info.DaysRemaining <= expiryWarningDays {
			info.Status = "expiring_soon"
		} else {
			info.Status = "valid"
		}
	}

	return info, nil
}

// RootCertificate returns the loaded root certificate
func (a *Authority) RootCertificate() (*x509.Certificate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.root == nil {
		return nil, ErrUnavailable
	}
	return a.root.Certificate, nil
}

// RootCertificatePEM returns the PEM encoding of the root certificate,
// suitable for building transport trust pools
func (a *Authority) RootCertificatePEM() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.root == nil {
		return nil, ErrUnavailable
	}
	return a.root.CertificatePEM, nil
}
