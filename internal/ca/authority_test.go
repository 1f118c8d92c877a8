package ca

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldgrid/trustd/internal/config"
	"github.com/fieldgrid/trustd/internal/crypto"
)

// testCAConfig builds a CA profile rooted in a temp directory. ECDSA keeps
// key generation fast.
func testCAConfig(t *testing.T) config.CAConfig {
	t.Helper()
	dir := t.TempDir()
	return config.CAConfig{
		CommonName:       "Test Fleet Root CA",
		Organization:     "Test Fleet",
		OrganizationUnit: "Security",
		Country:          "US",
		Algorithm:        "ecdsa",
		ECCurve:          "P256",
		ValidityDays:     3650,
		LeafValidityDays: 365,
		CertPath:         filepath.Join(dir, "certs", "ca.crt"),
		KeyPath:          filepath.Join(dir, "certs", "ca.key"),
		ClientsDir:       filepath.Join(dir, "certs", "clients"),
		RevokedDir:       filepath.Join(dir, "certs", "revoked"),
		AutoGenerate:     true,
	}
}

func newTestAuthority(t *testing.T) (*Authority, config.CAConfig) {
	t.Helper()
	cfg := testCAConfig(t)
	a := New(cfg, zap.NewNop())
	require.NoError(t, a.Initialize())
	return a, cfg
}

func TestInitialize(t *testing.T) {
	t.Run("Generates and persists a new root", func(t *testing.T) {
		a, cfg := newTestAuthority(t)

		cert, err := a.RootCertificate()
		require.NoError(t, err)
		assert.True(t, cert.IsCA)
		assert.Equal(t, "Test Fleet Root CA", cert.Subject.CommonName)

		keyInfo, err := os.Stat(cfg.KeyPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), keyInfo.Mode().Perm())

		certInfo, err := os.Stat(cfg.CertPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o644), certInfo.Mode().Perm())
	})

	t.Run("Loads a previously persisted root", func(t *testing.T) {
		a, cfg := newTestAuthority(t)
		first, err := a.RootCertificate()
		require.NoError(t, err)

		b := New(cfg, zap.NewNop())
		require.NoError(t, b.Initialize())
		second, err := b.RootCertificate()
		require.NoError(t, err)

		assert.Equal(t, first.SerialNumber, second.SerialNumber)
	})

	t.Run("Missing root with auto-generation disabled is unavailable", func(t *testing.T) {
		cfg := testCAConfig(t)
		cfg.AutoGenerate = false

		a := New(cfg, zap.NewNop())
		err := a.Initialize()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("Passphrase wraps the key at rest", func(t *testing.T) {
		cfg := testCAConfig(t)
		cfg.KeyPassphrase = "fleet-secret"

		a := New(cfg, zap.NewNop())
		require.NoError(t, a.Initialize())

		// The on-disk key must not be plaintext PEM.
		keyData, err := os.ReadFile(cfg.KeyPath)
		require.NoError(t, err)
		assert.NotContains(t, string(keyData), "PRIVATE KEY")

		b := New(cfg, zap.NewNop())
		require.NoError(t, b.Initialize())

		wrong := cfg
		wrong.KeyPassphrase = "not-the-secret"
		wrong.AutoGenerate = false
		c := New(wrong, zap.NewNop())
		err = c.Initialize()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestIssueCertificate(t *testing.T) {
	t.Run("Issue before initialization fails", func(t *testing.T) {
		a := New(testCAConfig(t), zap.NewNop())
		_, err := a.IssueCertificate(&IssueRequest{DeviceID: "gw-001"})
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("Issued certificate chains to the root", func(t *testing.T) {
		a, cfg := newTestAuthority(t)

		issued, err := a.IssueCertificate(&IssueRequest{DeviceID: "gw-001"})
		require.NoError(t, err)

		assert.Equal(t, "device-gw-001", issued.CommonName)
		assert.Equal(t, filepath.Join(cfg.ClientsDir, "gw-001.crt"), issued.CertPath)
		assert.Equal(t, filepath.Join(cfg.ClientsDir, "gw-001.key"), issued.KeyPath)

		leaf, err := crypto.ParseCertificatePEM(issued.CertificatePEM)
		require.NoError(t, err)

		root, err := a.RootCertificate()
		require.NoError(t, err)
		roots := x509.NewCertPool()
		roots.AddCert(root)
		_, err = leaf.Verify(x509.VerifyOptions{
			Roots:     roots,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		})
		assert.NoError(t, err)

		// Default leaf validity from the profile.
		expected := leaf.NotBefore.AddDate(0, 0, 365)
		assert.WithinDuration(t, expected, leaf.NotAfter, time.Minute)
		assert.Equal(t, []string{"Devices"}, leaf.Subject.OrganizationalUnit)
	})

	t.Run("Key material is persisted owner-only", func(t *testing.T) {
		a, _ := newTestAuthority(t)

		issued, err := a.IssueCertificate(&IssueRequest{DeviceID: "gw-002"})
		require.NoError(t, err)

		info, err := os.Stat(issued.KeyPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("Leaf validity is clipped to the root", func(t *testing.T) {
		cfg := testCAConfig(t)
		cfg.ValidityDays = 10

		a := New(cfg, zap.NewNop())
		require.NoError(t, a.Initialize())

		issued, err := a.IssueCertificate(&IssueRequest{DeviceID: "gw-003", ValidityDays: 365})
		require.NoError(t, err)

		root, err := a.RootCertificate()
		require.NoError(t, err)
		assert.False(t, issued.NotAfter.After(root.NotAfter))
	})

	t.Run("Empty device id fails", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		_, err := a.IssueCertificate(&IssueRequest{})
		assert.ErrorIs(t, err, ErrIssuance)
	})

	t.Run("Malformed SAN fails", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		_, err := a.IssueCertificate(&IssueRequest{
			DeviceID:    "gw-004",
			IPAddresses: []string{"not-an-ip"},
		})
		assert.ErrorIs(t, err, ErrIssuance)
	})

	t.Run("Serials are unique across enrollments", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		seen := make(map[string]bool)
		for _, id := range []string{"gw-a", "gw-b", "gw-c", "gw-d", "gw-e"} {
			issued, err := a.IssueCertificate(&IssueRequest{DeviceID: id})
			require.NoError(t, err)
			assert.False(t, seen[issued.SerialNumber], "duplicate serial %s", issued.SerialNumber)
			seen[issued.SerialNumber] = true
		}
	})
}

func TestRevoke(t *testing.T) {
	t.Run("Revocation relocates the pair", func(t *testing.T) {
		a, cfg := newTestAuthority(t)

		issued, err := a.IssueCertificate(&IssueRequest{DeviceID: "gw-001"})
		require.NoError(t, err)

		require.NoError(t, a.Revoke("gw-001"))

		_, err = os.Stat(issued.CertPath)
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(issued.KeyPath)
		assert.True(t, os.IsNotExist(err))

		_, err = os.Stat(filepath.Join(cfg.RevokedDir, "gw-001.crt"))
		assert.NoError(t, err)
		_, err = os.Stat(filepath.Join(cfg.RevokedDir, "gw-001.key"))
		assert.NoError(t, err)
	})

	t.Run("Revoking twice is a no-op", func(t *testing.T) {
		a, _ := newTestAuthority(t)

		_, err := a.IssueCertificate(&IssueRequest{DeviceID: "gw-001"})
		require.NoError(t, err)

		require.NoError(t, a.Revoke("gw-001"))
		assert.NoError(t, a.Revoke("gw-001"))
	})

	t.Run("Revoking an unknown device is a no-op", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		assert.NoError(t, a.Revoke("never-enrolled"))
	})
}

func TestInfo(t *testing.T) {
	t.Run("Fresh root is valid", func(t *testing.T) {
		a, _ := newTestAuthority(t)

		info, err := a.Info()
		require.NoError(t, err)
		assert.Equal(t, "Test Fleet Root CA", info.Subject)
		assert.Equal(t, "valid", info.Status)
		assert.Greater(t, info.DaysRemaining, 3600)
		assert.NotEmpty(t, info.SerialNumber)
	})

	t.Run("Near-expiry root is flagged", func(t *testing.T) {
		cfg := testCAConfig(t)
		cfg.ValidityDays = 10

		a := New(cfg, zap.NewNop())
		require.NoError(t, a.Initialize())

		info, err := a.Info()
		require.NoError(t, err)
		assert.Equal(t, "expiring_soon", info.Status)
	})

	t.Run("Uninitialized authority is unavailable", func(t *testing.T) {
		a := New(testCAConfig(t), zap.NewNop())
		_, err := a.Info()
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}
