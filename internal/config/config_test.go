package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.yaml")

		configContent := `
server:
  port: 9443
  host: 127.0.0.1
ca:
  common_name: Acme Fleet Root CA
  algorithm: ecdsa
  ec_curve: P384
  validity_days: 1825
pinning:
  path: /tmp/pins.json
  on_unpinned: accept
events:
  database:
    type: sqlite
    sqlite:
      path: /tmp/events.db
transport:
  production: true
  exempt_hosts:
    - staging.internal
logging:
  level: debug
  format: console
`
		err := os.WriteFile(configPath, []byte(configContent), 0o644)
		require.NoError(t, err)

		cfg, err := Load(configPath, nil)
		require.NoError(t, err)
		assert.Equal(t, 9443, cfg.Server.Port)
		assert.Equal(t, "127.0.0.1", cfg.Server.Host)
		assert.Equal(t, "Acme Fleet Root CA", cfg.CA.CommonName)
		assert.Equal(t, "ecdsa", cfg.CA.Algorithm)
		assert.Equal(t, "P384", cfg.CA.ECCurve)
		assert.Equal(t, 1825, cfg.CA.ValidityDays)
		assert.Equal(t, "accept", cfg.Pinning.OnUnpinned)
		assert.True(t, cfg.Transport.Production)
		assert.Equal(t, []string{"staging.internal"}, cfg.Transport.ExemptHosts)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("Load with non-existent file uses defaults", func(t *testing.T) {
		cfg, err := Load("/non/existent/path.yaml", nil)
		require.NoError(t, err)
		assert.Equal(t, 8443, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, "reject", cfg.Pinning.OnUnpinned)
	})

	t.Run("Load with invalid YAML fails", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		err := os.WriteFile(configPath, []byte("invalid: yaml: content:"), 0o644)
		require.NoError(t, err)

		_, err = Load(configPath, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})

	t.Run("Load with invalid values fails validation", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		err := os.WriteFile(configPath, []byte("server:\n  port: 70000\n"), 0o644)
		require.NoError(t, err)

		_, err = Load(configPath, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestDefault(t *testing.T) {
	t.Run("Defaults are valid and fail closed", func(t *testing.T) {
		cfg := Default()
		require.NoError(t, cfg.Validate())

		assert.Equal(t, 8443, cfg.Server.Port)
		assert.Equal(t, "rsa", cfg.CA.Algorithm)
		assert.Equal(t, 2048, cfg.CA.RSABits)
		assert.Equal(t, 3650, cfg.CA.ValidityDays)
		assert.Equal(t, 365, cfg.CA.LeafValidityDays)
		assert.True(t, cfg.CA.AutoGenerate)

		// An unpinned host is rejected unless the operator opts out.
		assert.Equal(t, "reject", cfg.Pinning.OnUnpinned)
		assert.False(t, cfg.Pinning.AutoPin)

		assert.Equal(t, "sqlite", cfg.Events.Database.Type)
		assert.Equal(t, 10*time.Second, cfg.Transport.ProbeTimeout)
		assert.Equal(t, 30*time.Second, cfg.Transport.RequestTimeout)
		assert.False(t, cfg.Transport.Production)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "json", cfg.Logging.Format)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("Environment variables override defaults", func(t *testing.T) {
		t.Setenv("TRUSTD_SERVER_PORT", "9999")
		t.Setenv("TRUSTD_CA_CERT_PATH", "/opt/trustd/ca.crt")
		t.Setenv("TRUSTD_PINS_PATH", "/opt/trustd/pins.json")
		t.Setenv("TRUSTD_ENVIRONMENT", "production")
		t.Setenv("TRUSTD_LOG_LEVEL", "warn")

		cfg, err := Load("", nil)
		require.NoError(t, err)
		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, "/opt/trustd/ca.crt", cfg.CA.CertPath)
		assert.Equal(t, "/opt/trustd/pins.json", cfg.Pinning.Path)
		assert.True(t, cfg.Transport.Production)
		assert.Equal(t, "warn", cfg.Logging.Level)
	})

	t.Run("Non-production environment clears the flag", func(t *testing.T) {
		t.Setenv("TRUSTD_ENVIRONMENT", "development")

		cfg, err := Load("", nil)
		require.NoError(t, err)
		assert.False(t, cfg.Transport.Production)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return Default() }

	t.Run("Invalid CA algorithm", func(t *testing.T) {
		cfg := valid()
		cfg.CA.Algorithm = "dsa"
		assert.Error(t, cfg.Validate())
	})

	t.Run("RSA key too small", func(t *testing.T) {
		cfg := valid()
		cfg.CA.RSABits = 1024
		assert.Error(t, cfg.Validate())
	})

	t.Run("Invalid EC curve", func(t *testing.T) {
		cfg := valid()
		cfg.CA.ECCurve = "P521"
		assert.Error(t, cfg.Validate())
	})

	t.Run("Invalid unpinned-host policy", func(t *testing.T) {
		cfg := valid()
		cfg.Pinning.OnUnpinned = "warn"
		assert.Error(t, cfg.Validate())
	})

	t.Run("Invalid database type", func(t *testing.T) {
		cfg := valid()
		cfg.Events.Database.Type = "mysql"
		assert.Error(t, cfg.Validate())
	})

	t.Run("Postgres requires host and database", func(t *testing.T) {
		cfg := valid()
		cfg.Events.Database.Type = "postgres"
		assert.Error(t, cfg.Validate())

		cfg.Events.Database.Postgres.Host = "db.internal"
		cfg.Events.Database.Postgres.Database = "trustd"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("Non-positive timeouts rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Transport.ProbeTimeout = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("Invalid log level rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Logging.Level = "verbose"
		assert.Error(t, cfg.Validate())
	})
}

func TestGetDSN(t *testing.T) {
	t.Run("SQLite DSN is the file path", func(t *testing.T) {
		cfg := Default()
		cfg.Events.Database.SQLite.Path = "/var/lib/trustd/events.db"
		assert.Equal(t, "/var/lib/trustd/events.db", cfg.GetDSN())
	})

	t.Run("Postgres DSN carries connection parameters", func(t *testing.T) {
		cfg := Default()
		cfg.Events.Database.Type = "postgres"
		cfg.Events.Database.Postgres.Host = "db.internal"
		cfg.Events.Database.Postgres.User = "trustd"
		cfg.Events.Database.Postgres.Password = "secret"
		cfg.Events.Database.Postgres.Database = "trustd"

		dsn := cfg.GetDSN()
		assert.Contains(t, dsn, "host=db.internal")
		assert.Contains(t, dsn, "port=5432")
		assert.Contains(t, dsn, "dbname=trustd")
		assert.Contains(t, dsn, "sslmode=disable")
	})
}
