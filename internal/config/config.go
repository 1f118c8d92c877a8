// Package config provides configuration management for the trustd daemon.
// It handles loading configuration from YAML files, applying environment variable
// overrides and command line flags, and validating configuration values for the
// certificate authority, pin store, MITM detection, event storage, transport,
// and logging settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	CA        CAConfig        `yaml:"ca"`
	Pinning   PinningConfig   `yaml:"pinning"`
	MITM      MITMConfig      `yaml:"mitm"`
	Events    EventsConfig    `yaml:"events"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServerConfig holds the mTLS audit server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	Host         string        `yaml:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// CAConfig holds the certificate authority profile
type CAConfig struct {
	CommonName       string `yaml:"common_name"`
	Organization     string `yaml:"organization"`
	OrganizationUnit string `yaml:"organization_unit"`
	Country          string `yaml:"country"`
	Province         string `yaml:"province"`
	Locality         string `yaml:"locality"`

	Algorithm string `yaml:"algorithm"` // "rsa" or "ecdsa"
	RSABits   int    `yaml:"rsa_bits"`
	ECCurve   string `yaml:"ec_curve"` // "P256" or "P384"

	ValidityDays     int `yaml:"validity_days"`
	LeafValidityDays int `yaml:"leaf_validity_days"`

	CertPath   string `yaml:"cert_path"`
	KeyPath    string `yaml:"key_path"`
	ClientsDir string `yaml:"clients_dir"`
	RevokedDir string `yaml:"revoked_dir"`

	AutoGenerate bool `yaml:"auto_generate"`

	// Optional AES-256-GCM wrap of the root key at rest.
	KeyPassphrase string `yaml:"key_passphrase"`
}

// PinningConfig holds certificate pin store settings
type PinningConfig struct {
	Path       string `yaml:"path"`
	OnUnpinned string `yaml:"on_unpinned"` // "reject" or "accept"
	AutoPin    bool   `yaml:"auto_pin"`    // trust-on-first-use bootstrap
}

// MITMConfig holds fingerprint change detection settings
type MITMConfig struct {
	TrustedFingerprints []string      `yaml:"trusted_fingerprints"`
	Retention           time.Duration `yaml:"retention"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
}

// EventsConfig holds security event storage configuration
type EventsConfig struct {
	Database      DatabaseConfig `yaml:"database"`
	Retention     time.Duration  `yaml:"retention"`
	SweepInterval time.Duration  `yaml:"sweep_interval"`
}

// DatabaseConfig holds database configuration for the event store
type DatabaseConfig struct {
	Type     string         `yaml:"type"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds PostgreSQL-specific configuration
type PostgresConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Database     string `yaml:"database"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// TransportConfig holds secure transport timeouts and host policy
type TransportConfig struct {
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Production     bool          `yaml:"production"`
	ExemptHosts    []string      `yaml:"exempt_hosts"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig holds settings for the audit API surface
type SecurityConfig struct {
	CORSEnabled bool     `yaml:"cors_enabled"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Load reads the configuration file, applies environment and flag overrides,
// and validates the result. A missing file is not an error; defaults apply.
func Load(path string, flags *Flags) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if flags != nil {
		cfg.applyFlagOverrides(flags)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8443,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		CA: CAConfig{
			CommonName:       "FieldGrid Root CA",
			Organization:     "FieldGrid",
			OrganizationUnit: "Security",
			Country:          "US",
			Algorithm:        "rsa",
			RSABits:          2048,
			ECCurve:          "P256",
			ValidityDays:     3650,
			LeafValidityDays: 365,
			CertPath:         "/etc/trustd/certs/ca.crt",
			KeyPath:          "/etc/trustd/certs/ca.key",
			ClientsDir:       "/etc/trustd/certs/clients",
			RevokedDir:       "/etc/trustd/certs/revoked",
			AutoGenerate:     true,
		},
		Pinning: PinningConfig{
			Path:       "/etc/trustd/cert_pins.json",
			OnUnpinned: "reject",
		},
		MITM: MITMConfig{
			Retention:     90 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Events: EventsConfig{
			Database: DatabaseConfig{
				Type:   "sqlite",
				SQLite: SQLiteConfig{Path: "/var/lib/trustd/security_events.db"},
				Postgres: PostgresConfig{
					Port:         5432,
					SSLMode:      "disable",
					MaxOpenConns: 10,
					MaxIdleConns: 5,
				},
			},
			Retention:     30 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Transport: TransportConfig{
			ProbeTimeout:   10 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("TRUSTD_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if host := os.Getenv("TRUSTD_SERVER_HOST"); host != "" {
		c.Server.Host = host
	}

	if certPath := os.Getenv("TRUSTD_CA_CERT_PATH"); certPath != "" {
		c.CA.CertPath = certPath
	}
	if keyPath := os.Getenv("TRUSTD_CA_KEY_PATH"); keyPath != "" {
		c.CA.KeyPath = keyPath
	}
	if pass := os.Getenv("TRUSTD_CA_KEY_PASSPHRASE"); pass != "" {
		c.CA.KeyPassphrase = pass
	}

	if pins := os.Getenv("TRUSTD_PINS_PATH"); pins != "" {
		c.Pinning.Path = pins
	}

	if dbType := os.Getenv("TRUSTD_DB_TYPE"); dbType != "" {
		c.Events.Database.Type = dbType
	}
	if dbPath := os.Getenv("TRUSTD_DB_SQLITE_PATH"); dbPath != "" {
		c.Events.Database.SQLite.Path = dbPath
	}
	if pgHost := os.Getenv("TRUSTD_DB_POSTGRES_HOST"); pgHost != "" {
		c.Events.Database.Postgres.Host = pgHost
	}
	if pgPort := os.Getenv("TRUSTD_DB_POSTGRES_PORT"); pgPort != "" {
		if p, err := strconv.Atoi(pgPort); err == nil {
			c.Events.Database.Postgres.Port = p
		}
	}
	if pgDB := os.Getenv("TRUSTD_DB_POSTGRES_DATABASE"); pgDB != "" {
		c.Events.Database.Postgres.Database = pgDB
	}
	if pgUser := os.Getenv("TRUSTD_DB_POSTGRES_USER"); pgUser != "" {
		c.Events.Database.Postgres.User = pgUser
	}
	if pgPass := os.Getenv("TRUSTD_DB_POSTGRES_PASSWORD"); pgPass != "" {
		c.Events.Database.Postgres.Password = pgPass
	}

	if env := os.Getenv("TRUSTD_ENVIRONMENT"); env != "" {
		c.Transport.Production = env == "production"
	}

	if logLevel := os.Getenv("TRUSTD_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
}

// applyFlagOverrides applies command line flag overrides to the configuration
func (c *Config) applyFlagOverrides(f *Flags) {
	if v, ok := f.GetServerPort(); ok {
		c.Server.Port = v
	}
	if v, ok := f.GetServerHost(); ok {
		c.Server.Host = v
	}
	if v, ok := f.GetCACertPath(); ok {
		c.CA.CertPath = v
	}
	if v, ok := f.GetCAKeyPath(); ok {
		c.CA.KeyPath = v
	}
	if v, ok := f.GetCAAutoGenerate(); ok {
		c.CA.AutoGenerate = v
	}
	if v, ok := f.GetPinsPath(); ok {
		c.Pinning.Path = v
	}
	if v, ok := f.GetPinsOnUnpinned(); ok {
		c.Pinning.OnUnpinned = v
	}
	if v, ok := f.GetDBType(); ok {
		c.Events.Database.Type = v
	}
	if v, ok := f.GetDBSQLitePath(); ok {
		c.Events.Database.SQLite.Path = v
	}
	if v, ok := f.GetProduction(); ok {
		c.Transport.Production = v
	}
	if v, ok := f.GetLogLevel(); ok {
		c.Logging.Level = v
	}
	if v, ok := f.GetLogFormat(); ok {
		c.Logging.Format = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.CA.Algorithm != "rsa" && c.CA.Algorithm != "ecdsa" {
		return fmt.Errorf("invalid CA algorithm: %s (must be 'rsa' or 'ecdsa')", c.CA.Algorithm)
	}
	if c.CA.Algorithm == "rsa" && c.CA.RSABits < 2048 {
		return fmt.Errorf("RSA key size must be at least 2048 bits")
	}
	if c.CA.ECCurve != "P256" && c.CA.ECCurve != "P384" {
		return fmt.Errorf("invalid EC curve: %s (must be P256 or P384)", c.CA.ECCurve)
	}
	if c.CA.ValidityDays < 1 {
		return fmt.Errorf("CA validity must be at least 1 day")
	}
	if c.CA.CertPath == "" || c.CA.KeyPath == "" {
		return fmt.Errorf("CA cert and key paths must be specified")
	}

	if c.Pinning.OnUnpinned != "reject" && c.Pinning.OnUnpinned != "accept" {
		return fmt.Errorf("invalid unpinned-host policy: %s (must be 'reject' or 'accept')", c.Pinning.OnUnpinned)
	}
	if c.Pinning.Path == "" {
		return fmt.Errorf("pin store path not specified")
	}

	dbType := c.Events.Database.Type
	if dbType != "sqlite" && dbType != "postgres" {
		return fmt.Errorf("invalid database type: %s (must be 'sqlite' or 'postgres')", dbType)
	}
	if dbType == "sqlite" && c.Events.Database.SQLite.Path == "" {
		return fmt.Errorf("SQLite path not specified")
	}
	if dbType == "postgres" {
		if c.Events.Database.Postgres.Host == "" || c.Events.Database.Postgres.Database == "" {
			return fmt.Errorf("PostgreSQL host and database must be specified")
		}
	}

	if c.Transport.ProbeTimeout <= 0 || c.Transport.RequestTimeout <= 0 {
		return fmt.Errorf("transport timeouts must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the event store connection string based on the configured type
func (c *Config) GetDSN() string {
	switch c.Events.Database.Type {
	case "sqlite":
		return c.Events.Database.SQLite.Path
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Events.Database.Postgres.Host,
			c.Events.Database.Postgres.Port,
			c.Events.Database.Postgres.User,
			c.Events.Database.Postgres.Password,
			c.Events.Database.Postgres.Database,
			c.Events.Database.Postgres.SSLMode,
		)
	default:
		return ""
	}
}
