package config

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

// Flags holds all command line flag values
type Flags struct {
	// General
	configFile *string
	version    *bool

	// Server
	serverPort *int
	serverHost *string

	// CA
	caCertPath     *string
	caKeyPath      *string
	caAutoGenerate *bool

	// Pinning
	pinsPath       *string
	pinsOnUnpinned *string

	// Events database
	dbType       *string
	dbSQLitePath *string

	// Transport
	production *bool

	// Logging
	logLevel  *string
	logFormat *string
}

// ParseFlags defines and parses all command line flags
func ParseFlags() (*Flags, string, bool) {
	f := &Flags{}

	// General flags
	f.configFile = flag.StringP("config", "c", "/etc/trustd/config.yaml", "Path to configuration file")
	f.version = flag.BoolP("version", "v", false, "Print version and exit")

	// Server flags
	f.serverPort = flag.Int("server.port", 0, "mTLS audit server port")
	f.serverHost = flag.String("server.host", "", "mTLS audit server bind address")

	// CA flags
	f.caCertPath = flag.String("ca.cert-path", "", "Path to the root CA certificate")
	f.caKeyPath = flag.String("ca.key-path", "", "Path to the root CA private key")
	f.caAutoGenerate = flag.Bool("ca.auto-generate", true, "Generate a root CA when none is present")

	// Pinning flags
	f.pinsPath = flag.String("pins.path", "", "Path to the certificate pin store")
	f.pinsOnUnpinned = flag.String("pins.on-unpinned", "", "Policy for hosts without a pin (reject or accept)")

	// Events database flags
	f.dbType = flag.String("db.type", "", "Event store type (sqlite or postgres)")
	f.dbSQLitePath = flag.String("db.sqlite.path", "", "SQLite event store file path")

	// Transport flags
	f.production = flag.Bool("production", false, "Enforce production host policy (no loopback/private endpoints)")

	// Logging flags
	f.logLevel = flag.StringP("log.level", "l", "", "Log level (debug, info, warn, error)")
	f.logFormat = flag.String("log.format", "", "Log format (json or console)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "trustd - trust provisioning and transport integrity for field gateways\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nConfiguration priority (highest to lowest):\n")
		fmt.Fprintf(os.Stderr, "  1. Command line flags\n")
		fmt.Fprintf(os.Stderr, "  2. Environment variables (TRUSTD_*)\n")
		fmt.Fprintf(os.Stderr, "  3. Configuration file (default: /etc/trustd/config.yaml)\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  # Start with a custom config file\n")
		fmt.Fprintf(os.Stderr, "  %s --config ./config.yaml\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Production mode with a postgres event store\n")
		fmt.Fprintf(os.Stderr, "  %s --production --db.type postgres\n\n", os.Args[0])
	}

	flag.Parse()

	return f, *f.configFile, *f.version
}

// GetServerPort returns the server port flag value and whether it was set
func (f *Flags) GetServerPort() (int, bool) {
	return *f.serverPort, flag.Lookup("server.port").Changed
}

// GetServerHost returns the server host flag value and whether it was set
func (f *Flags) GetServerHost() (string, bool) {
	return *f.serverHost, flag.Lookup("server.host").Changed
}

// GetCACertPath returns the CA certificate path flag value and whether it was set
func (f *Flags) GetCACertPath() (string, bool) {
	return *f.caCertPath, flag.Lookup("ca.cert-path").Changed
}

// GetCAKeyPath returns the CA key path flag value and whether it was set
func (f *Flags) GetCAKeyPath() (string, bool) {
	return *f.caKeyPath, flag.Lookup("ca.key-path").Changed
}

// GetCAAutoGenerate returns the CA auto-generate flag value and whether it was set
func (f *Flags) GetCAAutoGenerate() (bool, bool) {
	return *f.caAutoGenerate, flag.Lookup("ca.auto-generate").Changed
}

// GetPinsPath returns the pin store path flag value and whether it was set
func (f *Flags) GetPinsPath() (string, bool) {
	return *f.pinsPath, flag.Lookup("pins.path").Changed
}

// GetPinsOnUnpinned returns the unpinned-host policy flag value and whether it was set
func (f *Flags) GetPinsOnUnpinned() (string, bool) {
	return *f.pinsOnUnpinned, flag.Lookup("pins.on-unpinned").Changed
}

// GetDBType returns the event store type flag value and whether it was set
func (f *Flags) GetDBType() (string, bool) {
	return *f.dbType, flag.Lookup("db.type").Changed
}

// GetDBSQLitePath returns the SQLite path flag value and whether it was set
func (f *Flags) GetDBSQLitePath() (string, bool) {
	return *f.dbSQLitePath, flag.Lookup("db.sqlite.path").Changed
}

// GetProduction returns the production flag value and whether it was set
func (f *Flags) GetProduction() (bool, bool) {
	return *f.production, flag.Lookup("production").Changed
}

// GetLogLevel returns the log level flag value and whether it was set
func (f *Flags) GetLogLevel() (string, bool) {
	return *f.logLevel, flag.Lookup("log.level").Changed
}

// GetLogFormat returns the log format flag value and whether it was set
func (f *Flags) GetLogFormat() (string, bool) {
	return *f.logFormat, flag.Lookup("log.format").Changed
}
