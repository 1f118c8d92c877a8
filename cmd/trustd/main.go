package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fieldgrid/trustd/internal/api"
	"github.com/fieldgrid/trustd/internal/ca"
	"github.com/fieldgrid/trustd/internal/config"
	"github.com/fieldgrid/trustd/internal/events"
	"github.com/fieldgrid/trustd/internal/mitm"
	"github.com/fieldgrid/trustd/internal/pinning"
	"github.com/fieldgrid/trustd/internal/transport"
)

const version = "0.1.0"

func main() {
	flags, configFile, showVersion := config.ParseFlags()

	if showVersion {
		fmt.Printf("trustd v%s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting trustd",
		zap.String("version", version),
		zap.Bool("production", cfg.Transport.Production),
		zap.String("event_store", cfg.Events.Database.Type),
	)

	// Event store and recorder. The recorder never fails a security
	// decision on a storage error; it logs and moves on.
	store, err := events.NewStore(cfg)
	if err != nil {
		logger.Fatal("Failed to open event store", zap.Error(err))
	}
	defer store.Close()

	recorder := events.NewStoreRecorder(store, logger)
	sweeper := events.NewSweeper(store, cfg.Events.Retention, cfg.Events.SweepInterval, nil, logger)
	sweeper.Start()
	defer sweeper.Stop()

	// Certificate authority. An absent root with auto-generation disabled
	// blocks issuance but not pin verification, so the daemon keeps
	// running in that state.
	authority := ca.New(cfg.CA, logger)
	caReady := true
	if err := authority.Initialize(); err != nil {
		if errors.Is(err, ca.ErrUnavailable) {
			logger.Error("Certificate authority unavailable, issuance disabled", zap.Error(err))
			caReady = false
		} else {
			logger.Fatal("Failed to initialize certificate authority", zap.Error(err))
		}
	}

	// Pin store. A malformed store file is a configuration error and
	// fatal at startup; it is never silently defaulted.
	pins, err := pinning.NewStore(cfg.Pinning.Path, logger)
	if err != nil {
		logger.Fatal("Failed to load pin store", zap.Error(err))
	}

	detector := mitm.NewDetector(cfg.MITM.TrustedFingerprints, recorder, logger)
	detectorStop := make(chan struct{})
	detector.StartSweep(cfg.MITM.Retention, cfg.MITM.SweepInterval, detectorStop)
	defer close(detectorStop)

	secureTransport := transport.New(cfg.Transport, cfg.Pinning, pins, detector, recorder, logger)

	var srv *http.Server
	if caReady {
		srv, err = buildAuditServer(cfg, authority, pins, store, secureTransport, logger)
		if err != nil {
			logger.Fatal("Failed to build audit server", zap.Error(err))
		}

		go func() {
			logger.Info("Starting mTLS audit server", zap.String("address", srv.Addr))
			// Certificate material lives in srv.TLSConfig.
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Audit server failed", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("Audit server disabled: no server certificate can be issued")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
		}
	}

	logger.Info("Stopped")
}

// buildAuditServer issues a server certificate from the local CA and wires
// the read-only audit API behind mutual TLS.
func buildAuditServer(cfg *config.Config, authority *ca.Authority, pins *pinning.Store, store *events.Store, secureTransport *transport.Transport, logger *zap.Logger) (*http.Server, error) {
	issued, err := authority.IssueCertificate(&ca.IssueRequest{
		DeviceID:    "trustd-audit",
		CommonName:  "trustd-audit",
		DNSNames:    []string{"localhost"},
		IPAddresses: []string{"127.0.0.1"},
		ServerAuth:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue audit server certificate: %w", err)
	}

	rootPEM, err := authority.RootCertificatePEM()
	if err != nil {
		return nil, err
	}

	router := api.NewRouter(cfg, authority, pins, store, logger)

	return secureTransport.ServerSession(
		issued.CertificatePEM,
		issued.PrivateKeyPEM,
		rootPEM,
		router,
		transport.ServerOptions{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	)
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	switch cfg.Logging.Level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if cfg.Logging.Output != "" && cfg.Logging.Output != "stdout" {
		zapConfig.OutputPaths = []string{cfg.Logging.Output}
	}

	return zapConfig.Build()
}
