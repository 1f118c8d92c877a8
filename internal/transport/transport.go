// Package transport integrates mutual TLS with the pin store and the MITM
// detector. Every handshake's leaf certificate is checked against the
// configured pin and the fingerprint history before a session is handed to
// the application layer; either check failing aborts the connection.
package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/fieldgrid/trustd/internal/config"
	"github.com/fieldgrid/trustd/internal/crypto"
	"github.com/fieldgrid/trustd/internal/events"
	"github.com/fieldgrid/trustd/internal/mitm"
	"github.com/fieldgrid/trustd/internal/pinning"
)

// ErrSecurity is returned when a handshake fails pin verification or the
// detector suspects interception. Connections failing this way must not
// be retried automatically.
var ErrSecurity = errors.New("certificate verification failed: possible interception")

// ErrTimeout is returned when a network operation exceeds its deadline
var ErrTimeout = errors.New("operation timed out")

// Transport wires TLS sessions to the trust components
type Transport struct {
	cfg      config.TransportConfig
	store    *pinning.Store
	detector *mitm.Detector
	recorder events.Recorder
	logger   *zap.Logger

	// rejectUnpinned is the explicit policy for hosts without a pin.
	rejectUnpinned bool

	// autoPin records a pin for unpinned hosts on first contact.
	autoPin bool

	// lookupIP is swappable for tests.
	lookupIP func(ctx context.Context, host string) ([]net.IP, error)
}

// New creates a transport bound to the given pin store and detector
func New(cfg config.TransportConfig, pinCfg config.PinningConfig, store *pinning.Store, detector *mitm.Detector, recorder events.Recorder, logger *zap.Logger) *Transport {
	return &Transport{
		cfg:            cfg,
		store:          store,
		detector:       detector,
		recorder:       recorder,
		logger:         logger,
		rejectUnpinned: pinCfg.OnUnpinned != "accept",
		autoPin:        pinCfg.AutoPin,
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		},
	}
}

// VerifyPeer runs the observed leaf certificate through pin verification
// and fingerprint observation for the hostname. Pin mismatch and suspected
// interception both return ErrSecurity; an unpinned host is pinned on the
// spot when auto-pinning is enabled, otherwise accepted or rejected per
// the configured policy. The verdict is deterministic for a given
// certificate and store state.
func (t *Transport) VerifyPeer(hostname string, leafDER []byte) error {
	outcome, err := t.store.Verify(hostname, leafDER)
	if err != nil {
		t.logger.Error("Pin verification error", zap.String("hostname", hostname), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrSecurity, err)
	}

	switch outcome {
	case pinning.OutcomeMismatch:
		t.recorder.Record(events.New(
			events.TypePinMismatch,
			events.SeverityCritical,
			"trustd",
			hostname,
			"Observed certificate does not match the configured pin",
			nil,
		))
		return ErrSecurity
	case pinning.OutcomeNotFound:
		if t.autoPin {
			if _, pinErr := t.store.AddPin(hostname, leafDER, pinning.PinTypePublicKey, pinning.AlgorithmSHA256, "auto-pinned on first use", ""); pinErr == nil {
				t.logger.Info("Auto-pinned host on first use", zap.String("hostname", hostname))
				break
			} else {
				t.logger.Warn("Failed to auto-pin host", zap.String("hostname", hostname), zap.Error(pinErr))
			}
		}
		if t.rejectUnpinned {
			t.logger.Warn("Rejecting unpinned host", zap.String("hostname", hostname))
			return fmt.Errorf("%w: no pin configured for %s", ErrSecurity, hostname)
		}
		t.logger.Debug("No pin configured, accepting per policy", zap.String("hostname", hostname))
	}

	if ok := t.detector.Observe(hostname, crypto.Fingerprint(leafDER)); !ok {
		return ErrSecurity
	}
	return nil
}

// classifyNetErr maps deadline failures to ErrTimeout so callers can
// distinguish timeouts from hard failures
func classifyNetErr(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// buildRootPool parses a PEM bundle into a certificate pool
func buildRootPool(rootPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(rootPEM) {
		return nil, fmt.Errorf("no certificates found in root trust bundle")
	}
	return pool, nil
}

// verifyChain validates the presented chain against the root pool and
// checks the leaf covers the requested host. DNSName handles both DNS
// names and IP literals.
func verifyChain(peerCerts []*x509.Certificate, roots *x509.CertPool, host string) error {
	if len(peerCerts) == 0 {
		return fmt.Errorf("peer presented no certificates")
	}
	intermediates := x509.NewCertPool()
	for _, cert := range peerCerts[1:] {
		intermediates.AddCert(cert)
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		DNSName:       host,
	}
	if _, err := peerCerts[0].Verify(opts); err != nil {
		return fmt.Errorf("chain verification failed: %w", err)
	}
	return nil
}
