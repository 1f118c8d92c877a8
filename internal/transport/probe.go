package transport

import (
	"crypto/tls"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/fieldgrid/trustd/internal/pinning"
)

// FetchServerCertificate performs a bare TCP+TLS probe and returns the DER
// encoding of the leaf certificate the server presented. Verification is
// intentionally disabled: the caller is capturing the certificate in order
// to pin it, not trusting it yet. Bounded by the probe timeout.
func (t *Transport) FetchServerCertificate(hostname string, port int) ([]byte, error) {
	addr := net.JoinHostPort(hostname, fmt.Sprintf("%d", port))

	dialer := &net.Dialer{Timeout: t.cfg.ProbeTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         hostname,
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, classifyNetErr("probe "+addr, err)
	}
	defer conn.Close()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, fmt.Errorf("server at %s presented no certificates", addr)
	}
	return certs[0].Raw, nil
}

// PinHost probes the host and records a public-key pin for whatever
// certificate it presents. This is the trust-on-first-use bootstrap; it is
// only exposed when the operator has enabled auto-pinning.
func (t *Transport) PinHost(hostname string, port int, description string) (*pinning.Record, error) {
	leafDER, err := t.FetchServerCertificate(hostname, port)
	if err != nil {
		return nil, err
	}

	record, err := t.store.AddPin(hostname, leafDER, pinning.PinTypePublicKey, pinning.AlgorithmSHA256, description, "")
	if err != nil {
		return nil, err
	}

	t.logger.Info("Auto-pinned host certificate",
		zap.String("hostname", hostname),
		zap.Int("port", port),
	)
	return record, nil
}
