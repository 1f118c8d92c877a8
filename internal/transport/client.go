package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session is an outbound mutual-TLS session. Every handshake performed by
// its client has already passed chain validation, pin verification, and
// fingerprint observation.
type Session struct {
	ID     string
	Client *http.Client

	transport *Transport
}

// ClientSession builds a session that presents the given certificate/key
// pair and validates the remote end against rootTrust. The handshake is
// driven by an explicit dialer so the pin store and detector see the leaf
// certificate before any application data flows, for DNS and IP endpoints
// alike.
func (t *Transport) ClientSession(certPEM, keyPEM, rootTrustPEM []byte) (*Session, error) {
	clientCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	roots, err := buildRootPool(rootTrustPEM)
	if err != nil {
		return nil, err
	}

	// Stock verification is disabled; the dialer below verifies the chain
	// itself and then consults the pin store and detector.
	base := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Certificates:       []tls.Certificate{clientCert},
		InsecureSkipVerify: true,
	}

	dialTLS := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", addr, err)
		}

		dialer := &net.Dialer{Timeout: t.cfg.ProbeTimeout}
		rawConn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, classifyNetErr("dial "+addr, err)
		}

		cfg := base.Clone()
		cfg.ServerName = host
		tlsConn := tls.Client(rawConn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			return nil, classifyNetErr("handshake with "+addr, err)
		}

		leaves := tlsConn.ConnectionState().PeerCertificates
		if err := verifyChain(leaves, roots, host); err != nil {
			tlsConn.Close()
			return nil, fmt.Errorf("%w: %v", ErrSecurity, err)
		}
		if err := t.VerifyPeer(host, leaves[0].Raw); err != nil {
			tlsConn.Close()
			return nil, err
		}
		return tlsConn, nil
	}

	session := &Session{
		ID: uuid.New().String(),
		Client: &http.Client{
			Timeout: t.cfg.RequestTimeout,
			Transport: &http.Transport{
				DialTLSContext: dialTLS,
			},
		},
		transport: t,
	}

	t.logger.Info("Client session ready", zap.String("session_id", session.ID))
	return session, nil
}

// Do performs an HTTP request after the pre-flight checks. The underlying
// handshake enforces pinning and fingerprint continuity; a violation
// surfaces as ErrSecurity.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	if err := s.transport.Preflight(req.URL.String()); err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, classifyNetErr("request to "+req.URL.Host, err)
	}
	return resp, nil
}
