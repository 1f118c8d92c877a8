package transport

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"
)

// ServerOptions configures a mutual-TLS server session
type ServerOptions struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ServerSession builds an HTTPS server that requires a client certificate
// chaining to clientCARoot. Unauthenticated connections are rejected at
// the handshake; mutual authentication is not optional.
func (t *Transport) ServerSession(certPEM, keyPEM, clientCARootPEM []byte, handler http.Handler, opts ServerOptions) (*http.Server, error) {
	serverCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	clientCAs, err := buildRootPool(clientCARootPEM)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    clientCAs,
	}

	return &http.Server{
		Addr:         opts.Addr,
		Handler:      handler,
		TLSConfig:    tlsConfig,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}, nil
}
