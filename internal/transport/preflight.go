package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"go.uber.org/zap"
)

// Preflight validates a URL before any request is made. Plaintext schemes
// are rejected outright. In production mode the hostname must not be a
// loopback or private address, unless it appears on the exemption list
// kept for development targets.
func (t *Transport) Preflight(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	if parsed.Scheme != "https" {
		return fmt.Errorf("%w: plaintext scheme %q rejected", ErrSecurity, parsed.Scheme)
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL %q has no hostname", rawURL)
	}

	if !t.cfg.Production {
		return nil
	}
	for _, exempt := range t.cfg.ExemptHosts {
		if hostname == exempt {
			return nil
		}
	}

	// IP literal: check directly, no resolution needed.
	if ip := net.ParseIP(hostname); ip != nil {
		if isRestrictedIP(ip) {
			return fmt.Errorf("%w: %s is a loopback or private address", ErrSecurity, hostname)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ProbeTimeout)
	defer cancel()
	ips, err := t.lookupIP(ctx, hostname)
	if err != nil {
		return classifyNetErr("resolve "+hostname, err)
	}
	for _, ip := range ips {
		if isRestrictedIP(ip) {
			t.logger.Warn("Hostname resolves to a restricted address",
				zap.String("hostname", hostname),
				zap.String("ip", ip.String()),
			)
			return fmt.Errorf("%w: %s resolves to restricted address %s", ErrSecurity, hostname, ip)
		}
	}
	return nil
}

// isRestrictedIP reports whether the address is loopback, RFC 1918
// private, or link-local
func isRestrictedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
