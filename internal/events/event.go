// Package events defines security events and their durable storage. Events
// are produced by the pin store and MITM detector and consumed by an
// external audit collector; this package only ever writes them.
package events

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// Event types emitted by this core
const (
	TypeCertificateChange = "certificate_change"
	TypePinMismatch       = "pin_mismatch"
	TypeDNSAnomaly        = "dns_anomaly"
)

// Severity levels
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Event is an immutable security event record
type Event struct {
	ID          string            `json:"event_id"`
	Type        string            `json:"event_type"`
	Severity    string            `json:"severity"`
	Source      string            `json:"source"`
	Destination string            `json:"destination"`
	Timestamp   time.Time         `json:"timestamp"`
	Description string            `json:"description"`
	Details     map[string]string `json:"details,omitempty"`
}

// New builds an event with a deterministic id derived from the type,
// endpoints, and timestamp.
func New(eventType, severity, source, destination, description string, details map[string]string) *Event {
	now := time.Now().UTC()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s_%s_%s_%s",
		eventType, source, destination, now.Format(time.RFC3339Nano))))

	return &Event{
		ID:          fmt.Sprintf("%x", sum)[:16],
		Type:        eventType,
		Severity:    severity,
		Source:      source,
		Destination: destination,
		Timestamp:   now,
		Description: description,
		Details:     details,
	}
}
