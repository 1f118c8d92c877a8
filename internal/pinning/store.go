// Package pinning implements the certificate pin store: a durable mapping
// from hostname to the expected fingerprint of the certificate that host
// must present. Verification compares exact digest bytes; a mismatch is
// always fail-closed for callers.
package pinning

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldgrid/trustd/internal/fsutil"
)

// ErrConfiguration is returned when the pin store file cannot be parsed.
// A missing file is not an error; the store starts empty.
var ErrConfiguration = errors.New("pin store configuration error")

// PinType selects what part of the certificate is digested
type PinType string

const (
	// PinTypeLeaf pins the digest of the full DER certificate. Breaks on
	// every renewal.
	PinTypeLeaf PinType = "leaf-hash"
	// PinTypePublicKey pins the digest of the SubjectPublicKeyInfo, so the
	// pin survives renewal with the same key. Preferred.
	PinTypePublicKey PinType = "public-key-hash"
)

// Algorithm is the digest algorithm for a pin
type Algorithm string

const (
	AlgorithmSHA256 Algorithm = "sha256"
	// AlgorithmSHA1 and AlgorithmMD5 exist for compatibility with pins
	// imported from older tooling. Do not create new pins with them.
	AlgorithmSHA1 Algorithm = "sha1"
	AlgorithmMD5  Algorithm = "md5"
)

// Outcome is the result of a pin verification
type Outcome int

const (
	// OutcomeNotFound means no unexpired pin exists for the hostname. The
	// caller decides accept or reject per its configured policy.
	OutcomeNotFound Outcome = iota
	// OutcomeMatch means the observed certificate matches the pin.
	OutcomeMatch
	// OutcomeMismatch means the observed certificate does not match the
	// pin. Callers must treat this as fail-closed.
	OutcomeMismatch
)

// String returns the outcome name for logs
func (o Outcome) String() string {
	switch o {
	case OutcomeMatch:
		return "match"
	case OutcomeMismatch:
		return "mismatch"
	default:
		return "not_found"
	}
}

// Record is a single hostname pin
type Record struct {
	PinType     PinType   `json:"pin_type"`
	Algorithm   Algorithm `json:"algorithm"`
	PinValue    string    `json:"pin_value"` // base64 digest
	Description string    `json:"description,omitempty"`
	Expires     string    `json:"expires,omitempty"` // RFC 3339 or empty
	CreatedAt   time.Time `json:"created_at"`
}

// expired reports whether the record's expiry has passed. An unparseable
// expiry is ignored, matching the permissive handling of hand-edited files.
func (r *Record) expired(now time.Time) bool {
	if r.Expires == "" {
		return false
	}
	expires, err := time.Parse(time.RFC3339, r.Expires)
	if err != nil {
		return false
	}
	return now.After(expires)
}

// Store is the hostname -> pin mapping, persisted as a single JSON file.
// Every mutation is flushed to disk before returning.
type Store struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	pins map[string]*Record
}

// NewStore loads the pin store from path. A missing file yields an empty
// store; a malformed file is ErrConfiguration.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger,
		pins:   make(map[string]*Record),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := json.Unmarshal(data, &s.pins); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	logger.Info("Loaded certificate pins", zap.Int("count", len(s.pins)), zap.String("path", path))
	return s, nil
}

// save writes the full store to disk. Caller must hold the lock.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.pins, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode pin store: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, fsutil.CertFileMode); err != nil {
		return fmt.Errorf("failed to save pin store: %w", err)
	}
	return nil
}

// ExtractPin computes the base64 digest for a DER certificate per the pin
// type and algorithm. Pure function, no store state involved.
func ExtractPin(certDER []byte, pinType PinType, algorithm Algorithm) (string, error) {
	var input []byte
	switch pinType {
	case PinTypeLeaf:
		input = certDER
	case PinTypePublicKey:
		cert, err := x509.ParseCertificate(certDER)
		if err != nil {
			return "", fmt.Errorf("failed to parse certificate: %w", err)
		}
		input = cert.RawSubjectPublicKeyInfo
	default:
		return "", fmt.Errorf("unsupported pin type: %s", pinType)
	}

	var digest []byte
	switch algorithm {
	case AlgorithmSHA256:
		sum := sha256.Sum256(input)
		digest = sum[:]
	case AlgorithmSHA1:
		sum := sha1.Sum(input)
		digest = sum[:]
	case AlgorithmMD5:
		if pinType == PinTypePublicKey {
			return "", fmt.Errorf("md5 is not supported for public key pins")
		}
		sum := md5.Sum(input)
		digest = sum[:]
	default:
		return "", fmt.Errorf("unsupported digest algorithm: %s", algorithm)
	}

	return base64.StdEncoding.EncodeToString(digest), nil
}

// Verify checks the observed certificate against the stored pin for the
// hostname. An absent or expired record is OutcomeNotFound; the caller
// applies its unpinned-host policy. Digest comparison is exact byte
// equality via the base64 forms.
func (s *Store) Verify(hostname string, certDER []byte) (Outcome, error) {
	s.mu.Lock()
	record, ok := s.pins[hostname]
	s.mu.Unlock()

	if !ok {
		return OutcomeNotFound, nil
	}
	if record.expired(time.Now()) {
		s.logger.Warn("Certificate pin expired, treating host as unpinned",
			zap.String("hostname", hostname),
			zap.String("expires", record.Expires),
		)
		return OutcomeNotFound, nil
	}

	actual, err := ExtractPin(certDER, record.PinType, record.Algorithm)
	if err != nil {
		return OutcomeMismatch, fmt.Errorf("failed to compute pin for %s: %w", hostname, err)
	}

	if actual != record.PinValue {
		s.logger.Error("Certificate pin mismatch",
			zap.String("hostname", hostname),
			zap.String("expected", truncatePin(record.PinValue)),
			zap.String("actual", truncatePin(actual)),
		)
		return OutcomeMismatch, nil
	}

	return OutcomeMatch, nil
}

// AddPin computes and stores a pin for the hostname, overwriting any
// existing record, and flushes the store to disk before returning.
func (s *Store) AddPin(hostname string, certDER []byte, pinType PinType, algorithm Algorithm, description, expires string) (*Record, error) {
	if hostname == "" {
		return nil, fmt.Errorf("hostname is required")
	}
	if expires != "" {
		if _, err := time.Parse(time.RFC3339, expires); err != nil {
			return nil, fmt.Errorf("invalid expiry %q: %w", expires, err)
		}
	}

	value, err := ExtractPin(certDER, pinType, algorithm)
	if err != nil {
		return nil, err
	}

	record := &Record{
		PinType:     pinType,
		Algorithm:   algorithm,
		PinValue:    value,
		Description: description,
		Expires:     expires,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[hostname] = record
	if err := s.save(); err != nil {
		delete(s.pins, hostname)
		return nil, err
	}

	s.logger.Info("Added certificate pin",
		zap.String("hostname", hostname),
		zap.String("pin_type", string(pinType)),
		zap.String("algorithm", string(algorithm)),
	)
	return record, nil
}

// ListedPin is a Record together with its hostname, for audit display
type ListedPin struct {
	Hostname string `json:"hostname"`
	Record
}

// List returns all pins sorted by hostname
func (s *Store) List() []ListedPin {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ListedPin, 0, len(s.pins))
	for hostname, record := range s.pins {
		out = append(out, ListedPin{Hostname: hostname, Record: *record})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// Len returns the number of stored pins
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pins)
}

func truncatePin(pin string) string {
	if len(pin) > 20 {
		return pin[:20] + "..."
	}
	return pin
}
