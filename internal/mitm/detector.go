// Package mitm tracks the last-seen certificate fingerprint per hostname
// and flags any change as a possible interception. It is deliberately
// independent of the pin store: pins encode an expected value set by an
// operator, this detector encodes continuity even for hosts nobody pinned.
package mitm

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldgrid/trustd/internal/events"
)

const shardCount = 16

type entry struct {
	fingerprint  string
	firstSeen    time.Time
	lastSeen     time.Time
	lastReported string // last changed fingerprint an event was emitted for
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Detector records fingerprint history and emits certificate_change events.
// Observations for distinct hostnames do not contend; observations for the
// same hostname are serialized so two near-simultaneous first sightings
// cannot both seed the baseline.
type Detector struct {
	shards   [shardCount]*shard
	trusted  map[string]bool
	recorder events.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewDetector creates a detector. trustedFingerprints lists fingerprints
// whose appearance is a planned rotation rather than an attack; a change
// to one of them is reported at medium severity and adopted as the new
// baseline.
func NewDetector(trustedFingerprints []string, recorder events.Recorder, logger *zap.Logger) *Detector {
	d := &Detector{
		trusted:  make(map[string]bool, len(trustedFingerprints)),
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
	for i := range d.shards {
		d.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	for _, fp := range trustedFingerprints {
		d.trusted[fp] = true
	}
	return d
}

// SetClock replaces the detector's clock, for tests
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

func (d *Detector) shardFor(hostname string) *shard {
	h := fnv.New32a()
	h.Write([]byte(hostname))
	return d.shards[h.Sum32()%shardCount]
}

// Observe compares the fingerprint against the hostname's history. The
// first observation seeds the baseline and emits nothing. A changed
// fingerprint emits exactly one certificate_change event per distinct
// change: critical (and the baseline is kept, so the return value stays
// false until the original certificate returns or the host is re-pinned)
// unless the new fingerprint is trusted, in which case the event is medium
// and the baseline moves. The return value is true when no interception
// is suspected.
func (d *Detector) Observe(hostname, fingerprint string) bool {
	s := d.shardFor(hostname)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := d.now()
	e, ok := s.entries[hostname]
	if !ok {
		s.entries[hostname] = &entry{
			fingerprint: fingerprint,
			firstSeen:   now,
			lastSeen:    now,
		}
		d.logger.Debug("Seeded fingerprint baseline",
			zap.String("hostname", hostname),
			zap.String("fingerprint", fingerprint),
		)
		return true
	}

	e.lastSeen = now
	if fingerprint == e.fingerprint {
		e.lastReported = ""
		return true
	}

	if d.trusted[fingerprint] {
		if e.lastReported != fingerprint {
			e.lastReported = fingerprint
			d.recorder.Record(events.New(
				events.TypeCertificateChange,
				events.SeverityMedium,
				e.fingerprint,
				hostname,
				"Certificate changed to an allowlisted fingerprint",
				map[string]string{
					"previous_fingerprint": e.fingerprint,
					"new_fingerprint":      fingerprint,
				},
			))
		}
		e.fingerprint = fingerprint
		return true
	}

	if e.lastReported != fingerprint {
		e.lastReported = fingerprint
		d.recorder.Record(events.New(
			events.TypeCertificateChange,
			events.SeverityCritical,
			e.fingerprint,
			hostname,
			"Certificate fingerprint changed unexpectedly: possible interception",
			map[string]string{
				"previous_fingerprint": e.fingerprint,
				"new_fingerprint":      fingerprint,
			},
		))
	}
	return false
}

// History returns the recorded observation for a hostname, if any
func (d *Detector) History(hostname string) (fingerprint string, firstSeen, lastSeen time.Time, ok bool) {
	s := d.shardFor(hostname)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[hostname]
	if !found {
		return "", time.Time{}, time.Time{}, false
	}
	return e.fingerprint, e.firstSeen, e.lastSeen, true
}

// Prune drops entries not observed within the retention window and
// returns the number removed
func (d *Detector) Prune(retention time.Duration) int {
	cutoff := d.now().Add(-retention)
	removed := 0
	for _, s := range d.shards {
		s.mu.Lock()
		for hostname, e := range s.entries {
			if e.lastSeen.Before(cutoff) {
				delete(s.entries, hostname)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		d.logger.Info("Pruned fingerprint history", zap.Int("count", removed))
	}
	return removed
}

// StartSweep runs a retention sweep loop until the stop channel is closed
func (d *Detector) StartSweep(retention, interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Prune(retention)
			case <-stop:
				return
			}
		}
	}()
}
