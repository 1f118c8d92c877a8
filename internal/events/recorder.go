package events

import (
	"time"

	"go.uber.org/zap"
)

// Recorder receives security events. The pin store and MITM detector only
// depend on this interface, never on the storage backend.
type Recorder interface {
	Record(event *Event)
}

// StoreRecorder writes events to a Store. A persistence failure is logged
// and swallowed: the security verdict that produced the event has already
// been computed and must not depend on durable storage being healthy.
type StoreRecorder struct {
	store  *Store
	logger *zap.Logger
}

// NewStoreRecorder creates a recorder backed by the given store
func NewStoreRecorder(store *Store, logger *zap.Logger) *StoreRecorder {
	return &StoreRecorder{store: store, logger: logger}
}

// Record logs the event and persists it
func (r *StoreRecorder) Record(event *Event) {
	msg := "Security event"
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("severity", event.Severity),
		zap.String("source", event.Source),
		zap.String("destination", event.Destination),
		zap.String("description", event.Description),
	}
	switch event.Severity {
	case SeverityCritical, SeverityHigh:
		r.logger.Error(msg, fields...)
	case SeverityMedium:
		r.logger.Warn(msg, fields...)
	default:
		r.logger.Info(msg, fields...)
	}

	if err := r.store.Insert(event); err != nil {
		// Plain log line, separate from the event itself, so a storage
		// outage cannot mask the security outcome.
		r.logger.Error("Failed to persist security event",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

// Sweeper periodically purges events older than the retention window
type Sweeper struct {
	store     *Store
	logger    *zap.Logger
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	stop      chan struct{}
	done      chan struct{}
}

// NewSweeper creates a retention sweeper. The clock is injected so tests
// can control time.
func NewSweeper(store *Store, retention, interval time.Duration, now func() time.Time, logger *zap.Logger) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:     store,
		logger:    logger,
		retention: retention,
		interval:  interval,
		now:       now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SweepOnce()
			case <-s.stop:
				return
			}
		}
	}()
}

// SweepOnce purges expired events immediately
func (s *Sweeper) SweepOnce() {
	cutoff := s.now().Add(-s.retention)
	purged, err := s.store.PurgeOlderThan(cutoff)
	if err != nil {
		s.logger.Error("Event retention sweep failed", zap.Error(err))
		return
	}
	if purged > 0 {
		s.logger.Info("Purged expired security events", zap.Int64("count", purged))
	}
}

// Stop terminates the sweep loop and waits for it to exit
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
