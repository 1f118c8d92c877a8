package events

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgrid/trustd/internal/config"
)

// setupTestStore creates a SQLite-backed store in a temp directory
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.Default()
	cfg.Events.Database.SQLite.Path = filepath.Join(t.TempDir(), "events.db")

	s, err := NewStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewEvent(t *testing.T) {
	t.Run("ID is sixteen hex characters", func(t *testing.T) {
		event := New(TypePinMismatch, SeverityCritical, "trustd", "gw.example.com", "pin mismatch", nil)
		assert.Len(t, event.ID, 16)
		assert.Regexp(t, "^[0-9a-f]{16}$", event.ID)
	})

	t.Run("Fields are carried through", func(t *testing.T) {
		details := map[string]string{"previous_fingerprint": "aa", "new_fingerprint": "bb"}
		event := New(TypeCertificateChange, SeverityMedium, "aa", "gw.example.com", "rotation", details)

		assert.Equal(t, TypeCertificateChange, event.Type)
		assert.Equal(t, SeverityMedium, event.Severity)
		assert.Equal(t, "aa", event.Source)
		assert.Equal(t, "gw.example.com", event.Destination)
		assert.Equal(t, "rotation", event.Description)
		assert.Equal(t, details, event.Details)
		assert.False(t, event.Timestamp.IsZero())
	})

	t.Run("Different endpoints give different IDs", func(t *testing.T) {
		a := New(TypePinMismatch, SeverityCritical, "trustd", "a.example.com", "x", nil)
		b := New(TypePinMismatch, SeverityCritical, "trustd", "b.example.com", "x", nil)
		assert.NotEqual(t, a.ID, b.ID)
	})
}

func TestStore(t *testing.T) {
	t.Run("Unsupported database type fails", func(t *testing.T) {
		cfg := config.Default()
		cfg.Events.Database.Type = "mongodb"

		_, err := NewStore(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported database type")
	})

	t.Run("Insert and list round trip", func(t *testing.T) {
		s := setupTestStore(t)

		event := New(TypePinMismatch, SeverityCritical, "trustd", "gw.example.com",
			"Observed certificate does not match the configured pin",
			map[string]string{"outcome": "mismatch"})
		require.NoError(t, s.Insert(event))

		got, err := s.List(10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, event.ID, got[0].ID)
		assert.Equal(t, event.Type, got[0].Type)
		assert.Equal(t, event.Severity, got[0].Severity)
		assert.Equal(t, event.Description, got[0].Description)
		assert.Equal(t, event.Details, got[0].Details)
		assert.True(t, event.Timestamp.Equal(got[0].Timestamp))
	})

	t.Run("List returns newest first and honors the limit", func(t *testing.T) {
		s := setupTestStore(t)

		base := time.Now().UTC()
		for i := 0; i < 5; i++ {
			event := New(TypeCertificateChange, SeverityLow, "trustd", "gw.example.com", "change", nil)
			event.ID = fmt.Sprintf("%016d", i)
			event.Timestamp = base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.Insert(event))
		}

		got, err := s.List(3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.True(t, got[0].Timestamp.After(got[1].Timestamp))
		assert.True(t, got[1].Timestamp.After(got[2].Timestamp))
	})

	t.Run("Events without details scan cleanly", func(t *testing.T) {
		s := setupTestStore(t)

		require.NoError(t, s.Insert(New(TypeDNSAnomaly, SeverityHigh, "trustd", "gw.example.com", "anomaly", nil)))

		got, err := s.List(1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Nil(t, got[0].Details)
	})
}

func TestPurgeOlderThan(t *testing.T) {
	t.Run("Old events are removed, recent ones kept", func(t *testing.T) {
		s := setupTestStore(t)

		old := New(TypePinMismatch, SeverityCritical, "trustd", "old.example.com", "old", nil)
		old.Timestamp = time.Now().UTC().Add(-48 * time.Hour)
		require.NoError(t, s.Insert(old))

		recent := New(TypePinMismatch, SeverityCritical, "trustd", "recent.example.com", "recent", nil)
		require.NoError(t, s.Insert(recent))

		purged, err := s.PurgeOlderThan(time.Now().UTC().Add(-24 * time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), purged)

		got, err := s.List(10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "recent.example.com", got[0].Destination)
	})
}
