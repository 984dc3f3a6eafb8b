package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/shiftd/internal/db"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database.DB)
}

func TestLedger_AppendAndFind(t *testing.T) {
	l := openLedger(t)
	base := time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) { l.now = func() time.Time { return base.Add(d) } }

	at(0)
	require.NoError(t, l.Append(EventApplied, "tick-1", "poll", map[string]any{"temperature": 5100}))
	at(time.Minute)
	require.NoError(t, l.Append(EventApplyFailed, "tick-2", "poll", map[string]any{"error": "boom"}))
	at(2 * time.Minute)
	require.NoError(t, l.Append(EventModeChanged, "", "http", nil))
	require.NoError(t, l.Append(EventApplied, "tick-2", "poll", nil))

	tests := []struct {
		name    string
		query   Query
		wantIDs []string // tick ids, newest first
	}{
		{"all", Query{}, []string{"tick-2", "", "tick-2", "tick-1"}},
		{"by type", Query{Type: EventApplied}, []string{"tick-2", "tick-1"}},
		{"by tick", Query{TickID: "tick-2"}, []string{"tick-2", "tick-2"}},
		{"since", Query{Since: base.Add(time.Minute)}, []string{"tick-2", "", "tick-2"}},
		{"limit", Query{Limit: 1}, []string{"tick-2"}},
		{"combined", Query{Type: EventApplyFailed, TickID: "tick-2"}, []string{"tick-2"}},
		{"no match", Query{Type: EventBackendChanged}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := l.Find(tt.query)
			require.NoError(t, err)
			var ids []string
			for _, e := range entries {
				ids = append(ids, e.TickID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}

	all, err := l.Find(Query{Type: EventModeChanged})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Nil(t, all[0].Payload)
	assert.Equal(t, "http", all[0].Source)
	assert.Equal(t, base.Add(2*time.Minute), all[0].Timestamp)

	applied, err := l.Find(Query{TickID: "tick-1"})
	require.NoError(t, err)
	// JSON numbers decode as float64
	assert.Equal(t, 5100.0, applied[0].Payload["temperature"])
}

func TestLedger_DeleteOlderThan(t *testing.T) {
	l := openLedger(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	require.NoError(t, l.Append(EventApplied, "old", "dummy", nil))

	l.now = func() time.Time { return base.Add(48 * time.Hour) }
	require.NoError(t, l.Append(EventApplied, "new", "dummy", nil))

	n, err := l.DeleteOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := l.Find(Query{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].TickID)
}
