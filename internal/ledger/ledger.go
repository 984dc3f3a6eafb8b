// Package ledger keeps an append-only history of what the controller applied.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType classifies a ledger row.
type EventType string

const (
	EventApplied        EventType = "applied"
	EventApplyFailed    EventType = "apply_failed"
	EventModeChanged    EventType = "mode_changed"
	EventBackendChanged EventType = "backend_changed"
	EventPeriodChanged  EventType = "period_changed"
)

// DefaultLimit caps Find when Query.Limit is not set.
const DefaultLimit = 100

// Entry is one recorded controller event.
type Entry struct {
	ID        int64          `json:"id"`
	EventType EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	TickID    string         `json:"tick_id,omitempty"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
}

// Query selects entries for Find. Zero fields do not filter.
type Query struct {
	Type   EventType
	TickID string
	Since  time.Time
	Limit  int
}

// Ledger appends controller events to the event_ledger table.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Ledger on db.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Append records one event. tickID may be empty for events outside a tick.
func (l *Ledger) Append(eventType EventType, tickID, source string, payload map[string]any) error {
	var encoded sql.NullString
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		encoded = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := l.db.Exec(
		`INSERT INTO event_ledger (event_type, timestamp, tick_id, source, payload) VALUES (?, ?, ?, ?, ?)`,
		string(eventType), l.now().UTC().Unix(), nullable(tickID), source, encoded,
	)
	return err
}

// Find returns matching entries, newest first.
func (l *Ledger) Find(q Query) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(q.Type))
	}
	if q.TickID != "" {
		where = append(where, "tick_id = ?")
		args = append(args, q.TickID)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UTC().Unix())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := `SELECT id, event_type, timestamp, tick_id, source, payload FROM event_ledger`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeleteOlderThan removes entries older than retention and returns how many went.
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).Unix()
	result, err := l.db.Exec(`DELETE FROM event_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var (
			entry                   Entry
			payload, tickID, source sql.NullString
			timestamp               int64
		)
		if err := rows.Scan(&entry.ID, &entry.EventType, &timestamp, &tickID, &source, &payload); err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		entry.TickID = tickID.String
		entry.Source = source.String

		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("entry %d: failed to unmarshal payload: %w", entry.ID, err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
