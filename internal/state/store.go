// Package state persists small JSON documents, keyed by (kind, id), that
// must survive a restart.
package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store is a versioned JSON document store on the resource_state table.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// NewStore creates a store on db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Get returns the payload and version for (kind, id), or nil and 0 when absent.
func (s *Store) Get(kind, id string) (payload []byte, version int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payloadStr string
	err = s.db.QueryRow(`
		SELECT payload, version FROM resource_state
		WHERE kind = ? AND id = ?
	`, kind, id).Scan(&payloadStr, &version)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return []byte(payloadStr), version, nil
}

// Set stores payload, incrementing the version.
func (s *Store) Set(kind, id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO resource_state (kind, id, payload, version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			payload = excluded.payload,
			version = version + 1,
			updated_at = excluded.updated_at
	`, kind, id, string(payload), s.now().UTC().Unix())

	if err == nil {
		log.Debug().Str("kind", kind).Str("id", id).RawJSON("payload", payload).Msg("State saved")
	}
	return err
}

// Clear removes all state for a kind. If kind is empty, clears all state.
func (s *Store) Clear(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if kind == "" {
		_, err = s.db.Exec(`DELETE FROM resource_state`)
	} else {
		_, err = s.db.Exec(`DELETE FROM resource_state WHERE kind = ?`, kind)
	}
	return err
}

// Typed wraps Store with JSON marshaling of T under one kind.
type Typed[T any] struct {
	store *Store
	kind  string
}

// NewTyped creates a typed view of store for kind.
func NewTyped[T any](store *Store, kind string) *Typed[T] {
	return &Typed[T]{store: store, kind: kind}
}

// Get returns the value for id. found is false when nothing was stored.
func (s *Typed[T]) Get(id string) (value T, found bool, err error) {
	payload, _, err := s.store.Get(s.kind, id)
	if err != nil || payload == nil {
		return value, false, err
	}
	if err := json.Unmarshal(payload, &value); err != nil {
		return value, false, fmt.Errorf("failed to unmarshal %s/%s: %w", s.kind, id, err)
	}
	return value, true, nil
}

// Set stores value for id.
func (s *Typed[T]) Set(id string, value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", s.kind, id, err)
	}
	return s.store.Set(s.kind, id, payload)
}

// Clear removes all values of this kind.
func (s *Typed[T]) Clear() error {
	return s.store.Clear(s.kind)
}
