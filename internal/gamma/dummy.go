package gamma

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shiftd/internal/colortemp"
)

// Dummy is an in-memory backend for headless runs and tests.
// It records what would have been sent to a display.
type Dummy struct {
	name string

	mu       sync.Mutex
	openErr  error
	applyErr error
	current  colortemp.Setting
	changes  int
	applied  []colortemp.Setting
	opens    int
	restores int
	closes   int
}

// DummyStats counts session lifecycle calls.
type DummyStats struct {
	Opens    int
	Applies  int
	Changes  int // Applies that altered the simulated display
	Restores int
	Closes   int
}

// NewDummy creates a dummy backend registered as "dummy".
func NewDummy() *Dummy {
	return NewNamedDummy("dummy")
}

// NewNamedDummy creates a dummy backend with a custom name.
func NewNamedDummy(name string) *Dummy {
	return &Dummy{name: name, current: colortemp.Neutral()}
}

func (d *Dummy) Name() string { return d.name }

// FailOpen makes subsequent Open calls fail with err (nil clears it).
func (d *Dummy) FailOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// FailApply makes subsequent Apply calls fail with err (nil clears it).
func (d *Dummy) FailApply(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applyErr = err
}

// Current returns the simulated display setting.
func (d *Dummy) Current() colortemp.Setting {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Applied returns every successfully applied setting in order.
func (d *Dummy) Applied() []colortemp.Setting {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]colortemp.Setting, len(d.applied))
	copy(out, d.applied)
	return out
}

// Stats returns lifecycle counters.
func (d *Dummy) Stats() DummyStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DummyStats{
		Opens:    d.opens,
		Applies:  len(d.applied),
		Changes:  d.changes,
		Restores: d.restores,
		Closes:   d.closes,
	}
}

// Open returns a new session unless FailOpen is set.
func (d *Dummy) Open(_ context.Context, selector string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, Unavailable(d.name, d.openErr)
	}
	d.opens++
	log.Debug().Str("backend", d.name).Str("selector", selector).Msg("Dummy gamma session opened")
	return &dummySession{d: d}, nil
}

type dummySession struct {
	d      *Dummy
	closed bool
}

var errSessionClosed = errors.New("session closed")

func (s *dummySession) Apply(_ context.Context, setting colortemp.Setting) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.closed {
		return applyFailed(s.d.name, setting, errSessionClosed)
	}
	if s.d.applyErr != nil {
		return applyFailed(s.d.name, setting, s.d.applyErr)
	}
	if setting != s.d.current {
		s.d.changes++
	}
	s.d.current = setting
	s.d.applied = append(s.d.applied, setting)
	return nil
}

func (s *dummySession) Restore(context.Context) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	s.d.current = colortemp.Neutral()
	s.d.restores++
	return nil
}

func (s *dummySession) Close() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.d.closes++
	return nil
}
