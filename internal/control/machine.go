// Package control drives a gamma backend from the sun position or from an
// operator supplied temperature.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shiftd/internal/colortemp"
	"github.com/dokzlo13/shiftd/internal/gamma"
	"github.com/dokzlo13/shiftd/internal/geo"
)

// Curve maps a solar elevation to a target temperature.
type Curve interface {
	Target(elevation float64, p colortemp.Period) (int, error)
}

// Opener opens a backend by name. *gamma.Registry satisfies it.
type Opener interface {
	Open(ctx context.Context, name, selector string) (gamma.Session, error)
}

// MachineConfig is the startup configuration of a Machine.
type MachineConfig struct {
	Location          geo.Location
	Period            colortemp.Period
	Gamma             [3]float64
	Mode              Mode
	ManualTemperature int
	Backend           string
	Selector          string
	Fallback          string
	Curve             Curve // nil = colortemp.LinearCurve
}

// Outcome describes one tick.
type Outcome struct {
	Target  int
	Setting colortemp.Setting
	Applied bool // false when no backend session is open
	Changed bool // Applied and different from the previous setting
}

// Machine is the control state machine. It is not safe for concurrent use;
// Controller owns one on a single goroutine.
type Machine struct {
	opener Opener
	curve  Curve

	loc      geo.Location
	period   colortemp.Period
	gamma    [3]float64
	backend  string
	selector string
	fallback string

	session gamma.Session
	active  string // Name of the backend behind session

	state    State
	manual   int
	target   int
	rising   bool
	jumpNext bool
	// Start of the unspent rate limit budget. Partial steps advance it only
	// by the time they consumed so sub-Kelvin budgets accumulate.
	budgetFrom time.Time
	lastErr    error
	failures   int
}

// NewMachine creates a machine in the configured mode with a neutral
// applied setting. No backend is opened until Open or the first Tick.
func NewMachine(opener Opener, cfg MachineConfig) *Machine {
	curve := cfg.Curve
	if curve == nil {
		curve = colortemp.LinearCurve{}
	}
	period, _ := cfg.Period.Normalize()
	for i, g := range cfg.Gamma {
		if g == 0 {
			cfg.Gamma[i] = 1
		}
	}
	applied, _ := colortemp.Setting{
		Temperature: colortemp.NeutralTemperature,
		Brightness:  colortemp.MaxBrightness,
		Gamma:       cfg.Gamma,
	}.Normalize()

	return &Machine{
		opener:   opener,
		curve:    curve,
		loc:      cfg.Location,
		period:   period,
		gamma:    applied.Gamma,
		backend:  cfg.Backend,
		selector: cfg.Selector,
		fallback: cfg.Fallback,
		state:    State{Mode: cfg.Mode, Applied: applied},
		manual:   colortemp.Clamp(colortemp.Snap(cfg.ManualTemperature)),
		target:   applied.Temperature,
	}
}

// Open acquires the configured backend, falling back to the fallback
// backend. The error matches gamma.ErrBackendUnavailable when neither opens;
// the machine then stays degraded and retries on every tick.
func (m *Machine) Open(ctx context.Context) error {
	if m.session != nil {
		return nil
	}

	s, err := m.opener.Open(ctx, m.backend, m.selector)
	if err == nil {
		m.attach(m.backend, s)
		return nil
	}
	if m.fallback == "" || m.fallback == m.backend {
		m.lastErr = err
		return err
	}

	log.Warn().Err(err).Str("backend", m.backend).Str("fallback", m.fallback).Msg("Backend unavailable, trying fallback")
	s, ferr := m.opener.Open(ctx, m.fallback, "")
	if ferr != nil {
		m.lastErr = errors.Join(err, ferr)
		return m.lastErr
	}
	m.attach(m.fallback, s)
	return nil
}

func (m *Machine) attach(name string, s gamma.Session) {
	m.session = s
	m.active = name
	m.jumpNext = true
	log.Info().Str("backend", name).Msg("Gamma backend attached")
}

// Tick recomputes the target for now, limits the movement and applies it.
// On any error State is left untouched and the error is recorded.
func (m *Machine) Tick(ctx context.Context, now time.Time) (Outcome, error) {
	if m.session == nil {
		if err := m.Open(ctx); err != nil {
			log.Debug().Err(err).Msg("Backend still unavailable")
		}
	}

	elevation, elevErr := geo.Elevation(now, m.loc.Latitude, m.loc.Longitude)
	if elevErr == nil {
		if rising, err := geo.IsRising(now, m.loc.Latitude, m.loc.Longitude); err == nil {
			m.rising = rising
		}
	}

	var (
		target     int
		brightness float64
	)
	switch m.state.Mode {
	case Automatic:
		if elevErr != nil {
			return Outcome{}, m.fail(fmt.Errorf("elevation: %w", elevErr))
		}
		k, err := m.curve.Target(elevation, m.period)
		if err != nil {
			return Outcome{}, m.fail(fmt.Errorf("curve: %w", err))
		}
		target = colortemp.Clamp(colortemp.Snap(k))
		brightness = colortemp.InterpolateBrightness(elevation, m.period)
	case Manual:
		// Elevation is informational here; keep the last good value on error
		if elevErr != nil {
			elevation = m.state.Elevation
		}
		target = m.manual
		brightness = m.state.Applied.Brightness
	}
	m.target = target

	next := target
	if !m.jumpNext && !m.budgetFrom.IsZero() {
		next = Limit(m.state.Applied.Temperature, target, m.period.Speed, now.Sub(m.budgetFrom))
	}
	setting, _ := colortemp.Setting{Temperature: next, Brightness: brightness, Gamma: m.gamma}.Normalize()
	// Normalize snaps; intermediate rate limited steps must keep their exact value
	setting.Temperature = colortemp.Clamp(next)

	out := Outcome{Target: target, Setting: setting}
	if m.session == nil {
		m.state.Elevation = elevation
		return out, nil
	}

	if err := m.session.Apply(ctx, setting); err != nil {
		return out, m.fail(err)
	}

	out.Applied = true
	out.Changed = setting != m.state.Applied
	m.spendBudget(now, abs(setting.Temperature-m.state.Applied.Temperature), next == target)
	m.state.Applied = setting
	m.state.Elevation = elevation
	m.state.PolledAt = now
	m.jumpNext = false
	m.lastErr = nil
	m.failures = 0
	return out, nil
}

func (m *Machine) spendBudget(now time.Time, moved int, reached bool) {
	switch {
	case reached || m.jumpNext || m.budgetFrom.IsZero() || now.Before(m.budgetFrom):
		m.budgetFrom = now
	case moved > 0:
		m.budgetFrom = m.budgetFrom.Add(time.Duration(float64(moved) / m.period.Speed * float64(time.Second)))
	}
}

func (m *Machine) fail(err error) error {
	m.lastErr = err
	m.failures++
	return err
}

// SetMode switches between Automatic and Manual. Entering Manual keeps the
// last applied temperature as the manual value. It reports whether the mode
// changed.
func (m *Machine) SetMode(mode Mode) bool {
	if mode == m.state.Mode {
		return false
	}
	if mode == Manual {
		m.manual = colortemp.Clamp(colortemp.Snap(m.state.Applied.Temperature))
		m.jumpNext = true
	}
	m.state.Mode = mode
	return true
}

// SetManual stores an operator temperature, switching to Manual if needed.
// The value is clamped and snapped; the next tick applies it without rate
// limiting. It returns the value that will be applied.
func (m *Machine) SetManual(kelvin int) int {
	m.state.Mode = Manual
	m.manual = colortemp.Clamp(colortemp.Snap(kelvin))
	m.jumpNext = true
	return m.manual
}

// UpdatePeriod replaces the period; it takes effect on the next tick.
func (m *Machine) UpdatePeriod(p colortemp.Period) []colortemp.Issue {
	normalized, issues := p.Normalize()
	m.period = normalized
	return issues
}

// SetGamma replaces the per-channel gamma used for subsequent applies.
func (m *Machine) SetGamma(g [3]float64) []colortemp.Issue {
	s, issues := colortemp.Setting{
		Temperature: colortemp.NeutralTemperature,
		Brightness:  colortemp.MaxBrightness,
		Gamma:       g,
	}.Normalize()
	m.gamma = s.Gamma
	return issues
}

// SwitchBackend opens name and, on success, restores and closes the current
// session. When the new backend fails to open the current session stays;
// without a current session the machine keeps retrying the new name.
func (m *Machine) SwitchBackend(ctx context.Context, name, selector string) error {
	s, err := m.opener.Open(ctx, name, selector)
	if err != nil {
		if m.session == nil {
			m.backend, m.selector = name, selector
		}
		return m.fail(err)
	}

	m.release(ctx)
	m.backend, m.selector = name, selector
	m.attach(name, s)
	return nil
}

// Close restores the display and releases the session. Safe to call twice.
func (m *Machine) Close(ctx context.Context) error {
	return m.release(ctx)
}

func (m *Machine) release(ctx context.Context) error {
	if m.session == nil {
		return nil
	}
	s, name := m.session, m.active
	m.session, m.active = nil, ""

	var errs []error
	if err := s.Restore(ctx); err != nil {
		log.Warn().Err(err).Str("backend", name).Msg("Failed to restore gamma")
		errs = append(errs, err)
	}
	if err := s.Close(); err != nil {
		errs = append(errs, err)
	}
	log.Info().Str("backend", name).Msg("Gamma backend released")
	return errors.Join(errs...)
}

// State returns the current control state.
func (m *Machine) State() State {
	return m.state
}

// Status returns the full status snapshot.
func (m *Machine) Status() Status {
	st := Status{
		State:    m.state,
		Target:   m.target,
		Manual:   m.manual,
		Rising:   m.rising,
		Backend:  m.active,
		Degraded: m.session == nil,
		Failures: m.failures,
		Period:   m.period,
		Location: m.loc,
	}
	if st.Backend == "" {
		st.Backend = m.backend
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}
