package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shiftd/internal/config"
	"github.com/dokzlo13/shiftd/internal/control"
	"github.com/dokzlo13/shiftd/internal/curve"
	"github.com/dokzlo13/shiftd/internal/eventbus"
	"github.com/dokzlo13/shiftd/internal/gamma"
	"github.com/dokzlo13/shiftd/internal/geo"
	"github.com/dokzlo13/shiftd/internal/ledger"
	"github.com/dokzlo13/shiftd/internal/state"
)

const operatorKey = "operator"

// OperatorState is the part of the controller an operator sets and expects
// back after a restart.
type OperatorState struct {
	Mode   string `json:"mode"`
	Manual int    `json:"manual"`
}

// ControlService owns the controller goroutine.
type ControlService struct {
	cfg      *config.Config
	backends *gamma.Registry
	bus      *eventbus.Bus
	ledger   *ledger.Ledger
	operator *state.Typed[OperatorState] // nil when persistence is off

	saveMu     sync.Mutex
	curve      *curve.Lua
	controller *control.Controller
	backend    config.BackendConfig
	done       chan struct{}
}

// NewControlService creates a ControlService. l and operator may be nil.
func NewControlService(
	cfg *config.Config,
	backends *gamma.Registry,
	bus *eventbus.Bus,
	l *ledger.Ledger,
	operator *state.Typed[OperatorState],
) *ControlService {
	return &ControlService{
		cfg:      cfg,
		backends: backends,
		bus:      bus,
		ledger:   l,
		operator: operator,
		backend:  cfg.Backend,
		done:     make(chan struct{}),
	}
}

// Controller returns the running controller, nil before Start.
func (s *ControlService) Controller() *control.Controller {
	return s.controller
}

// Start builds the machine for loc, attaches the backend and runs the
// controller. An unavailable backend is fatal unless backend.degrade is set.
func (s *ControlService) Start(ctx context.Context, loc geo.Location, onFatalError func(error)) error {
	for _, issue := range s.cfg.Normalize() {
		log.Warn().Str("field", issue.Field).Interface("value", issue.Value).Interface("used", issue.Used).
			Msg("Configuration value adjusted")
	}

	mode, err := control.ParseMode(s.cfg.Control.Mode)
	if err != nil {
		return fmt.Errorf("control.mode: %w", err)
	}
	manual := s.cfg.Control.ManualTemperature
	mode, manual = s.restoreOperator(mode, manual)

	var c control.Curve
	if path := s.cfg.Control.CurveScript; path != "" {
		s.curve, err = curve.Load(path, curve.Options{Location: loc})
		if err != nil {
			return fmt.Errorf("failed to load curve script: %w", err)
		}
		c = s.curve
		log.Info().Str("path", path).Msg("Loaded curve script")
	}

	m := control.NewMachine(s.backends, control.MachineConfig{
		Location:          loc,
		Period:            s.cfg.PeriodSettings(),
		Gamma:             s.cfg.Color.Gamma,
		Mode:              mode,
		ManualTemperature: manual,
		Backend:           s.cfg.Backend.Name,
		Selector:          s.cfg.Backend.Display,
		Fallback:          s.cfg.Backend.Fallback,
		Curve:             c,
	})

	openCtx, cancel := context.WithTimeout(ctx, s.cfg.Control.ApplyTimeout.Duration())
	err = m.Open(openCtx)
	cancel()
	if err != nil {
		if !s.cfg.Backend.Degrade {
			return fmt.Errorf("gamma backend %q: %w", s.cfg.Backend.Name, err)
		}
		log.Warn().Err(err).Str("backend", s.cfg.Backend.Name).
			Msg("No gamma backend available, running degraded until one appears")
	}

	opts := control.Options{
		PollInterval:    s.cfg.Control.PollInterval.Duration(),
		ApplyTimeout:    s.cfg.Control.ApplyTimeout.Duration(),
		ApplyRateLimit:  s.cfg.Control.ApplyRateLimit,
		ShutdownTimeout: s.cfg.ShutdownTimeout.Duration(),
		Bus:             s.bus,
	}
	if s.ledger != nil {
		opts.Recorder = s.ledger
	}
	s.controller = control.NewController(m, opts)

	if s.operator != nil && s.bus != nil {
		s.bus.Subscribe(func(eventbus.Event) { s.saveOperator() },
			eventbus.EventModeChanged,
			eventbus.EventStateChanged,
		)
	}

	log.Info().
		Str("location", loc.Name).
		Float64("lat", loc.Latitude).
		Float64("lon", loc.Longitude).
		Str("mode", mode.String()).
		Strs("backends", s.backends.Names()).
		Msg("Starting controller")

	go func() {
		defer close(s.done)
		if err := s.controller.Run(ctx); err != nil {
			onFatalError(err)
		}
	}()
	return nil
}

// restoreOperator overrides the configured mode and manual value with the
// persisted ones, if any.
func (s *ControlService) restoreOperator(mode control.Mode, manual int) (control.Mode, int) {
	if s.operator == nil {
		return mode, manual
	}
	saved, found, err := s.operator.Get(operatorKey)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring persisted operator state")
		return mode, manual
	}
	if !found {
		return mode, manual
	}
	restored, err := control.ParseMode(saved.Mode)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring persisted operator state")
		return mode, manual
	}
	if saved.Manual > 0 {
		manual = saved.Manual
	}
	log.Info().Str("mode", restored.String()).Int("manual", manual).Msg("Restored operator state")
	return restored, manual
}

// saveOperator persists the current mode and manual value.
func (s *ControlService) saveOperator() {
	if s.operator == nil || s.controller == nil {
		return
	}
	// Serialized so the last writer always holds the newest snapshot
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	st := s.controller.Snapshot()
	if err := s.operator.Set(operatorKey, OperatorState{Mode: st.Mode.String(), Manual: st.Manual}); err != nil {
		log.Warn().Err(err).Msg("Failed to persist operator state")
	}
}

// Reload pushes period, gamma and backend changes to the running controller.
func (s *ControlService) Reload(ctx context.Context, cfg *config.Config) error {
	if s.controller == nil {
		return nil
	}
	const source = "reload"

	// The controller logs every adjusted value
	if _, err := s.controller.UpdatePeriod(ctx, source, cfg.PeriodSettings()); err != nil {
		return err
	}
	if _, err := s.controller.SetGamma(ctx, source, cfg.Color.Gamma); err != nil {
		return err
	}

	if cfg.Backend.Name != s.backend.Name || cfg.Backend.Display != s.backend.Display {
		if err := s.controller.SelectBackend(ctx, source, cfg.Backend.Name, cfg.Backend.Display); err != nil {
			return err
		}
		s.backend = cfg.Backend
		return nil
	}
	return s.controller.ForceRecompute(ctx, source)
}

// Wait blocks until the controller has released the backend, or timeout.
func (s *ControlService) Wait(timeout time.Duration) {
	if s.controller == nil {
		return
	}
	select {
	case <-s.done:
		s.saveOperator()
	case <-time.After(timeout):
		log.Warn().Msg("Controller did not stop in time")
	}
}

// Close releases the curve interpreter.
func (s *ControlService) Close() {
	if s.curve != nil {
		s.curve.Close()
	}
}
