// Package app wires the controller, its command surfaces and their storage
// into one process lifecycle.
package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shiftd/internal/config"
)

// App owns the Services and the process context.
type App struct {
	cfg      *config.Config
	services *Services

	ctx    context.Context
	cancel context.CancelCauseFunc

	reloadMu sync.Mutex
}

// New opens storage and builds every service without starting any.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// ResetState clears persisted operator state. Call before Start.
func (a *App) ResetState() error {
	log.Info().Msg("Resetting persisted state")
	return a.services.ResetState()
}

// Start resolves the location, attaches the gamma backend and starts the
// enabled surfaces. A background failure cancels ctx with the failure as cause.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancelCause(ctx)

	onFatalError := func(err error) {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		a.cancel(err)
	}

	if err := a.services.Start(a.ctx, onFatalError); err != nil {
		a.cancel(err)
		return err
	}

	log.Info().Str("backend", a.cfg.Backend.Name).Msg("shiftd started")
	return nil
}

// Reload re-reads the configuration at path and applies the parts that can
// change at runtime: period, gamma and backend. Concurrent reloads run one
// at a time.
func (a *App) Reload(path string) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	for _, issue := range cfg.Normalize() {
		log.Warn().Str("field", issue.Field).Interface("value", issue.Value).Interface("used", issue.Used).
			Msg("Configuration value adjusted")
	}
	if err := a.services.Reload(a.ctx, cfg); err != nil {
		return err
	}
	log.Info().Str("config", path).Msg("Configuration reloaded")
	return nil
}

// Wait blocks until the app stops and returns the fatal error that stopped
// it, or nil for a signal or parent cancellation.
func (a *App) Wait() error {
	if a.ctx == nil {
		return nil
	}
	<-a.ctx.Done()
	if cause := context.Cause(a.ctx); cause != a.ctx.Err() {
		return cause
	}
	return nil
}

// Stop cancels the app context and waits for the controller to restore the
// display before releasing storage.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")
	if a.cancel != nil {
		a.cancel(nil)
	}
	return a.services.Stop()
}
