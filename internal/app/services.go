package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shiftd/internal/config"
	"github.com/dokzlo13/shiftd/internal/db"
	"github.com/dokzlo13/shiftd/internal/eventbus"
	"github.com/dokzlo13/shiftd/internal/gamma"
	"github.com/dokzlo13/shiftd/internal/geo"
	"github.com/dokzlo13/shiftd/internal/ledger"
	"github.com/dokzlo13/shiftd/internal/state"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB      *db.DB
	Ledger  *ledger.Ledger // nil when disabled
	State   *state.Store
	Bus     *eventbus.Bus
	Locator *geo.Locator

	// Gamma backends by name
	Backends *gamma.Registry

	// High-level services
	Control *ControlService
	Status  *StatusService
	DBus    *DBusService
	MQTT    *MQTTService
	Clock   *ClockService
}

// NewBackendRegistry registers every backend the build supports.
func NewBackendRegistry(cfg config.BackendConfig) *gamma.Registry {
	r := gamma.NewRegistry(
		gamma.RandR{},
		gamma.WLGammaRelay{},
		&gamma.Hue{Bridge: cfg.Hue.Bridge, Token: cfg.Hue.Token, Groups: cfg.Hue.Groups},
		gamma.NewDummy(),
	)
	for _, b := range gamma.PlatformBackends() {
		r.Register(b)
	}
	return r
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	if cfg.Ledger.IsEnabled() {
		s.Ledger = ledger.New(database.DB)
	}

	s.State = state.NewStore(database.DB)
	var operator *state.Typed[OperatorState]
	if cfg.Control.PersistState {
		operator = state.NewTyped[OperatorState](s.State, "control")
	}

	s.Bus = eventbus.New()
	s.Locator = newLocator(cfg.Location, geo.NewCache(database.DB, cfg.Location.CacheTTL.Duration()))
	s.Backends = NewBackendRegistry(cfg.Backend)

	s.Control = NewControlService(cfg, s.Backends, s.Bus, s.Ledger, operator)
	s.Status = NewStatusService(cfg, s.Control, s.Ledger)
	s.DBus = NewDBusService(cfg, s.Control, s.Bus)
	s.MQTT = NewMQTTService(cfg, s.Control, s.Bus)
	s.Clock = NewClockService(cfg, s.Control, s.Bus)

	return s, nil
}

func newLocator(cfg config.LocationConfig, cache *geo.Cache) *geo.Locator {
	opts := []geo.LocatorOption{
		geo.WithCache(cache),
		geo.WithHTTPTimeout(cfg.HTTPTimeout.Duration()),
	}
	if cfg.HasCoordinates() {
		opts = append(opts, geo.WithFixedLocation(geo.Location{
			Name:      cfg.Name,
			Latitude:  *cfg.Lat,
			Longitude: *cfg.Lon,
			Timezone:  cfg.Timezone,
		}))
	} else {
		log.Warn().Msg("No lat/lon configured, will use Nominatim geocoding (cached in SQLite)")
	}
	return geo.NewLocator(opts...)
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a background service fails.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	loc, err := s.Locator.Resolve(ctx, s.cfg.Location.Name)
	if err != nil {
		return err
	}
	if loc.Timezone == "" {
		loc.Timezone = s.cfg.Location.Timezone
	}

	if err := s.Control.Start(ctx, loc, onFatalError); err != nil {
		return err
	}

	s.Status.Start(ctx)
	s.DBus.Start(ctx)
	s.MQTT.Start(ctx)
	s.Clock.Start(ctx)

	if s.Ledger != nil {
		go s.runLedgerCleanup(ctx)
	}
	return nil
}

// ResetState forgets persisted operator choices.
func (s *Services) ResetState() error {
	return s.State.Clear("")
}

// Reload applies the runtime-changeable parts of cfg.
func (s *Services) Reload(ctx context.Context, cfg *config.Config) error {
	return s.Control.Reload(ctx, cfg)
}

// runLedgerCleanup periodically cleans up old ledger entries.
func (s *Services) runLedgerCleanup(ctx context.Context) {
	retention := s.cfg.Ledger.RetentionPeriod.Duration()
	interval := s.cfg.Ledger.RetentionInterval.Duration()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.Ledger.DeleteOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
			}
		}
	}
}

// Stop gracefully stops all services. The context must already be
// cancelled; Stop waits for the controller to restore the display.
func (s *Services) Stop() error {
	s.Control.Wait(s.cfg.ShutdownTimeout.Duration())
	s.MQTT.Stop()
	s.DBus.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()
	s.Bus.Close(ctx)

	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	s.Control.Close()
	if s.DB != nil {
		s.DB.Close()
	}
}
