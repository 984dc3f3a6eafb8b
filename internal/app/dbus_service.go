package app

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shiftd/internal/config"
	"github.com/dokzlo13/shiftd/internal/dbusapi"
	"github.com/dokzlo13/shiftd/internal/eventbus"
)

// DBusService exports the controller on the session bus.
type DBusService struct {
	cfg     *config.Config
	control *ControlService
	bus     *eventbus.Bus
	conn    *dbus.Conn
	svc     *dbusapi.Service
}

// NewDBusService creates a new DBusService.
func NewDBusService(cfg *config.Config, control *ControlService, bus *eventbus.Bus) *DBusService {
	return &DBusService{cfg: cfg, control: control, bus: bus}
}

// Start connects and exports if enabled. Failures are logged; the
// controller runs without the export.
func (s *DBusService) Start(context.Context) {
	if !s.cfg.DBus.Enabled {
		return
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to session bus")
		return
	}

	svc := dbusapi.NewService(s.control.Controller(), s.cfg.Control.ApplyTimeout.Duration())
	if err := svc.Export(conn, s.bus); err != nil {
		log.Error().Err(err).Msg("Failed to export on session bus")
		conn.Close()
		return
	}
	s.conn = conn
	s.svc = svc
}

// Stop detaches from the event bus and closes the connection.
func (s *DBusService) Stop() {
	if s.svc != nil {
		s.svc.Stop()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
