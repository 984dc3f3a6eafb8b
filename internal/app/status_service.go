package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shiftd/internal/config"
	"github.com/dokzlo13/shiftd/internal/ledger"
	"github.com/dokzlo13/shiftd/internal/status"
)

// StatusService serves the HTTP status and command API.
type StatusService struct {
	cfg     *config.Config
	control *ControlService
	ledger  *ledger.Ledger
}

// NewStatusService creates a new StatusService.
func NewStatusService(cfg *config.Config, control *ControlService, l *ledger.Ledger) *StatusService {
	return &StatusService{cfg: cfg, control: control, ledger: l}
}

// Start begins the server if enabled.
func (s *StatusService) Start(ctx context.Context) {
	if !s.cfg.Status.Enabled {
		return
	}

	var history status.History
	if s.ledger != nil {
		history = s.ledger
	}
	srv := status.NewServer(s.cfg.Status.Addr(), s.control.Controller(), history)

	go func() {
		if err := srv.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("Status server error")
		}
	}()
}
