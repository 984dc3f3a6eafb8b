package app

import (
	"context"

	"github.com/dokzlo13/shiftd/internal/clock"
	"github.com/dokzlo13/shiftd/internal/config"
	"github.com/dokzlo13/shiftd/internal/control"
	"github.com/dokzlo13/shiftd/internal/eventbus"
)

// ClockService periodically validates the local clock against NTP.
type ClockService struct {
	cfg     *config.Config
	control *ControlService
	bus     *eventbus.Bus
}

// NewClockService creates a new ClockService.
func NewClockService(cfg *config.Config, control *ControlService, bus *eventbus.Bus) *ClockService {
	return &ClockService{cfg: cfg, control: control, bus: bus}
}

// Start begins periodic checks if enabled.
func (s *ClockService) Start(ctx context.Context) {
	if !s.cfg.Clock.Enabled {
		return
	}

	checker := clock.NewChecker(s.cfg.Clock.Server, s.cfg.Clock.MaxSkew.Duration(), nil)
	go checker.Run(ctx, s.cfg.Clock.CheckInterval.Duration(), s.cfg.Location.HTTPTimeout.Duration(), s.report)
}

func (s *ClockService) report(res clock.Result) {
	cs := control.ClockStatus{Checked: res.Checked, Skew: res.Skew, Healthy: res.Healthy}
	if res.Err != nil {
		cs.Error = res.Err.Error()
	}
	s.control.Controller().ReportClock(cs)
	s.bus.Publish(eventbus.Event{
		Type: eventbus.EventClockChecked,
		Data: map[string]any{"healthy": cs.Healthy, "skew": cs.Skew.String(), "error": cs.Error},
	})
}
