package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shiftd/internal/config"
	"github.com/dokzlo13/shiftd/internal/eventbus"
	"github.com/dokzlo13/shiftd/internal/mqtt"
)

// MQTTService bridges the controller to an MQTT broker.
type MQTTService struct {
	cfg     *config.Config
	control *ControlService
	bus     *eventbus.Bus
	bridge  *mqtt.Bridge
}

// NewMQTTService creates a new MQTTService.
func NewMQTTService(cfg *config.Config, control *ControlService, bus *eventbus.Bus) *MQTTService {
	return &MQTTService{cfg: cfg, control: control, bus: bus}
}

// Start connects in the background if enabled; paho keeps retrying.
func (s *MQTTService) Start(ctx context.Context) {
	if !s.cfg.MQTT.Enabled {
		return
	}

	bridge := mqtt.NewBridge(
		mqtt.NewClient(s.cfg.MQTT),
		s.control.Controller(),
		s.cfg.MQTT.TopicPrefix,
		s.cfg.Control.ApplyTimeout.Duration(),
	)
	if err := bridge.Start(ctx, s.bus); err != nil {
		log.Error().Err(err).Msg("MQTT bridge failed to start")
		return
	}
	s.bridge = bridge
}

// Stop publishes offline availability and disconnects.
func (s *MQTTService) Stop() {
	if s.bridge != nil {
		s.bridge.Stop()
	}
}
