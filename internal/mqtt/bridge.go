package mqtt

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shiftd/internal/control"
	"github.com/dokzlo13/shiftd/internal/eventbus"
)

const source = "mqtt"

// Topic layout under the configured prefix.
func StateTopic(prefix string) string        { return prefix + "/state" }
func AvailabilityTopic(prefix string) string { return prefix + "/availability" }
func ModeCommandTopic(prefix string) string  { return prefix + "/set/mode" }
func TempCommandTopic(prefix string) string  { return prefix + "/set/temperature" }
func RecomputeTopic(prefix string) string    { return prefix + "/recompute" }

// Controller is the part of *control.Controller the bridge drives.
type Controller interface {
	Snapshot() control.Status
	SetMode(ctx context.Context, source string, mode control.Mode) error
	SetManualTemperature(ctx context.Context, source string, kelvin int) (int, error)
	ForceRecompute(ctx context.Context, source string) error
}

// Bridge connects a Controller to an MQTT client.
type Bridge struct {
	client  Client
	ctrl    Controller
	prefix  string
	timeout time.Duration

	unsubscribe func()
}

// NewBridge creates a bridge publishing under prefix.
func NewBridge(client Client, ctrl Controller, prefix string, timeout time.Duration) *Bridge {
	return &Bridge{client: client, ctrl: ctrl, prefix: strings.TrimSuffix(prefix, "/"), timeout: timeout}
}

// Start connects, subscribes to the command topics and publishes the
// current state. bus events republish the state afterwards.
func (b *Bridge) Start(ctx context.Context, bus *eventbus.Bus) error {
	if err := b.client.Connect(ctx); err != nil {
		return err
	}

	subs := map[string]MessageHandler{
		ModeCommandTopic(b.prefix): b.handleMode,
		TempCommandTopic(b.prefix): b.handleTemperature,
		RecomputeTopic(b.prefix):   b.handleRecompute,
	}
	for topic, handler := range subs {
		if err := b.client.Subscribe(topic, 1, handler); err != nil {
			b.client.Disconnect()
			return err
		}
	}

	if err := b.client.Publish(AvailabilityTopic(b.prefix), 1, true, []byte("online")); err != nil {
		log.Warn().Err(err).Msg("Failed to publish availability")
	}
	b.PublishState()

	if bus != nil {
		b.unsubscribe = bus.Subscribe(func(eventbus.Event) { b.PublishState() },
			eventbus.EventStateChanged,
			eventbus.EventModeChanged,
			eventbus.EventBackendChanged,
			eventbus.EventApplyFailed,
			eventbus.EventClockChecked,
		)
	}
	return nil
}

// Stop marks the service offline and disconnects.
func (b *Bridge) Stop() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	if err := b.client.Publish(AvailabilityTopic(b.prefix), 1, true, []byte("offline")); err != nil {
		log.Debug().Err(err).Msg("Failed to publish availability")
	}
	b.client.Disconnect()
}

// PublishState publishes the controller snapshot, retained.
func (b *Bridge) PublishState() {
	payload, err := json.Marshal(b.ctrl.Snapshot())
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode state")
		return
	}
	if err := b.client.Publish(StateTopic(b.prefix), 0, true, payload); err != nil {
		log.Warn().Err(err).Msg("Failed to publish state")
	}
}

func (b *Bridge) handleMode(topic string, payload []byte) {
	mode, err := control.ParseMode(string(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Ignoring mode command")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.ctrl.SetMode(ctx, source, mode); err != nil {
		log.Error().Err(err).Str("mode", mode.String()).Msg("Mode command failed")
	}
}

func (b *Bridge) handleTemperature(topic string, payload []byte) {
	kelvin, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Ignoring temperature command")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if _, err := b.ctrl.SetManualTemperature(ctx, source, kelvin); err != nil {
		log.Error().Err(err).Int("temperature", kelvin).Msg("Temperature command failed")
	}
}

func (b *Bridge) handleRecompute(string, []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.ctrl.ForceRecompute(ctx, source); err != nil {
		log.Error().Err(err).Msg("Recompute command failed")
	}
}
