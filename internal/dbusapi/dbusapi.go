// Package dbusapi exports the controller on the session bus.
package dbusapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shiftd/internal/control"
	"github.com/dokzlo13/shiftd/internal/eventbus"
)

const (
	ServiceName   = "io.github.dokzlo13.shiftd"
	ObjectPath    = "/io/github/dokzlo13/shiftd"
	InterfaceName = "io.github.dokzlo13.shiftd.Control"

	temperatureProp = "Temperature"
	brightnessProp  = "Brightness"
	modeProp        = "Mode"
	elevationProp   = "Elevation"
	backendProp     = "Backend"
	degradedProp    = "Degraded"

	source = "dbus"
)

// Controller is the part of *control.Controller exported on the bus.
type Controller interface {
	Snapshot() control.Status
	SetMode(ctx context.Context, source string, mode control.Mode) error
	SetManualTemperature(ctx context.Context, source string, kelvin int) (int, error)
	ForceRecompute(ctx context.Context, source string) error
}

// Service holds the exported methods. Method names are the bus method names.
type Service struct {
	ctrl    Controller
	timeout time.Duration

	mu    sync.Mutex
	props *prop.Properties

	unsubscribe func()
}

// NewService creates a service for ctrl; timeout bounds each method call.
func NewService(ctrl Controller, timeout time.Duration) *Service {
	return &Service{ctrl: ctrl, timeout: timeout}
}

// Stop detaches the service from the event bus.
func (s *Service) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// SetMode switches between "automatic" and "manual".
func (s *Service) SetMode(mode string) *dbus.Error {
	m, err := control.ParseMode(mode)
	if err != nil {
		return dbus.MakeFailedError(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.ctrl.SetMode(ctx, source, m); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// SetTemperature enters Manual mode at kelvin and returns the value used.
func (s *Service) SetTemperature(kelvin uint16) (uint16, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	used, err := s.ctrl.SetManualTemperature(ctx, source, int(kelvin))
	if err != nil {
		return uint16(used), dbus.MakeFailedError(err)
	}
	return uint16(used), nil
}

// Recompute forces a tick.
func (s *Service) Recompute() *dbus.Error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.ctrl.ForceRecompute(ctx, source); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// Sync copies the controller snapshot into the exported properties, emitting
// PropertiesChanged for values that differ.
func (s *Service) Sync() {
	s.mu.Lock()
	props := s.props
	s.mu.Unlock()
	if props == nil {
		return
	}

	for name, value := range propValues(s.ctrl.Snapshot()) {
		current, err := props.Get(InterfaceName, name)
		if err == nil && current.Value() == value.Value() {
			continue
		}
		props.SetMust(InterfaceName, name, value.Value())
	}
}

func propValues(st control.Status) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		temperatureProp: dbus.MakeVariant(uint16(st.Applied.Temperature)),
		brightnessProp:  dbus.MakeVariant(st.Applied.Brightness),
		modeProp:        dbus.MakeVariant(st.Mode.String()),
		elevationProp:   dbus.MakeVariant(st.Elevation),
		backendProp:     dbus.MakeVariant(st.Backend),
		degradedProp:    dbus.MakeVariant(st.Degraded),
	}
}

// Export claims ServiceName on conn and exports the object. The properties
// follow the controller through bus events, including steady ticks so
// Elevation stays current.
func (s *Service) Export(conn *dbus.Conn, bus *eventbus.Bus) error {
	reply, err := conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", ServiceName)
	}

	propsSpec := map[string]map[string]*prop.Prop{InterfaceName: {}}
	for name, value := range propValues(s.ctrl.Snapshot()) {
		propsSpec[InterfaceName][name] = &prop.Prop{
			Value:    value.Value(),
			Writable: false,
			Emit:     prop.EmitTrue,
		}
	}

	props, err := prop.Export(conn, dbus.ObjectPath(ObjectPath), propsSpec)
	if err != nil {
		return fmt.Errorf("export properties failed: %w", err)
	}
	s.mu.Lock()
	s.props = props
	s.mu.Unlock()

	if err := conn.Export(s, dbus.ObjectPath(ObjectPath), InterfaceName); err != nil {
		return fmt.Errorf("failed to register interface: %w", err)
	}

	node := &introspect.Node{
		Name: ObjectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       InterfaceName,
				Methods:    introspect.Methods(s),
				Properties: props.Introspection(InterfaceName),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), dbus.ObjectPath(ObjectPath),
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspectable failed: %w", err)
	}

	if bus != nil {
		s.unsubscribe = bus.Subscribe(func(eventbus.Event) { s.Sync() },
			eventbus.EventStateChanged,
			eventbus.EventModeChanged,
			eventbus.EventBackendChanged,
			eventbus.EventApplyFailed,
			eventbus.EventTicked,
		)
	}

	log.Info().Str("name", ServiceName).Str("path", ObjectPath).Msg("Exported on session bus")
	return nil
}
