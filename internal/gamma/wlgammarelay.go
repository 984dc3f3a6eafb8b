package gamma

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shiftd/internal/colortemp"
)

const (
	gammarelayService   = "rs.wl-gammarelay"
	gammarelayPath      = "/"
	gammarelayInterface = "rs.wl.gammarelay"

	propertiesGet = "org.freedesktop.DBus.Properties.Get"
	propertiesSet = "org.freedesktop.DBus.Properties.Set"
)

// WLGammaRelay adjusts Wayland outputs through a running wl-gammarelay
// daemon, which exports Temperature and Brightness over the session bus.
// Per-channel gamma is not supported by the daemon and is ignored.
type WLGammaRelay struct{}

func (WLGammaRelay) Name() string { return "wlgammarelay" }

type gammarelaySession struct {
	conn *dbus.Conn
	obj  dbus.BusObject

	savedTemperature uint16
	savedBrightness  float64
}

// Open connects to the session bus, or to the bus address given as selector,
// and reads the daemon's current values so Restore can put them back.
func (b WLGammaRelay) Open(ctx context.Context, selector string) (Session, error) {
	conn, err := Call(ctx, func() (*dbus.Conn, error) {
		if selector == "" {
			return dbus.ConnectSessionBus()
		}
		return dbus.Connect(selector)
	})
	if err != nil {
		return nil, Unavailable(b.Name(), fmt.Errorf("connect to dbus: %w", err))
	}

	s := &gammarelaySession{
		conn: conn,
		obj:  conn.Object(gammarelayService, gammarelayPath),
	}

	temp, err := s.get(ctx, "Temperature")
	if err != nil {
		conn.Close()
		return nil, Unavailable(b.Name(), err)
	}
	bri, err := s.get(ctx, "Brightness")
	if err != nil {
		conn.Close()
		return nil, Unavailable(b.Name(), err)
	}

	var ok bool
	if s.savedTemperature, ok = temp.Value().(uint16); !ok {
		s.savedTemperature = colortemp.NeutralTemperature
	}
	if s.savedBrightness, ok = bri.Value().(float64); !ok {
		s.savedBrightness = 1
	}

	log.Info().
		Uint16("temperature", s.savedTemperature).
		Float64("brightness", s.savedBrightness).
		Msg("wl-gammarelay session opened")
	return s, nil
}

func (s *gammarelaySession) get(ctx context.Context, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := s.obj.CallWithContext(ctx, propertiesGet, 0, gammarelayInterface, prop).Store(&v)
	if err != nil {
		return dbus.Variant{}, fmt.Errorf("get %s: %w", prop, err)
	}
	return v, nil
}

func (s *gammarelaySession) set(ctx context.Context, prop string, value any) error {
	call := s.obj.CallWithContext(ctx, propertiesSet, 0, gammarelayInterface, prop, dbus.MakeVariant(value))
	if call.Err != nil {
		return fmt.Errorf("set %s: %w", prop, call.Err)
	}
	return nil
}

// Apply sets absolute values; the daemon itself skips no-op updates.
func (s *gammarelaySession) Apply(ctx context.Context, setting colortemp.Setting) error {
	if err := s.set(ctx, "Temperature", uint16(setting.Temperature)); err != nil {
		return applyFailed("wlgammarelay", setting, err)
	}
	if err := s.set(ctx, "Brightness", setting.Brightness); err != nil {
		return applyFailed("wlgammarelay", setting, err)
	}
	return nil
}

func (s *gammarelaySession) Restore(ctx context.Context) error {
	if err := s.set(ctx, "Temperature", s.savedTemperature); err != nil {
		return err
	}
	return s.set(ctx, "Brightness", s.savedBrightness)
}

func (s *gammarelaySession) Close() error {
	return s.conn.Close()
}
