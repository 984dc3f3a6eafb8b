//go:build windows

package gamma

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/windows"

	"github.com/dokzlo13/shiftd/internal/colortemp"
)

var (
	modUser32 = windows.NewLazySystemDLL("user32.dll")
	modGdi32  = windows.NewLazySystemDLL("gdi32.dll")

	procGetDC              = modUser32.NewProc("GetDC")
	procReleaseDC          = modUser32.NewProc("ReleaseDC")
	procSetDeviceGammaRamp = modGdi32.NewProc("SetDeviceGammaRamp")
	procGetDeviceGammaRamp = modGdi32.NewProc("GetDeviceGammaRamp")
)

// gdiRamp is the fixed 3x256 layout SetDeviceGammaRamp expects.
type gdiRamp [3][256]uint16

// GDI sets the primary display ramp with SetDeviceGammaRamp.
type GDI struct{}

func (GDI) Name() string { return "gdi" }

type gdiSession struct {
	hdc   uintptr
	saved gdiRamp
}

// Open grabs the screen DC and saves the current ramp. The selector is ignored.
func (b GDI) Open(ctx context.Context, selector string) (Session, error) {
	if selector != "" {
		log.Warn().Str("selector", selector).Msg("GDI backend ignores display selector")
	}

	s, err := Call(ctx, func() (*gdiSession, error) {
		hdc, _, err := procGetDC.Call(0)
		if hdc == 0 {
			return nil, fmt.Errorf("GetDC: %w", err)
		}
		s := &gdiSession{hdc: hdc}
		ret, _, err := procGetDeviceGammaRamp.Call(hdc, uintptr(unsafe.Pointer(&s.saved)))
		if ret == 0 {
			procReleaseDC.Call(0, hdc)
			return nil, fmt.Errorf("GetDeviceGammaRamp: %w", err)
		}
		return s, nil
	})
	if err != nil {
		return nil, Unavailable(b.Name(), err)
	}

	log.Info().Msg("GDI gamma session opened")
	return s, nil
}

func (s *gdiSession) Apply(ctx context.Context, setting colortemp.Setting) error {
	ramp := BuildRamp(256, setting)
	var raw gdiRamp
	copy(raw[0][:], ramp.Red)
	copy(raw[1][:], ramp.Green)
	copy(raw[2][:], ramp.Blue)

	if err := Do(ctx, func() error { return s.set(&raw) }); err != nil {
		return applyFailed("gdi", setting, err)
	}
	return nil
}

func (s *gdiSession) Restore(ctx context.Context) error {
	return Do(ctx, func() error { return s.set(&s.saved) })
}

func (s *gdiSession) set(r *gdiRamp) error {
	ret, _, err := procSetDeviceGammaRamp.Call(s.hdc, uintptr(unsafe.Pointer(r)))
	if ret == 0 {
		if err == nil || errors.Is(err, windows.ERROR_SUCCESS) {
			err = errors.New("rejected by driver")
		}
		return fmt.Errorf("SetDeviceGammaRamp: %w", err)
	}
	return nil
}

func (s *gdiSession) Close() error {
	procReleaseDC.Call(0, s.hdc)
	return nil
}

// PlatformBackends returns the backends only available on this OS.
func PlatformBackends() []Backend {
	return []Backend{GDI{}}
}
