// Package curve runs user supplied Lua elevation curves.
//
// A curve script defines a global function
//
//	function temperature(elevation, day, night, low, high) ... end
//
// returning the target temperature in Kelvin. The result is clamped and
// snapped like every other temperature.
package curve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/shiftd/internal/colortemp"
	"github.com/dokzlo13/shiftd/internal/geo"
)

const entryPoint = "temperature"

// DefaultTimeout bounds one evaluation of the curve.
const DefaultTimeout = 100 * time.Millisecond

// ErrNoEntryPoint is returned when the script does not define temperature().
var ErrNoEntryPoint = errors.New("curve script does not define temperature()")

// Options configure the Lua environment.
type Options struct {
	Timeout  time.Duration
	Location geo.Location
	Now      func() time.Time
}

// Lua evaluates a scripted curve. Safe for concurrent use; evaluations are
// serialized on one interpreter.
type Lua struct {
	mu      sync.Mutex
	L       *lua.LState
	fn      lua.LValue
	timeout time.Duration
	source  string
}

// Load reads and runs the script at path.
func Load(path string, opts Options) (*Lua, error) {
	return newLua(path, opts, func(L *lua.LState) error { return L.DoFile(path) })
}

// FromString runs an in-memory script.
func FromString(source string, opts Options) (*Lua, error) {
	return newLua("<inline>", opts, func(L *lua.LState) error { return L.DoString(source) })
}

func newLua(name string, opts Options, run func(*lua.LState) error) (*Lua, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	L := lua.NewState()
	L.PreloadModule("log", logLoader)
	L.PreloadModule("sun", newSunModule(opts.Location, opts.Now).loader)

	if err := run(L); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to execute curve script %s: %w", name, err)
	}

	fn := L.GetGlobal(entryPoint)
	if fn.Type() != lua.LTFunction {
		L.Close()
		return nil, ErrNoEntryPoint
	}

	log.Info().Str("script", name).Dur("timeout", opts.Timeout).Msg("Curve script loaded")
	return &Lua{L: L, fn: fn, timeout: opts.Timeout, source: name}, nil
}

// Target evaluates the script for elevation and period p.
func (c *Lua) Target(elevation float64, p colortemp.Period) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	c.L.SetContext(ctx)
	defer c.L.RemoveContext()

	err := c.L.CallByParam(lua.P{Fn: c.fn, NRet: 1, Protect: true},
		lua.LNumber(elevation),
		lua.LNumber(p.Day),
		lua.LNumber(p.Night),
		lua.LNumber(p.Low),
		lua.LNumber(p.High),
	)
	if err != nil {
		return 0, fmt.Errorf("curve %s: %w", c.source, err)
	}

	ret := c.L.Get(-1)
	c.L.Pop(1)
	n, ok := ret.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("curve %s: temperature() returned %s, want number", c.source, ret.Type())
	}
	return colortemp.Clamp(colortemp.Snap(int(n))), nil
}

// Close releases the interpreter.
func (c *Lua) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.L.Close()
}
