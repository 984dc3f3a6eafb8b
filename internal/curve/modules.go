package curve

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/shiftd/internal/geo"
)

// logLoader exposes log.debug/info/warn(msg) to scripts.
func logLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "debug", L.NewFunction(logAt(zerolog.DebugLevel)))
	L.SetField(mod, "info", L.NewFunction(logAt(zerolog.InfoLevel)))
	L.SetField(mod, "warn", L.NewFunction(logAt(zerolog.WarnLevel)))
	L.Push(mod)
	return 1
}

func logAt(level zerolog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)
		log.WithLevel(level).Str("source", "lua").Msg(msg)
		return 0
	}
}

// sunModule gives scripts access to the configured location.
type sunModule struct {
	loc geo.Location
	now func() time.Time
}

func newSunModule(loc geo.Location, now func() time.Time) *sunModule {
	return &sunModule{loc: loc, now: now}
}

func (m *sunModule) loader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "now", L.NewFunction(m.unixNow))
	L.SetField(mod, "elevation", L.NewFunction(m.elevation))
	L.SetField(mod, "today", L.NewFunction(m.today))
	L.Push(mod)
	return 1
}

// now() -> unix seconds
func (m *sunModule) unixNow(L *lua.LState) int {
	L.Push(lua.LNumber(m.now().Unix()))
	return 1
}

// elevation(unix?) -> degrees, defaults to now
func (m *sunModule) elevation(L *lua.LState) int {
	at := float64(L.OptNumber(1, lua.LNumber(m.now().Unix())))
	e, err := geo.ElevationAt(at, m.loc.Latitude, m.loc.Longitude)
	if err != nil {
		L.RaiseError("sun.elevation: %v", err)
		return 0
	}
	L.Push(lua.LNumber(e))
	return 1
}

// today() -> {dawn, sunrise, noon, sunset, dusk} as unix seconds
func (m *sunModule) today(L *lua.LState) int {
	tz := time.UTC
	if m.loc.Timezone != "" {
		if loaded, err := time.LoadLocation(m.loc.Timezone); err == nil {
			tz = loaded
		}
	}
	times := geo.Times(m.now(), m.loc.Latitude, m.loc.Longitude, tz)

	result := L.NewTable()
	L.SetField(result, "dawn", lua.LNumber(times.Dawn.Unix()))
	L.SetField(result, "sunrise", lua.LNumber(times.Sunrise.Unix()))
	L.SetField(result, "noon", lua.LNumber(times.Noon.Unix()))
	L.SetField(result, "sunset", lua.LNumber(times.Sunset.Unix()))
	L.SetField(result, "dusk", lua.LNumber(times.Dusk.Unix()))
	L.Push(result)
	return 1
}
