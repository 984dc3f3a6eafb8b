package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/shiftd/internal/colortemp"
	"github.com/dokzlo13/shiftd/internal/gamma"
	"github.com/dokzlo13/shiftd/internal/geo"
)

// fixedCurve returns whatever value the test stores in it.
type fixedCurve struct{ k int }

func (c *fixedCurve) Target(float64, colortemp.Period) (int, error) { return c.k, nil }

var (
	ottawa = geo.Location{Latitude: 45, Longitude: -75}
	// 12:00 local solar time at ottawa
	solarNoon = time.Date(2024, 6, 21, 17, 0, 0, 0, time.UTC)
)

func newTestMachine(t *testing.T, cfg MachineConfig) (*Machine, *gamma.Dummy) {
	t.Helper()
	d := gamma.NewDummy()
	if cfg.Backend == "" {
		cfg.Backend = "dummy"
	}
	if cfg.Period == (colortemp.Period{}) {
		cfg.Period = colortemp.DefaultPeriod()
	}
	if cfg.Location == (geo.Location{}) {
		cfg.Location = ottawa
	}
	cfg.Gamma = [3]float64{1, 1, 1}
	m := NewMachine(gamma.NewRegistry(d), cfg)
	require.NoError(t, m.Open(context.Background()))
	return m, d
}

func TestMachine_AutomaticFollowsSun(t *testing.T) {
	m, d := newTestMachine(t, MachineConfig{})

	out, err := m.Tick(context.Background(), solarNoon)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, colortemp.DefaultDay, d.Current().Temperature)
	assert.Greater(t, m.State().Elevation, 60.0)

	// Local midnight; first tick already happened so speed applies
	midnight := time.Date(2024, 6, 22, 5, 0, 0, 0, time.UTC)
	_, err = m.Tick(context.Background(), midnight)
	require.NoError(t, err)
	assert.Equal(t, colortemp.DefaultNight, m.State().Applied.Temperature, "12 hours at 100K/s covers the gap")
	assert.Less(t, m.State().Elevation, 0.0)
}

func TestMachine_ManualAppliesExactly(t *testing.T) {
	m, d := newTestMachine(t, MachineConfig{})

	_, err := m.Tick(context.Background(), solarNoon)
	require.NoError(t, err)

	assert.Equal(t, 4200, m.SetManual(4200))
	assert.Equal(t, Manual, m.State().Mode)

	// One second later: 100K/s would allow only 100K, manual ignores the cap
	_, err = m.Tick(context.Background(), solarNoon.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 4200, d.Current().Temperature)

	// Elevation does not matter in Manual
	_, err = m.Tick(context.Background(), solarNoon.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4200, d.Current().Temperature)
}

func TestMachine_ManualIsClampedAndSnapped(t *testing.T) {
	m, _ := newTestMachine(t, MachineConfig{})

	assert.Equal(t, colortemp.MinTemperature, m.SetManual(100))
	assert.Equal(t, colortemp.MaxTemperature, m.SetManual(99999))
	assert.Equal(t, 4300, m.SetManual(4251))
}

func TestMachine_RateLimiting(t *testing.T) {
	curve := &fixedCurve{k: 6500}
	m, _ := newTestMachine(t, MachineConfig{Curve: curve})
	ctx := context.Background()
	t0 := solarNoon

	_, err := m.Tick(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, 6500, m.State().Applied.Temperature)

	curve.k = 3700
	out, err := m.Tick(ctx, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3700, out.Target)
	assert.Equal(t, 6000, m.State().Applied.Temperature)

	_, err = m.Tick(ctx, t0.Add(7*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 5800, m.State().Applied.Temperature)

	// Speed 0 jumps
	p := colortemp.DefaultPeriod()
	p.Speed = 0
	assert.Empty(t, m.UpdatePeriod(p))
	_, err = m.Tick(ctx, t0.Add(8*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3700, m.State().Applied.Temperature)
}

func TestMachine_SlowSpeedAccumulates(t *testing.T) {
	curve := &fixedCurve{k: 6500}
	p := colortemp.DefaultPeriod()
	p.Speed = 0.1
	m, _ := newTestMachine(t, MachineConfig{Curve: curve, Period: p})
	ctx := context.Background()

	_, err := m.Tick(ctx, solarNoon)
	require.NoError(t, err)

	// 0.5K per 5s tick, below one Kelvin
	curve.k = 3700
	for i := 1; i <= 720; i++ {
		_, err = m.Tick(ctx, solarNoon.Add(time.Duration(i)*5*time.Second))
		require.NoError(t, err)
	}
	// One hour at 0.1K/s
	assert.InDelta(t, 6500-360, m.State().Applied.Temperature, 1)
}

func TestMachine_FractionalBudgetCarries(t *testing.T) {
	curve := &fixedCurve{k: 6500}
	p := colortemp.DefaultPeriod()
	p.Speed = 7
	m, _ := newTestMachine(t, MachineConfig{Curve: curve, Period: p})
	ctx := context.Background()

	_, err := m.Tick(ctx, solarNoon)
	require.NoError(t, err)

	curve.k = 3700
	prev := 6500
	for i := 1; i <= 10; i++ {
		_, err = m.Tick(ctx, solarNoon.Add(time.Duration(i)*1100*time.Millisecond))
		require.NoError(t, err)
		applied := m.State().Applied.Temperature
		// Never more than the 7.7K of one tick plus the carried fraction
		assert.LessOrEqual(t, prev-applied, 8)
		prev = applied
	}
	moved := 6500 - m.State().Applied.Temperature
	assert.GreaterOrEqual(t, moved, 76, "11s at 7K/s")
	assert.LessOrEqual(t, moved, 77)
}

func TestMachine_ModeSwitches(t *testing.T) {
	curve := &fixedCurve{k: 6500}
	m, _ := newTestMachine(t, MachineConfig{Curve: curve})
	ctx := context.Background()

	_, err := m.Tick(ctx, solarNoon)
	require.NoError(t, err)
	curve.k = 3700
	_, err = m.Tick(ctx, solarNoon.Add(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, 6000, m.State().Applied.Temperature)

	// Automatic -> Manual keeps the last applied value
	assert.True(t, m.SetMode(Manual))
	assert.False(t, m.SetMode(Manual))
	_, err = m.Tick(ctx, solarNoon.Add(6*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 6000, m.State().Applied.Temperature)
	assert.Equal(t, 6000, m.Status().Manual)

	// Manual -> Automatic resumes rate limited from there
	assert.True(t, m.SetMode(Automatic))
	_, err = m.Tick(ctx, solarNoon.Add(8*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 5800, m.State().Applied.Temperature)
}

func TestMachine_ApplyFailureRetainsState(t *testing.T) {
	m, d := newTestMachine(t, MachineConfig{})
	ctx := context.Background()

	_, err := m.Tick(ctx, solarNoon)
	require.NoError(t, err)
	before := m.State()

	d.FailApply(errors.New("driver stalled"))
	m.SetManual(4200)
	_, err = m.Tick(ctx, solarNoon.Add(5*time.Second))
	require.ErrorIs(t, err, gamma.ErrApplyFailed)

	assert.Equal(t, before.Applied, m.State().Applied)
	assert.Equal(t, before.PolledAt, m.State().PolledAt)
	st := m.Status()
	assert.Equal(t, 1, st.Failures)
	assert.Contains(t, st.LastError, "driver stalled")

	// Next tick retries automatically
	d.FailApply(nil)
	_, err = m.Tick(ctx, solarNoon.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 4200, d.Current().Temperature)
	assert.Zero(t, m.Status().Failures)
	assert.Empty(t, m.Status().LastError)
}

func TestMachine_InvalidTimeRetainsState(t *testing.T) {
	m, _ := newTestMachine(t, MachineConfig{})
	ctx := context.Background()

	_, err := m.Tick(ctx, solarNoon)
	require.NoError(t, err)
	before := m.State()

	_, err = m.Tick(ctx, time.Time{})
	assert.ErrorIs(t, err, geo.ErrInvalidTime)
	assert.Equal(t, before, m.State())
}

func TestMachine_DegradedRecomputesWithoutApplying(t *testing.T) {
	d := gamma.NewDummy()
	d.FailOpen(errors.New("no display"))
	m := NewMachine(gamma.NewRegistry(d), MachineConfig{
		Location: ottawa,
		Period:   colortemp.DefaultPeriod(),
		Backend:  "dummy",
		Gamma:    [3]float64{1, 1, 1},
	})
	ctx := context.Background()

	err := m.Open(ctx)
	require.ErrorIs(t, err, gamma.ErrBackendUnavailable)

	out, err := m.Tick(ctx, solarNoon)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, colortemp.DefaultDay, out.Target)
	assert.True(t, m.Status().Degraded)
	assert.Greater(t, m.State().Elevation, 60.0)
	assert.Empty(t, d.Applied())

	// Backend comes back: the next tick reopens and applies
	d.FailOpen(nil)
	out, err = m.Tick(ctx, solarNoon.Add(5*time.Second))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.False(t, m.Status().Degraded)
	assert.Equal(t, colortemp.DefaultDay, d.Current().Temperature)
}

func TestMachine_Fallback(t *testing.T) {
	primary := gamma.NewNamedDummy("randr")
	primary.FailOpen(errors.New("no X"))
	fallback := gamma.NewDummy()

	m := NewMachine(gamma.NewRegistry(primary, fallback), MachineConfig{
		Location: ottawa,
		Backend:  "randr",
		Fallback: "dummy",
	})
	require.NoError(t, m.Open(context.Background()))
	assert.Equal(t, "dummy", m.Status().Backend)
}

func TestMachine_SwitchBackend(t *testing.T) {
	first := gamma.NewDummy()
	second := gamma.NewNamedDummy("second")
	broken := gamma.NewNamedDummy("broken")
	broken.FailOpen(errors.New("nope"))

	m := NewMachine(gamma.NewRegistry(first, second, broken), MachineConfig{
		Location: ottawa,
		Period:   colortemp.DefaultPeriod(),
		Backend:  "dummy",
	})
	ctx := context.Background()
	require.NoError(t, m.Open(ctx))
	_, err := m.Tick(ctx, solarNoon)
	require.NoError(t, err)

	// A failed switch keeps the working session
	err = m.SwitchBackend(ctx, "broken", "")
	assert.ErrorIs(t, err, gamma.ErrBackendUnavailable)
	assert.Equal(t, "dummy", m.Status().Backend)
	assert.False(t, m.Status().Degraded)

	require.NoError(t, m.SwitchBackend(ctx, "second", ""))
	assert.Equal(t, 1, first.Stats().Restores)
	assert.Equal(t, 1, first.Stats().Closes)
	assert.Equal(t, "second", m.Status().Backend)

	_, err = m.Tick(ctx, solarNoon.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, colortemp.DefaultDay, second.Current().Temperature)
}

func TestMachine_CloseRestores(t *testing.T) {
	m, d := newTestMachine(t, MachineConfig{})
	ctx := context.Background()

	m.SetManual(3400)
	_, err := m.Tick(ctx, solarNoon)
	require.NoError(t, err)
	require.Equal(t, 3400, d.Current().Temperature)

	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))
	assert.Equal(t, colortemp.Neutral(), d.Current())
	assert.Equal(t, 1, d.Stats().Restores)
	assert.Equal(t, 1, d.Stats().Closes)
}

func TestMachine_InterpolationScenario(t *testing.T) {
	// Period and elevation from the day/night example: -1.5 deg -> 5100K
	k, err := colortemp.LinearCurve{}.Target(-1.5, colortemp.Period{Day: 6500, Night: 3700, Low: -6, High: 3})
	require.NoError(t, err)
	assert.Equal(t, 5100, k)
}
