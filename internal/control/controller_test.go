package control

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/shiftd/internal/colortemp"
	"github.com/dokzlo13/shiftd/internal/eventbus"
	"github.com/dokzlo13/shiftd/internal/gamma"
	"github.com/dokzlo13/shiftd/internal/ledger"
)

type memRecorder struct {
	mu      sync.Mutex
	entries []ledger.EventType
}

func (r *memRecorder) Append(eventType ledger.EventType, _, _ string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, eventType)
	return nil
}

func (r *memRecorder) count(eventType ledger.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e == eventType {
			n++
		}
	}
	return n
}

type controllerFixture struct {
	c      *Controller
	dummy  *gamma.Dummy
	second *gamma.Dummy
	rec    *memRecorder
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func startController(t *testing.T, mode Mode) *controllerFixture {
	t.Helper()
	d := gamma.NewDummy()
	second := gamma.NewNamedDummy("second")
	m := NewMachine(gamma.NewRegistry(d, second), MachineConfig{
		Location:          ottawa,
		Period:            colortemp.DefaultPeriod(),
		Mode:              mode,
		ManualTemperature: 5000,
		Backend:           "dummy",
	})
	rec := &memRecorder{}
	c := NewController(m, Options{
		PollInterval:   time.Hour,
		ApplyRateLimit: 1000,
		Recorder:       rec,
		Now:            func() time.Time { return solarNoon },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	f := &controllerFixture{c: c, dummy: d, second: second, rec: rec, cancel: cancel, done: done}
	t.Cleanup(f.stop)
	return f
}

func (f *controllerFixture) stop() {
	f.once.Do(func() {
		f.cancel()
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
		}
	})
}

func TestController_StartupTickApplies(t *testing.T) {
	f := startController(t, Automatic)

	require.NoError(t, f.c.ForceRecompute(context.Background(), "test"))
	st := f.c.Snapshot()
	assert.Equal(t, Automatic, st.Mode)
	assert.Equal(t, colortemp.DefaultDay, st.Applied.Temperature)
	assert.Equal(t, "dummy", st.Backend)
	assert.False(t, st.Degraded)
}

func TestController_ManualTemperature(t *testing.T) {
	f := startController(t, Automatic)
	ctx := context.Background()

	used, err := f.c.SetManualTemperature(ctx, "test", 4249)
	require.NoError(t, err)
	assert.Equal(t, 4200, used)
	assert.Equal(t, 4200, f.dummy.Current().Temperature)

	st := f.c.Snapshot()
	assert.Equal(t, Manual, st.Mode)
	assert.Equal(t, 4200, st.Applied.Temperature)
	assert.Equal(t, 1, f.rec.count(ledger.EventModeChanged))
	assert.Equal(t, 1, f.rec.count(ledger.EventApplied))
}

func TestController_SetMode(t *testing.T) {
	f := startController(t, Manual)
	ctx := context.Background()

	require.NoError(t, f.c.ForceRecompute(ctx, "test"))
	assert.Equal(t, 5000, f.dummy.Current().Temperature)

	require.NoError(t, f.c.SetMode(ctx, "test", Automatic))
	assert.Equal(t, Automatic, f.c.Snapshot().Mode)
	assert.Equal(t, 1, f.rec.count(ledger.EventModeChanged))

	// Same mode is a no-op
	require.NoError(t, f.c.SetMode(ctx, "test", Automatic))
	assert.Equal(t, 1, f.rec.count(ledger.EventModeChanged))
}

func TestController_ApplyFailureIsReported(t *testing.T) {
	f := startController(t, Automatic)
	ctx := context.Background()

	require.NoError(t, f.c.ForceRecompute(ctx, "test"))
	f.dummy.FailApply(errors.New("stalled"))
	_, err := f.c.SetManualTemperature(ctx, "test", 3400)
	require.ErrorIs(t, err, gamma.ErrApplyFailed)

	st := f.c.Snapshot()
	assert.Equal(t, colortemp.DefaultDay, st.Applied.Temperature)
	assert.Contains(t, st.LastError, "stalled")
	assert.Equal(t, 1, f.rec.count(ledger.EventApplyFailed))

	f.dummy.FailApply(nil)
	require.NoError(t, f.c.ForceRecompute(ctx, "test"))
	assert.Equal(t, 3400, f.c.Snapshot().Applied.Temperature)
}

func TestController_SelectBackend(t *testing.T) {
	f := startController(t, Automatic)
	ctx := context.Background()

	require.NoError(t, f.c.ForceRecompute(ctx, "test"))
	require.NoError(t, f.c.SelectBackend(ctx, "test", "second", ""))
	assert.Equal(t, "second", f.c.Snapshot().Backend)
	assert.Equal(t, colortemp.DefaultDay, f.second.Current().Temperature)
	assert.Equal(t, 1, f.dummy.Stats().Restores)

	err := f.c.SelectBackend(ctx, "test", "missing", "")
	assert.ErrorIs(t, err, gamma.ErrBackendUnavailable)
	assert.Equal(t, "second", f.c.Snapshot().Backend)
	assert.Equal(t, 1, f.rec.count(ledger.EventBackendChanged))
}

func TestController_UpdatePeriodAndGamma(t *testing.T) {
	f := startController(t, Automatic)
	ctx := context.Background()

	p := colortemp.DefaultPeriod()
	p.Day = 6000
	p.Speed = 0
	issues, err := f.c.UpdatePeriod(ctx, "test", p)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Equal(t, 6000, f.c.Snapshot().Period.Day)
	assert.Equal(t, 1, f.rec.count(ledger.EventPeriodChanged))

	issues, err = f.c.SetGamma(ctx, "test", [3]float64{1, 0.9, 50})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "gamma[2]", issues[0].Field)

	require.NoError(t, f.c.ForceRecompute(ctx, "test"))
	cur := f.dummy.Current()
	assert.Equal(t, 6000, cur.Temperature)
	assert.Equal(t, [3]float64{1, 0.9, colortemp.MaxGamma}, cur.Gamma)
}

// lockedBuffer is written by the controller goroutine and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestController_UpdatePeriodLogsAdjustments(t *testing.T) {
	out := &lockedBuffer{}
	prev := log.Logger
	log.Logger = zerolog.New(out)
	t.Cleanup(func() { log.Logger = prev })

	f := startController(t, Automatic)
	ctx := context.Background()

	p := colortemp.DefaultPeriod()
	p.Day = 90000
	issues, err := f.c.UpdatePeriod(ctx, "http", p)
	require.NoError(t, err)
	require.NotEmpty(t, issues)
	assert.Equal(t, colortemp.MaxTemperature, f.c.Snapshot().Period.Day)

	logged := out.String()
	assert.Contains(t, logged, `"level":"warn"`)
	assert.Contains(t, logged, `"source":"http"`)
	assert.Contains(t, logged, `"field":"`+issues[0].Field+`"`)
}

func TestController_TriggerCoalesces(t *testing.T) {
	f := startController(t, Automatic)

	for i := 0; i < 10; i++ {
		f.c.Trigger()
	}
	require.Eventually(t, func() bool {
		return f.dummy.Stats().Applies >= 2
	}, time.Second, 5*time.Millisecond)
	// Startup tick plus at most two trigger ticks
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, f.dummy.Stats().Applies, 3)
}

func TestController_PublishesEvents(t *testing.T) {
	bus := eventbus.NewWithConfig(1, 10)
	defer bus.Close(context.Background())

	got := make(chan eventbus.Event, 10)
	bus.Subscribe(func(e eventbus.Event) { got <- e }, eventbus.EventStateChanged)

	m := NewMachine(gamma.NewRegistry(gamma.NewDummy()), MachineConfig{
		Location: ottawa,
		Period:   colortemp.DefaultPeriod(),
		Backend:  "dummy",
		Mode:     Manual,
	})
	c := NewController(m, Options{
		PollInterval: time.Hour,
		Bus:          bus,
		Now:          func() time.Time { return solarNoon },
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	_, err := c.SetManualTemperature(ctx, "test", 4000)
	require.NoError(t, err)

	select {
	case e := <-got:
		assert.NotEmpty(t, e.Data["tick_id"])
	case <-time.After(time.Second):
		t.Fatal("no state event published")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestController_SteadyTickPublishesTicked(t *testing.T) {
	bus := eventbus.NewWithConfig(1, 10)
	defer bus.Close(context.Background())

	ticked := make(chan eventbus.Event, 10)
	bus.Subscribe(func(e eventbus.Event) { ticked <- e }, eventbus.EventTicked)

	m := NewMachine(gamma.NewRegistry(gamma.NewDummy()), MachineConfig{
		Location:          ottawa,
		Period:            colortemp.DefaultPeriod(),
		Backend:           "dummy",
		Mode:              Manual,
		ManualTemperature: 4000,
	})
	rec := &memRecorder{}
	c := NewController(m, Options{
		PollInterval:   time.Hour,
		ApplyRateLimit: 1000,
		Bus:            bus,
		Recorder:       rec,
		Now:            func() time.Time { return solarNoon },
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// The startup tick applies 4000K, this one changes nothing
	require.NoError(t, c.ForceRecompute(ctx, "test"))

	select {
	case e := <-ticked:
		assert.NotEmpty(t, e.Data["tick_id"])
		assert.Greater(t, e.Data["elevation"], 60.0)
	case <-time.After(time.Second):
		t.Fatal("no ticked event published")
	}
	assert.Equal(t, 1, rec.count(ledger.EventApplied))

	cancel()
	require.NoError(t, <-done)
}

func TestController_StopRestoresAndRejectsCommands(t *testing.T) {
	f := startController(t, Automatic)
	ctx := context.Background()

	require.NoError(t, f.c.ForceRecompute(ctx, "test"))
	f.stop()

	assert.Equal(t, colortemp.Neutral(), f.dummy.Current())
	assert.Equal(t, 1, f.dummy.Stats().Closes)
	assert.True(t, f.c.Snapshot().Degraded)
	assert.ErrorIs(t, f.c.ForceRecompute(ctx, "test"), ErrStopped)
}

func TestController_ReportClock(t *testing.T) {
	f := startController(t, Automatic)

	f.c.ReportClock(ClockStatus{Healthy: true, Skew: 30 * time.Millisecond})
	st := f.c.Snapshot()
	require.NotNil(t, st.Clock)
	assert.True(t, st.Clock.Healthy)

	require.NoError(t, f.c.ForceRecompute(context.Background(), "test"))
	require.NotNil(t, f.c.Snapshot().Clock)
}
