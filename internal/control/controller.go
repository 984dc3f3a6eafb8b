package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/shiftd/internal/colortemp"
	"github.com/dokzlo13/shiftd/internal/eventbus"
	"github.com/dokzlo13/shiftd/internal/ledger"
)

// ErrStopped is returned by commands sent after Run has returned.
var ErrStopped = errors.New("controller stopped")

// Recorder persists controller history. *ledger.Ledger satisfies it.
type Recorder interface {
	Append(eventType ledger.EventType, tickID, source string, payload map[string]any) error
}

// Options configure a Controller.
type Options struct {
	PollInterval    time.Duration
	ApplyTimeout    time.Duration
	ApplyRateLimit  float64 // Backend calls per second
	ShutdownTimeout time.Duration
	Bus             *eventbus.Bus // optional
	Recorder        Recorder      // optional
	Now             func() time.Time
}

type command struct {
	source string
	fn     func(ctx context.Context) error
	reply  chan error
}

// Controller owns a Machine on one goroutine. Commands from UIs are
// delivered over a channel and poll/trigger ticks are coalesced, so at most
// one apply is ever in flight.
type Controller struct {
	m    *Machine
	opts Options

	limiter *rate.Limiter
	cmds    chan command
	trigger chan struct{}
	done    chan struct{}

	mu    sync.RWMutex
	snap  Status
	clock *ClockStatus
}

// NewController wraps m. Run must be called to start processing.
func NewController(m *Machine, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 2 * time.Second
	}
	if opts.ApplyRateLimit <= 0 {
		opts.ApplyRateLimit = 10.0
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	burst := max(1, int(opts.ApplyRateLimit))
	c := &Controller{
		m:       m,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.ApplyRateLimit), burst),
		cmds:    make(chan command),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.snap = m.Status()
	return c
}

// Trigger requests a tick. Requests made while one is pending collapse into it.
func (c *Controller) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
		// Already triggered
	}
}

// Run ticks immediately, then every PollInterval, until ctx is cancelled.
// On exit the backend is restored and closed.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.shutdown()

	log.Info().Dur("poll_interval", c.opts.PollInterval).Msg("Controller started")

	c.tick(ctx, "startup")

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Controller stopping")
			return nil

		case cmd := <-c.cmds:
			cmd.reply <- cmd.fn(ctx)

		case <-c.trigger:
			c.tick(ctx, "trigger")

		case <-ticker.C:
			c.tick(ctx, "poll")
		}
	}
}

func (c *Controller) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ShutdownTimeout)
	defer cancel()
	if err := c.m.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Backend release reported errors")
	}
	c.publishSnapshot()
}

// tick runs one control cycle and publishes the result.
func (c *Controller) tick(ctx context.Context, source string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	tickID := uuid.NewString()

	tctx, cancel := context.WithTimeout(ctx, c.opts.ApplyTimeout)
	out, err := c.m.Tick(tctx, c.opts.Now())
	cancel()

	st := c.publishSnapshot()

	if err != nil {
		log.Error().Err(err).Str("source", source).Int("target", out.Target).Msg("Tick failed")
		c.emit(eventbus.EventApplyFailed, ledger.EventApplyFailed, tickID, source, map[string]any{
			"error":       err.Error(),
			"target":      out.Target,
			"temperature": st.Applied.Temperature,
			"failures":    st.Failures,
		})
		return err
	}

	if out.Changed {
		log.Info().
			Str("source", source).
			Str("mode", st.Mode.String()).
			Int("temperature", out.Setting.Temperature).
			Int("target", out.Target).
			Float64("brightness", out.Setting.Brightness).
			Float64("elevation", st.Elevation).
			Msg("Applied color temperature")
		c.emit(eventbus.EventStateChanged, ledger.EventApplied, tickID, source, map[string]any{
			"mode":        st.Mode.String(),
			"temperature": out.Setting.Temperature,
			"target":      out.Target,
			"brightness":  out.Setting.Brightness,
			"elevation":   st.Elevation,
		})
	} else {
		log.Debug().
			Str("source", source).
			Bool("applied", out.Applied).
			Int("temperature", out.Setting.Temperature).
			Float64("elevation", st.Elevation).
			Msg("Tick")
		if c.opts.Bus != nil {
			c.opts.Bus.Publish(eventbus.Event{Type: eventbus.EventTicked, Data: map[string]any{
				"tick_id":   tickID,
				"applied":   out.Applied,
				"elevation": st.Elevation,
			}})
		}
	}
	return nil
}

func (c *Controller) emit(be eventbus.EventType, le ledger.EventType, tickID, source string, payload map[string]any) {
	if c.opts.Bus != nil {
		data := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			data[k] = v
		}
		data["tick_id"] = tickID
		c.opts.Bus.Publish(eventbus.Event{Type: be, Data: data})
	}
	if c.opts.Recorder != nil {
		if err := c.opts.Recorder.Append(le, tickID, source, payload); err != nil {
			log.Warn().Err(err).Str("event", string(le)).Msg("Failed to record ledger entry")
		}
	}
}

func (c *Controller) emitMode(tickID, source string, mode Mode) {
	log.Info().Str("source", source).Str("mode", mode.String()).Msg("Mode changed")
	c.emit(eventbus.EventModeChanged, ledger.EventModeChanged, tickID, source, map[string]any{
		"mode": mode.String(),
	})
}

func (c *Controller) publishSnapshot() Status {
	st := c.m.Status()
	c.mu.Lock()
	st.Clock = c.clock
	c.snap = st
	c.mu.Unlock()
	return st
}

// Snapshot returns the latest status. Safe for concurrent use.
func (c *Controller) Snapshot() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// ReportClock records the latest clock check in the status.
func (c *Controller) ReportClock(cs ClockStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = &cs
	c.snap.Clock = c.clock
}

// exec runs fn on the controller goroutine and waits for its result.
func (c *Controller) exec(ctx context.Context, source string, fn func(ctx context.Context) error) error {
	cmd := command{source: source, fn: fn, reply: make(chan error, 1)}

	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// SetMode switches mode. Any mode change is applied right away; the
// returned error is the outcome of that apply.
func (c *Controller) SetMode(ctx context.Context, source string, mode Mode) error {
	return c.exec(ctx, source, func(ctx context.Context) error {
		if !c.m.SetMode(mode) {
			return nil
		}
		c.emitMode(uuid.NewString(), source, mode)
		return c.tickAfterCommand(ctx, source)
	})
}

// SetManualTemperature switches to Manual and applies kelvin (clamped and
// snapped) immediately. It returns the value that was used.
func (c *Controller) SetManualTemperature(ctx context.Context, source string, kelvin int) (int, error) {
	var used int
	err := c.exec(ctx, source, func(ctx context.Context) error {
		prev := c.m.State().Mode
		used = c.m.SetManual(kelvin)
		if used != kelvin {
			log.Warn().Int("requested", kelvin).Int("used", used).Msg("Manual temperature adjusted to bounds")
		}
		if prev != Manual {
			c.emitMode(uuid.NewString(), source, Manual)
		}
		return c.tickAfterCommand(ctx, source)
	})
	return used, err
}

// ForceRecompute runs one tick now and returns its error.
func (c *Controller) ForceRecompute(ctx context.Context, source string) error {
	return c.exec(ctx, source, func(ctx context.Context) error {
		return c.tickAfterCommand(ctx, source)
	})
}

// UpdatePeriod installs a new period, effective on the next tick.
// Values are clamped; the adjustments are returned.
func (c *Controller) UpdatePeriod(ctx context.Context, source string, p colortemp.Period) ([]colortemp.Issue, error) {
	var issues []colortemp.Issue
	err := c.exec(ctx, source, func(context.Context) error {
		issues = c.m.UpdatePeriod(p)
		logIssues(source, issues)
		c.publishSnapshot()
		c.record(ledger.EventPeriodChanged, source, map[string]any{"period": c.m.Status().Period})
		return nil
	})
	return issues, err
}

// SetGamma installs new per-channel gamma values, effective on the next tick.
func (c *Controller) SetGamma(ctx context.Context, source string, g [3]float64) ([]colortemp.Issue, error) {
	var issues []colortemp.Issue
	err := c.exec(ctx, source, func(context.Context) error {
		issues = c.m.SetGamma(g)
		logIssues(source, issues)
		return nil
	})
	return issues, err
}

// SelectBackend switches to another backend and applies to it immediately.
func (c *Controller) SelectBackend(ctx context.Context, source, name, selector string) error {
	return c.exec(ctx, source, func(ctx context.Context) error {
		octx, cancel := context.WithTimeout(ctx, c.opts.ApplyTimeout)
		err := c.m.SwitchBackend(octx, name, selector)
		cancel()
		c.publishSnapshot()
		if err != nil {
			log.Error().Err(err).Str("backend", name).Msg("Backend switch failed")
			return err
		}
		tickID := uuid.NewString()
		log.Info().Str("backend", name).Str("selector", selector).Msg("Backend switched")
		c.emit(eventbus.EventBackendChanged, ledger.EventBackendChanged, tickID, source, map[string]any{
			"backend":  name,
			"selector": selector,
		})
		return c.tickAfterCommand(ctx, source)
	})
}

func (c *Controller) tickAfterCommand(ctx context.Context, source string) error {
	err := c.tick(ctx, source)
	c.publishSnapshot()
	return err
}

func logIssues(source string, issues []colortemp.Issue) {
	for _, issue := range issues {
		log.Warn().
			Str("source", source).
			Str("field", issue.Field).
			Interface("value", issue.Value).
			Interface("used", issue.Used).
			Msg("Value out of range, adjusted")
	}
}

func (c *Controller) record(le ledger.EventType, source string, payload map[string]any) {
	if c.opts.Recorder == nil {
		return
	}
	if err := c.opts.Recorder.Append(le, "", source, payload); err != nil {
		log.Warn().Err(err).Str("event", string(le)).Msg("Failed to record ledger entry")
	}
}
