// Package clock compares the local clock against an NTP server. Solar
// elevation is only as good as the clock it is computed from.
package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/bt51/ntpclient"
	"github.com/rs/zerolog/log"
)

// NTPPort is the standard NTP service port.
const NTPPort = 123

// Result is the outcome of one comparison.
type Result struct {
	Checked time.Time
	Skew    time.Duration // Network time minus local time
	Healthy bool
	Err     error
}

// QueryFunc returns the current time according to server.
type QueryFunc func(server string) (time.Time, error)

// Checker validates the local clock.
type Checker struct {
	server  string
	maxSkew time.Duration
	query   QueryFunc
	now     func() time.Time
}

// NewChecker creates a checker against server. A nil query uses NTP.
func NewChecker(server string, maxSkew time.Duration, query QueryFunc) *Checker {
	if query == nil {
		query = queryNTP
	}
	return &Checker{server: server, maxSkew: maxSkew, query: query, now: time.Now}
}

func queryNTP(server string) (time.Time, error) {
	t, err := ntpclient.GetNetworkTime(server, NTPPort)
	if err != nil {
		return time.Time{}, err
	}
	return *t, nil
}

// Check queries the server once. The query itself cannot be cancelled;
// Check stops waiting for it when ctx is done.
func (c *Checker) Check(ctx context.Context) Result {
	type reply struct {
		t   time.Time
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		t, err := c.query(c.server)
		ch <- reply{t, err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-ctx.Done():
		r.err = ctx.Err()
	}

	res := Result{Checked: c.now()}
	if r.err != nil {
		res.Err = fmt.Errorf("query %s: %w", c.server, r.err)
		return res
	}
	res.Skew = r.t.Sub(res.Checked)
	res.Healthy = res.Skew.Abs() < c.maxSkew
	return res
}

// Run checks immediately and then every interval, handing each result to
// report, until ctx is cancelled.
func (c *Checker) Run(ctx context.Context, interval, timeout time.Duration, report func(Result)) {
	check := func() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		res := c.Check(cctx)
		cancel()

		switch {
		case res.Err != nil:
			log.Warn().Err(res.Err).Msg("Clock check failed")
		case !res.Healthy:
			log.Warn().Dur("skew", res.Skew).Dur("max_skew", c.maxSkew).
				Msg("Local clock differs from network time, solar positions will be off")
		default:
			log.Debug().Dur("skew", res.Skew).Msg("Local clock verified")
		}
		report(res)
	}

	check()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
