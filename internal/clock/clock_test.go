package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedChecker(offset time.Duration, err error) *Checker {
	local := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
	c := NewChecker("ntp.test", time.Minute, func(string) (time.Time, error) {
		return local.Add(offset), err
	})
	c.now = func() time.Time { return local }
	return c
}

func TestChecker_Check(t *testing.T) {
	tests := []struct {
		name    string
		offset  time.Duration
		err     error
		healthy bool
	}{
		{"in sync", 0, nil, true},
		{"small drift", 20 * time.Second, nil, true},
		{"behind", -59 * time.Second, nil, true},
		{"too far ahead", 2 * time.Minute, nil, false},
		{"too far behind", -time.Hour, nil, false},
		{"unreachable", 0, errors.New("timeout"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := fixedChecker(tt.offset, tt.err).Check(context.Background())
			assert.Equal(t, tt.healthy, res.Healthy)
			if tt.err != nil {
				require.Error(t, res.Err)
				assert.ErrorIs(t, res.Err, tt.err)
				return
			}
			require.NoError(t, res.Err)
			assert.Equal(t, tt.offset, res.Skew)
		})
	}
}

func TestChecker_CheckHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	c := NewChecker("ntp.test", time.Minute, func(string) (time.Time, error) {
		<-block
		return time.Now(), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := c.Check(ctx)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.False(t, res.Healthy)
}

func TestChecker_RunReportsImmediately(t *testing.T) {
	c := fixedChecker(time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan Result, 1)
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Hour, time.Second, func(r Result) {
			select {
			case got <- r:
			default:
			}
		})
		close(done)
	}()

	select {
	case r := <-got:
		assert.True(t, r.Healthy)
	case <-time.After(time.Second):
		t.Fatal("no initial report")
	}
	cancel()
	<-done
}
