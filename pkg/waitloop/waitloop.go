// Package waitloop implements long-poll wake-up
// for watermark advances, shared by the wait_for_updates tool and the
// /events SSE handler.
//
// Each waiter polls the watermark.Clock itself; the clock's freshness
// cache and singleflight group let concurrent waiters share one DB
// recompute per stream instead of each querying the store. Retry advice
// on timeout is a streak-based exponential backoff.
package waitloop

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coordhub/hub/pkg/cursor"
	"github.com/coordhub/hub/pkg/watermark"
)

// Streams is the set of watermark streams a caller cares about.
type Streams struct {
	Messages bool
	Tasks    bool
	Context  bool
	Activity bool
}

// AllStreams returns a Streams selecting every stream.
func AllStreams() Streams {
	return Streams{Messages: true, Tasks: true, Context: true, Activity: true}
}

// Options configures Wait.
type Options struct {
	Streams          Streams
	Since            cursor.Watermark
	WaitFor          time.Duration
	PollInterval     time.Duration
	MinWait, MaxWait time.Duration
	MinPoll, MaxPoll time.Duration
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Result is returned by Wait.
type Result struct {
	Changed bool
	Cursor  cursor.Watermark
	Streams []string
	Elapsed time.Duration
}

// Loop waits for watermark advances and computes retry advice.
type Loop struct {
	clk *watermark.Clock
	now func() time.Time

	retryFactor float64
	retryCap    time.Duration
	retryJitter float64
}

// NewLoop constructs a Loop.
func NewLoop(clk *watermark.Clock, retryFactor float64, retryCap time.Duration, retryJitter float64) *Loop {
	return &Loop{clk: clk, now: time.Now, retryFactor: retryFactor, retryCap: retryCap, retryJitter: retryJitter}
}

// Wait polls ClockWatermarks at opts.PollInterval until a selected
// stream advances past opts.Since or the deadline elapses.
func (l *Loop) Wait(ctx context.Context, agentID string, opts Options) (*Result, error) {
	waitFor := clampDuration(opts.WaitFor, opts.MinWait, opts.MaxWait)
	poll := clampDuration(opts.PollInterval, opts.MinPoll, opts.MaxPoll)

	start := l.now()
	deadline := start.Add(waitFor)

	for {
		snap, err := l.clk.Snapshot(ctx, agentID, watermark.Fallback{})
		if err != nil {
			return nil, err
		}
		advanced, which := advancedStreams(snap, opts.Since, opts.Streams)
		if advanced {
			return &Result{Changed: true, Cursor: snap, Streams: which, Elapsed: l.now().Sub(start)}, nil
		}

		now := l.now()
		if !now.Before(deadline) {
			return &Result{Changed: false, Cursor: snap, Elapsed: now.Sub(start)}, nil
		}

		remaining := deadline.Sub(now)
		sleep := poll
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func advancedStreams(snap, since cursor.Watermark, sel Streams) (bool, []string) {
	var changed []string
	if sel.Messages && snap.Messages > since.Messages {
		changed = append(changed, "messages")
	}
	if sel.Tasks && snap.Tasks > since.Tasks {
		changed = append(changed, "tasks")
	}
	if sel.Context && snap.Context > since.Context {
		changed = append(changed, "context")
	}
	if sel.Activity && snap.Activity > since.Activity {
		changed = append(changed, "activity")
	}
	return len(changed) > 0, changed
}

// NextRetry computes retry_after_ms for a timed-out wait using a
// streak-based exponential backoff: factor/cap/jitter from config,
// exponent = min(streak, 6). The library's own
// RandomizationFactor supplies the jitter; NextBackOff() is advanced
// once per streak step so the interval grows the same way
// pollAndClaim's adaptive backoff does.
func (l *Loop) NextRetry(streak int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.RandomizationFactor = l.retryJitter
	b.Multiplier = l.retryFactor
	b.MaxInterval = l.retryCap
	b.MaxElapsedTime = 0

	exponent := streak
	if exponent > 6 {
		exponent = 6
	}
	var interval time.Duration
	for i := 0; i <= exponent; i++ {
		interval = b.NextBackOff()
	}
	if interval > l.retryCap {
		interval = l.retryCap
	}
	return interval
}
