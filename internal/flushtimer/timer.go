// Package flushtimer implements the periodic, coalesced wakeup that
// bounds how long a publisher worker can sit on a non-empty publish
// stage before it is flushed to the broadcast.
package flushtimer

import (
	"context"
	"time"
)

// Signal is a bounded, capacity-1 wakeup channel. A send on a full
// slot is dropped rather than blocking the sender — ticks are an
// edge-triggered coalesced wakeup, not a count, so a worker that is
// still catching up on one tick does not need to process a backlog of
// them.
type Signal chan struct{}

// Timer owns the set of per-publisher-worker Signals and the
// background goroutine that ticks them.
type Timer struct {
	interval time.Duration
	signals  []Signal
}

// New creates a Timer with the given flush interval. Call Receiver
// once per publisher worker before Run, then Run in its own
// goroutine.
func New(interval time.Duration) *Timer {
	return &Timer{interval: interval}
}

// Receiver allocates a new bounded signal and registers it to receive
// ticks once Run starts.
func (t *Timer) Receiver() Signal {
	s := make(Signal, 1)
	t.signals = append(t.signals, s)
	return s
}

// Run sleeps the configured interval in a loop, sending a coalesced
// wakeup to every registered receiver on each tick, until ctx is
// done. It blocks the calling goroutine.
func (t *Timer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range t.signals {
				select {
				case s <- struct{}{}:
				default:
				}
			}
		}
	}
}
