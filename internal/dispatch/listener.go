// Package dispatch implements the listener adapter: it accepts
// sockets on the publisher and subscriber TCP ports and fans each
// accepted socket out, round-robin, to one of a fixed set of workers.
package dispatch

import (
	"context"
	"net"

	"github.com/rs/zerolog"
)

// Acceptor is the subset of publisher.Worker / subscriber.Worker that
// the listener adapter needs: a place to hand off an accepted socket.
type Acceptor interface {
	Accept(c net.Conn)
}

// Listener accepts on one net.Listener and distributes accepted
// sockets round-robin across a fixed roster of worker Acceptors.
type Listener struct {
	ln      net.Listener
	workers []Acceptor
	log     zerolog.Logger
}

// New wraps an already-bound net.Listener. workers must be non-empty.
func New(ln net.Listener, workers []Acceptor, log zerolog.Logger) *Listener {
	return &Listener{ln: ln, workers: workers, log: log}
}

// Run accepts connections until ctx is cancelled or the listener
// errors, handing each one to the next worker in round-robin order.
// It blocks the calling goroutine; cancel ctx to stop it (this closes
// the underlying listener to unblock Accept).
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	next := 0
	for {
		c, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				l.log.Warn().Err(err).Msg("listener accept failed")
				return err
			}
		}

		l.workers[next].Accept(c)
		next = (next + 1) % len(l.workers)
	}
}
