// Package publisher implements the publisher-side worker: it owns
// accepted publisher connections, batches their messages into a
// per-worker publish stage, and flushes that stage to the broadcast
// fabric on a size threshold or a timer tick.
package publisher

import (
	"bytes"
	"context"
	"net"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pubsub-broker/internal/broadcast"
	"github.com/adred-codev/pubsub-broker/internal/conn"
	"github.com/adred-codev/pubsub-broker/internal/flushtimer"
	"github.com/adred-codev/pubsub-broker/internal/metrics"
	"github.com/adred-codev/pubsub-broker/internal/reactor"
	"github.com/adred-codev/pubsub-broker/internal/wire"
)

// Worker owns a disjoint set of publisher-side connections. All state
// below is touched only from Run's goroutine; there is no locking
// because a Token is never shared across workers.
type Worker struct {
	id int

	accept chan net.Conn
	events chan conn.Event[wire.PubMessage]
	tick   flushtimer.Signal

	broadcast       *broadcast.Broadcast
	bufferThreshold int

	stage *bytes.Buffer
	conns map[reactor.Token]*conn.Connection[wire.PubMessage]

	log zerolog.Logger
	m   *metrics.Metrics
}

// Config bundles the tunables a Worker needs at construction.
type Config struct {
	ID              int
	Broadcast       *broadcast.Broadcast
	Tick            flushtimer.Signal
	BufferThreshold int
	AcceptQueue     int
	Log             zerolog.Logger
	Metrics         *metrics.Metrics
}

// New constructs a publisher Worker. Call Run in its own goroutine to
// start its event loop.
func New(cfg Config) *Worker {
	return &Worker{
		id:              cfg.ID,
		accept:          make(chan net.Conn, cfg.AcceptQueue),
		events:          make(chan conn.Event[wire.PubMessage], 256),
		tick:            cfg.Tick,
		broadcast:       cfg.Broadcast,
		bufferThreshold: cfg.BufferThreshold,
		stage:           bytes.NewBuffer(make([]byte, 0, cfg.BufferThreshold)),
		conns:           make(map[reactor.Token]*conn.Connection[wire.PubMessage]),
		log:             cfg.Log.With().Int("worker", cfg.ID).Str("role", "publisher").Logger(),
		m:               cfg.Metrics,
	}
}

// countFlush bumps the flush-trigger metric if metrics are wired in.
func (w *Worker) countFlush(trigger string) {
	if w.m != nil {
		w.m.FlushesTotal.WithLabelValues(trigger).Inc()
	}
}

// Accept hands a freshly accepted publisher socket to this worker.
// Safe to call from the listener adapter's goroutine.
func (w *Worker) Accept(c net.Conn) {
	w.accept <- c
}

// Run drives the worker's event loop until ctx is cancelled. It must
// run in its own goroutine; nothing else may touch worker-local state.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-w.accept:
			token := reactor.NewToken()
			pc := conn.New[wire.PubMessage](token, c)
			w.conns[token] = pc
			go pc.RunReader(w.events)
			go pc.RunWriter()

			w.log.Debug().Str("diag_id", pc.DiagID.String()).Msg("publisher connection accepted")
			if w.m != nil {
				w.m.ConnectionsAccepted.WithLabelValues("publisher").Inc()
				w.m.ConnectionsActive.WithLabelValues("publisher").Inc()
			}

		case <-w.tick:
			w.flushWithTrigger("timer")

		case ev := <-w.events:
			w.handleEvent(ev)
		}
	}
}

func (w *Worker) handleEvent(ev conn.Event[wire.PubMessage]) {
	pc, ok := w.conns[ev.Token]
	if !ok {
		return
	}

	if ev.Closed {
		delete(w.conns, ev.Token)
		pc.Close()
		w.log.Debug().Str("diag_id", pc.DiagID.String()).Msg("publisher connection closed")
		if w.m != nil {
			w.m.ConnectionsActive.WithLabelValues("publisher").Dec()
		}
		w.flushWithTrigger("close")
		return
	}

	framed, err := wire.Encode(ev.Frame)
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to re-encode publish message")
		return
	}
	w.stage.Write(framed)
	if w.m != nil {
		w.m.MessagesPublished.Inc()
	}

	ack, err := wire.Encode(wire.NewAck())
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to encode ack")
		return
	}
	pc.AddPayload(ack)
	if w.m != nil {
		w.m.AcksSent.Inc()
	}

	if w.stage.Len() >= w.bufferThreshold {
		w.flushWithTrigger("threshold")
	}
}

// flushWithTrigger takes the current publish stage and hands it to
// the broadcast fabric in one call, then replaces the stage with an
// empty buffer of the same reserved capacity. A no-op when the stage
// is empty. trigger labels the metric with why the flush happened.
func (w *Worker) flushWithTrigger(trigger string) {
	if w.stage.Len() == 0 {
		return
	}
	taken := w.stage.Bytes()
	payload := make([]byte, len(taken))
	copy(payload, taken)

	w.broadcast.Publish(payload)
	w.stage = bytes.NewBuffer(make([]byte, 0, w.bufferThreshold))
	w.countFlush(trigger)
}
