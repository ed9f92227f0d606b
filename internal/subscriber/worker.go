// Package subscriber implements the subscriber-side worker: it owns
// accepted subscriber connections, maintains the channel→Token
// roster, drains the broadcast fabric, and fans decoded messages out
// to every connection subscribed to their channel.
package subscriber

import (
	"bytes"
	"context"
	"net"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pubsub-broker/internal/broadcast"
	"github.com/adred-codev/pubsub-broker/internal/conn"
	"github.com/adred-codev/pubsub-broker/internal/metrics"
	"github.com/adred-codev/pubsub-broker/internal/reactor"
	"github.com/adred-codev/pubsub-broker/internal/wire"
)

// Worker owns a disjoint set of subscriber-side connections plus the
// channel roster for those connections. All state is touched only
// from Run's goroutine.
type Worker struct {
	id int

	accept chan net.Conn
	events chan conn.Event[wire.Subscribe]
	recv   broadcast.Receiver

	msgBuf *bytes.Buffer
	roster map[string][]reactor.Token
	conns  map[reactor.Token]*conn.Connection[wire.Subscribe]

	log zerolog.Logger
	m   *metrics.Metrics
}

// Config bundles the tunables a Worker needs at construction.
type Config struct {
	ID          int
	Receiver    broadcast.Receiver
	AcceptQueue int
	Log         zerolog.Logger
	Metrics     *metrics.Metrics
}

// New constructs a subscriber Worker. Call Run in its own goroutine
// to start its event loop.
func New(cfg Config) *Worker {
	return &Worker{
		id:     cfg.ID,
		accept: make(chan net.Conn, cfg.AcceptQueue),
		events: make(chan conn.Event[wire.Subscribe], 256),
		recv:   cfg.Receiver,
		msgBuf: bytes.NewBuffer(nil),
		roster: make(map[string][]reactor.Token),
		conns:  make(map[reactor.Token]*conn.Connection[wire.Subscribe]),
		log:    cfg.Log.With().Int("worker", cfg.ID).Str("role", "subscriber").Logger(),
		m:      cfg.Metrics,
	}
}

// Accept hands a freshly accepted subscriber socket to this worker.
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
			sc := conn.New[wire.Subscribe](token, c)
			w.conns[token] = sc
			go sc.RunReader(w.events)
			go sc.RunWriter()

			w.log.Debug().Str("diag_id", sc.DiagID.String()).Msg("subscriber connection accepted")
			if w.m != nil {
				w.m.ConnectionsAccepted.WithLabelValues("subscriber").Inc()
				w.m.ConnectionsActive.WithLabelValues("subscriber").Inc()
			}

		case blob := <-w.recv.C():
			w.drainBroadcast(blob)

		case ev := <-w.events:
			w.handleEvent(ev)
		}
	}
}

// drainBroadcast appends blob, and any further blobs already queued
// without blocking, into the message buffer, then republishes every
// complete frame it can decode out of it.
func (w *Worker) drainBroadcast(blob []byte) {
	w.msgBuf.Write(blob)
	for {
		select {
		case more := <-w.recv.C():
			w.msgBuf.Write(more)
		default:
			w.publish()
			return
		}
	}
}

func (w *Worker) handleEvent(ev conn.Event[wire.Subscribe]) {
	if ev.Closed {
		sc, ok := w.conns[ev.Token]
		delete(w.conns, ev.Token)
		w.unsubscribeAll(ev.Token)
		if ok {
			w.log.Debug().Str("diag_id", sc.DiagID.String()).Msg("subscriber connection closed")
		}
		if w.m != nil {
			w.m.ConnectionsActive.WithLabelValues("subscriber").Dec()
		}
		return
	}

	channel := ev.Frame.Channel
	w.roster[channel] = append(w.roster[channel], ev.Token)
}

// publish drains every complete frame currently available in the
// message buffer, fanning each decoded PubMessage out to every
// connection currently subscribed to its channel. A malformed frame
// consumes its bytes (the codec always advances past the newline) but
// halts this pass; the remainder is picked up on the next broadcast
// delivery, matching the codec's stall-at-first-none contract.
func (w *Worker) publish() {
	for {
		m, ok := wire.Decode[wire.PubMessage](w.msgBuf)
		if !ok {
			return
		}

		subs := w.roster[m.Channel]
		if len(subs) == 0 {
			continue
		}
		snapshot := make([]reactor.Token, len(subs))
		copy(snapshot, subs)

		framed, err := wire.Encode(m)
		if err != nil {
			w.log.Warn().Err(err).Msg("failed to re-encode subscriber delivery")
			continue
		}

		for _, tok := range snapshot {
			sc, ok := w.conns[tok]
			if !ok {
				continue
			}
			sc.AddPayload(framed)
			if w.m != nil {
				w.m.MessagesDelivered.Inc()
			}
		}
	}
}

// unsubscribeAll removes tok from every channel roster it appears in.
func (w *Worker) unsubscribeAll(tok reactor.Token) {
	for channel, toks := range w.roster {
		filtered := toks[:0]
		for _, t := range toks {
			if t != tok {
				filtered = append(filtered, t)
			}
		}
		if len(filtered) == 0 {
			delete(w.roster, channel)
		} else {
			w.roster[channel] = filtered
		}
	}
}
