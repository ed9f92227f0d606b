// Package broker wires together the listener adapters, the flush
// timer, the broadcast fabric, and the publisher/subscriber worker
// pools into one coordinated process lifecycle.
package broker

import (
	"context"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/adred-codev/pubsub-broker/internal/broadcast"
	"github.com/adred-codev/pubsub-broker/internal/config"
	"github.com/adred-codev/pubsub-broker/internal/dispatch"
	"github.com/adred-codev/pubsub-broker/internal/flushtimer"
	"github.com/adred-codev/pubsub-broker/internal/metrics"
	"github.com/adred-codev/pubsub-broker/internal/publisher"
	"github.com/adred-codev/pubsub-broker/internal/subscriber"
)

// Broker owns every moving part of the engine for the lifetime of the
// process: the two listeners, the timer, the broadcast fabric, and
// the fixed pool of publisher/subscriber workers.
type Broker struct {
	cfg *config.Config
	log zerolog.Logger
	m   *metrics.Metrics

	publisherLn  net.Listener
	subscriberLn net.Listener

	timer     *flushtimer.Timer
	broadcast *broadcast.Broadcast

	publishers  []*publisher.Worker
	subscribers []*subscriber.Worker
}

// New constructs a Broker bound to already-listening publisher and
// subscriber sockets. Binding the sockets ahead of construction keeps
// "can we get a port" failures out of the coordinator's own error
// surface, mirroring how the teacher's Start() separates listen from
// serve.
func New(cfg *config.Config, publisherLn, subscriberLn net.Listener, log zerolog.Logger, reg *prometheus.Registry) *Broker {
	m := metrics.New(reg)
	bc := broadcast.New()
	bc.OnDrop(func() { m.BroadcastDropped.Inc() })

	tm := flushtimer.New(cfg.PublishTimeout)

	b := &Broker{
		cfg:          cfg,
		log:          log,
		m:            m,
		publisherLn:  publisherLn,
		subscriberLn: subscriberLn,
		timer:        tm,
		broadcast:    bc,
	}

	for i := 0; i < cfg.ThreadCount; i++ {
		b.publishers = append(b.publishers, publisher.New(publisher.Config{
			ID:              i,
			Broadcast:       bc,
			Tick:            tm.Receiver(),
			BufferThreshold: cfg.BufferThreshold,
			AcceptQueue:     64,
			Log:             log,
			Metrics:         m,
		}))
		b.subscribers = append(b.subscribers, subscriber.New(subscriber.Config{
			ID:          i,
			Receiver:    bc.Subscriber(),
			AcceptQueue: 64,
			Log:         log,
			Metrics:     m,
		}))
	}

	return b
}

// Run starts the timer, every worker, and both listener adapters, and
// blocks until ctx is cancelled or one of them returns an error. It
// supervises them with an errgroup rather than a hand-rolled WaitGroup
// of error-swallowing goroutines.
func (b *Broker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.timer.Run(ctx)
		return nil
	})

	for _, w := range b.publishers {
		w := w
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	for _, w := range b.subscribers {
		w := w
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}

	pubAcceptors := make([]dispatch.Acceptor, len(b.publishers))
	for i, w := range b.publishers {
		pubAcceptors[i] = w
	}
	subAcceptors := make([]dispatch.Acceptor, len(b.subscribers))
	for i, w := range b.subscribers {
		subAcceptors[i] = w
	}

	pubListener := dispatch.New(b.publisherLn, pubAcceptors, b.log)
	subListener := dispatch.New(b.subscriberLn, subAcceptors, b.log)

	g.Go(func() error { return pubListener.Run(ctx) })
	g.Go(func() error { return subListener.Run(ctx) })

	b.log.Info().
		Str("publisher_addr", b.publisherLn.Addr().String()).
		Str("subscriber_addr", b.subscriberLn.Addr().String()).
		Int("thread_count", b.cfg.ThreadCount).
		Msg("broker started")

	return g.Wait()
}

// Metrics exposes the broker's Prometheus collectors, for wiring a
// resource sampler or additional instrumentation from the embedder.
func (b *Broker) Metrics() *metrics.Metrics {
	return b.m
}

// Shutdown closes both listeners, unblocking their accept loops. The
// worker and timer goroutines spawned by Run exit on ctx cancellation;
// the caller is expected to cancel the context passed to Run once
// Shutdown has been called. Shutdown does not close or drain
// connections that are already open.
func (b *Broker) Shutdown() {
	_ = b.publisherLn.Close()
	_ = b.subscriberLn.Close()
}
