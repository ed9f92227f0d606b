// Command pubsubd runs the channel-based pub/sub broker: it loads
// configuration from the environment, binds the publisher and
// subscriber listeners, starts the broker engine, and serves
// Prometheus metrics until signalled to shut down.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/pubsub-broker/internal/broker"
	"github.com/adred-codev/pubsub-broker/internal/config"
	"github.com/adred-codev/pubsub-broker/internal/logging"
	"github.com/adred-codev/pubsub-broker/internal/metrics"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	startupLog := log.New(os.Stdout, "[pubsubd] ", log.LstdFlags)

	maxProcs := runtime.GOMAXPROCS(0)
	startupLog.Printf("GOMAXPROCS: %d (via automaxprocs)", maxProcs)

	cfg, err := config.Load(nil)
	if err != nil {
		startupLog.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Print()

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	pubLn, err := net.Listen("tcp", cfg.PublisherAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.PublisherAddr).Msg("failed to bind publisher listener")
	}
	subLn, err := net.Listen("tcp", cfg.SubscriberAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.SubscriberAddr).Msg("failed to bind subscriber listener")
	}

	reg := prometheus.NewRegistry()
	b := broker.New(cfg, pubLn, subLn, logger, reg)
	m := b.Metrics()

	ctx, cancel := context.WithCancel(context.Background())
	go m.RunResourceSampler(ctx, 15*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", metrics.Handler(reg))
	adminMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	adminServer := &http.Server{Addr: cfg.MetricsAddr, Handler: adminMux}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("admin server stopped")
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-runErr:
		if err != nil {
			logger.Error().Err(err).Msg("broker stopped unexpectedly")
		}
	}

	b.Shutdown()
	cancel()
	_ = adminServer.Shutdown(context.Background())
	logger.Info().Msg("broker shut down")
}
