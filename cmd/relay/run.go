package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/binlog-relay/internal/app/lifecycle"
	"github.com/ahrav/binlog-relay/internal/app/relay"
	"github.com/ahrav/binlog-relay/internal/config"
	"github.com/ahrav/binlog-relay/internal/domain/replication"
	"github.com/ahrav/binlog-relay/internal/infra/serialization"
	"github.com/ahrav/binlog-relay/internal/infra/sink/kafka"
	sinkmem "github.com/ahrav/binlog-relay/internal/infra/sink/memory"
	"github.com/ahrav/binlog-relay/internal/infra/source/file"
	"github.com/ahrav/binlog-relay/internal/infra/storage/memory"
	"github.com/ahrav/binlog-relay/internal/infra/storage/migrations"
	"github.com/ahrav/binlog-relay/internal/infra/storage/pebblestore"
	"github.com/ahrav/binlog-relay/internal/infra/storage/postgres"
	"github.com/ahrav/binlog-relay/pkg/common"
	"github.com/ahrav/binlog-relay/pkg/common/logger"
	"github.com/ahrav/binlog-relay/pkg/common/otel"
)

const shutdownTimeout = 15 * time.Second

// errTerminated is returned by runRelay when the relay stopped because it
// could not make safe progress. The cause has already been logged.
var errTerminated = errors.New("relay terminated")

func runRelay(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}

	cfg, err := config.NewViperLoader(cfgPath).Load(parent)
	if err != nil {
		return err
	}

	// Stdout carries events when it is the sink; logs move to stderr.
	logOut := os.Stdout
	if cfg.Producer.Sink == config.SinkStdout {
		logOut = os.Stderr
	}
	log := newLogger(logger.ParseLevel(cfg.Log.Level), hostname, logOut)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.SampleRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		telemetryTeardown(shutdownCtx)
	}()

	tracer := tp.Tracer(cfg.Telemetry.ServiceName)

	ready := &atomic.Bool{}
	healthServer, err := common.NewHealthServer(cfg.Health.Addr, ready, log)
	if err != nil {
		log.Error(ctx, "failed to create health server", "error", err)
		return err
	}
	healthServer.Start(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	store, closeStore, err := newCheckpointStore(ctx, cfg.Checkpoint, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to create checkpoint store", "error", err)
		return err
	}
	defer closeStore()

	metrics, err := relay.NewRelayMetrics(otelglobal.GetMeterProvider())
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		return err
	}

	encoder, err := serialization.NewEncoder(serialization.Format(cfg.Producer.Encoding))
	if err != nil {
		log.Error(ctx, "failed to create encoder", "error", err)
		return err
	}

	sink, closeSink, err := newSink(cfg, encoder, log, metrics)
	if err != nil {
		log.Error(ctx, "failed to create sink", "error", err)
		return err
	}

	term := lifecycle.NewTerminator(ctx, log)

	openSource := func(ctx context.Context, after replication.Position) (replication.Source, error) {
		return file.Open(cfg.Source.Path, after)
	}

	r, err := relay.NewRelay(
		relay.Config{
			ClientID:            cfg.Producer.ClientID,
			Inflight:            cfg.Inflight.TrackerConfig(),
			IgnoreProducerError: cfg.Producer.IgnoreProducerError,
			RateLimit:           cfg.Producer.RateLimit,
			RateBurst:           cfg.Producer.RateBurst,
			FlushInterval:       cfg.Checkpoint.FlushInterval,
			DrainTimeout:        cfg.Producer.DrainTimeout,
		},
		openSource,
		sink,
		store,
		term,
		log,
		metrics,
		tracer,
	)
	if err != nil {
		closeSink()
		log.Error(ctx, "failed to create relay", "error", err)
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(term.Context()) }()

	ready.Store(true)
	log.Info(ctx, "Relay started",
		"sink", string(cfg.Producer.Sink),
		"store", string(cfg.Checkpoint.Store),
		"capacity", cfg.Inflight.Capacity,
	)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received signal, shutting down", "signal", sig.String())
		ready.Store(false)
		term.Stop()
		runErr = <-errCh
	case runErr = <-errCh:
		ready.Store(false)
	}

	// The relay has drained; closing the sink flushes anything the drain
	// timed out on.
	closeSink()

	if cause := term.Cause(); cause != nil {
		log.Error(ctx, "Relay terminated", "error", cause)
		return errTerminated
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error(ctx, "Relay failed", "error", runErr)
		return runErr
	}

	log.Info(ctx, "Relay stopped cleanly")
	return nil
}

func newCheckpointStore(
	ctx context.Context,
	cfg config.CheckpointConfig,
	log *logger.Logger,
	tracer trace.Tracer,
) (replication.CheckpointStore, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse db config: %w", err)
		}
		poolCfg.MinConns = 1
		poolCfg.MaxConns = 4
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open db: %w", err)
		}

		if err := migrations.Up(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info(ctx, "Migrations applied successfully")

		return postgres.NewCheckpointStore(pool, tracer), pool.Close, nil

	case config.StorePebble:
		store, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.PebbleDir}, tracer)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := store.Close(); err != nil {
				log.Error(ctx, "failed to close pebble store", "error", err)
			}
		}
		return store, closeFn, nil

	default:
		log.Warn(ctx, "Using in-memory checkpoint store, progress is lost on restart")
		return memory.NewCheckpointStore(), func() {}, nil
	}
}

func newSink(
	cfg *config.Config,
	encoder serialization.Encoder,
	log *logger.Logger,
	metrics relay.Metrics,
) (replication.Sink, func(), error) {
	if cfg.Producer.Sink == config.SinkStdout {
		s := sinkmem.NewSink(sinkmem.WithOutput(os.Stdout, encoder))
		return s, func() { _ = s.Close() }, nil
	}

	client, err := kafka.NewClient(&kafka.ClientConfig{
		Brokers:        cfg.Kafka.Brokers,
		ClientID:       cfg.Producer.ClientID,
		Compression:    cfg.Kafka.Compression,
		MaxElapsedTime: cfg.Kafka.ConnectTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	s, err := kafka.NewSinkFromClient(
		client,
		kafka.SinkConfig{Topic: cfg.Kafka.Topic},
		encoder,
		log,
		metrics,
		otelglobal.Tracer("relay.sink.kafka"),
	)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	closeFn := func() {
		if err := s.Close(); err != nil {
			log.Error(context.Background(), "failed to close kafka sink", "error", err)
		}
		if err := client.Close(); err != nil {
			log.Error(context.Background(), "failed to close kafka client", "error", err)
		}
	}
	return s, closeFn, nil
}
