// Package relay moves row events from a source to a sink while tracking
// which sends are still unacknowledged. Only positions whose events, and all
// events before them, have been acknowledged are ever checkpointed, so a
// restart resumes without losing events.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/binlog-relay/internal/domain/replication"
	"github.com/ahrav/binlog-relay/internal/infra/messaging/acktracking"
	"github.com/ahrav/binlog-relay/pkg/common"
	"github.com/ahrav/binlog-relay/pkg/common/logger"
	"github.com/ahrav/binlog-relay/pkg/common/timeutil"
)

// DefaultDrainTimeout bounds how long Run waits for outstanding sends after
// reading stops.
const DefaultDrainTimeout = 30 * time.Second

// Config controls the relay loop.
type Config struct {
	// ClientID names the checkpoint row this relay owns.
	ClientID string
	// Inflight configures the in-flight tracker.
	Inflight acktracking.Config
	// IgnoreProducerError completes failed sends instead of terminating. The
	// failed events are skipped.
	IgnoreProducerError bool
	// RateLimit caps events per second; zero disables limiting.
	RateLimit float64
	// RateBurst is the limiter's burst size; defaults to 1.
	RateBurst int
	// FlushInterval is how often the checkpoint is persisted.
	FlushInterval time.Duration
	// DrainTimeout bounds the wait for outstanding sends on shutdown.
	DrainTimeout time.Duration
}

// SourceOpener opens a source positioned strictly after the given position.
// A zero position means start from the beginning.
type SourceOpener func(ctx context.Context, after replication.Position) (replication.Source, error)

// Relay forwards events and checkpoints acknowledged progress.
type Relay struct {
	cfg Config

	openSource SourceOpener
	sink       replication.Sink
	store      replication.CheckpointStore
	terminator acktracking.Terminator

	tracker *acktracking.Tracker[replication.Position]
	limiter *common.RateLimiter
	clock   timeutil.Provider

	// pending counts sends whose callback has not yet run.
	pending sync.WaitGroup

	mu           sync.Mutex
	checkpointer *Checkpointer
	cancelRun    context.CancelCauseFunc
	termErr      error

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// NewRelay wires a relay. terminator is notified, in addition to the relay
// stopping itself, when forwarding can no longer make safe progress.
func NewRelay(
	cfg Config,
	openSource SourceOpener,
	sink replication.Sink,
	store replication.CheckpointStore,
	terminator acktracking.Terminator,
	logger *logger.Logger,
	metrics Metrics,
	tracer trace.Tracer,
) (*Relay, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("relay requires a client id")
	}
	if openSource == nil || sink == nil || store == nil {
		return nil, errors.New("relay requires a source, a sink and a checkpoint store")
	}
	if metrics == nil {
		return nil, errors.New("metrics are required for relay")
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	logger = logger.With("component", "relay", "client_id", cfg.ClientID)

	r := &Relay{
		cfg:        cfg,
		openSource: openSource,
		sink:       sink,
		store:      store,
		terminator: terminator,
		clock:      timeutil.Default(),
		logger:     logger,
		tracer:     tracer,
		metrics:    metrics,
	}

	tracker, err := acktracking.NewTracker[replication.Position](
		cfg.Inflight,
		acktracking.TerminatorFunc(r.terminate),
		acktracking.WithLogger(logger),
		acktracking.WithMetrics(metrics),
		acktracking.WithTimeProvider(r.clock),
	)
	if err != nil {
		return nil, err
	}
	r.tracker = tracker

	if cfg.RateLimit > 0 {
		r.limiter = common.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
		logger.Info(context.Background(), "Rate limiting enabled", "events_per_sec", r.limiter.Limit())
	}

	return r, nil
}

// Tracker exposes the in-flight tracker for diagnostics.
func (r *Relay) Tracker() *acktracking.Tracker[replication.Position] { return r.tracker }

// Checkpointer returns the active checkpointer, or nil before Run.
func (r *Relay) Checkpointer() *Checkpointer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkpointer
}

// terminate stops the relay with err and forwards it to the external
// terminator. Only the first error is kept. It may run while the tracker's
// lock is held, so it must not call into the tracker.
func (r *Relay) terminate(err error) {
	r.mu.Lock()
	first := r.termErr == nil
	if first {
		r.termErr = err
	}
	cancel := r.cancelRun
	r.mu.Unlock()

	if !first {
		return
	}
	if cancel != nil {
		cancel(err)
	}
	if r.terminator != nil {
		r.terminator.Terminate(err)
	}
}

// Err returns the error that terminated the relay, if any.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.termErr
}

// Run forwards events until the source is exhausted, ctx is cancelled or the
// relay terminates. It returns the termination cause, if any, after draining
// outstanding sends and flushing the final checkpoint. A Relay runs once.
func (r *Relay) Run(ctx context.Context) error {
	start, err := r.store.Load(ctx, r.cfg.ClientID)
	switch {
	case errors.Is(err, replication.ErrNoCheckpoint):
		r.logger.Info(ctx, "No checkpoint found, starting from the beginning")
	case err != nil:
		return fmt.Errorf("failed to load checkpoint: %w", err)
	default:
		r.logger.Info(ctx, "Resuming from checkpoint", "position", start.Identifier())
	}

	src, err := r.openSource(ctx, start)
	if err != nil {
		return fmt.Errorf("failed to open source after %s: %w", start, err)
	}
	defer src.Close()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	checkpointer := NewCheckpointer(r.store, r.cfg.ClientID, start, r.cfg.FlushInterval, r.logger, r.metrics)

	r.mu.Lock()
	r.checkpointer = checkpointer
	r.cancelRun = cancel
	termErr := r.termErr
	r.mu.Unlock()
	if termErr != nil {
		return termErr
	}

	// The checkpointer outlives the read loop so it can persist progress made
	// while draining.
	cpCtx, cpCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cpCancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cpCancel()
		err := r.pump(gctx, src)
		r.drain(ctx)
		return err
	})
	g.Go(func() error {
		return checkpointer.Run(cpCtx)
	})

	runErr := g.Wait()

	r.logger.Info(ctx, "Relay stopped",
		"checkpoint", checkpointer.Saved().Identifier(),
		"inflight", r.tracker.Size(),
	)

	if termErr := r.Err(); termErr != nil {
		return termErr
	}
	return runErr
}

// pump reads, admits and sends events until the source ends or ctx is done.
func (r *Relay) pump(ctx context.Context, src replication.Source) error {
	for {
		evt, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			r.logger.Info(ctx, "Source exhausted")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read from source: %w", err)
		}
		r.metrics.IncEventsRead(ctx)

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		if err := r.forward(ctx, evt); err != nil {
			if ctx.Err() != nil || errors.Is(err, acktracking.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (r *Relay) forward(ctx context.Context, evt replication.RowEvent) error {
	ctx, span := r.tracer.Start(ctx, "relay.forward_event",
		trace.WithAttributes(
			attribute.String("event.id", evt.ID.String()),
			attribute.String("binlog.position", evt.Position.Identifier()),
			attribute.String("db.table", evt.PartitionKey()),
		))
	defer span.End()

	sentAt, err := r.tracker.Submit(ctx, evt.Position)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to track event")
		return fmt.Errorf("failed to track event at %s: %w", evt.Position, err)
	}

	r.pending.Add(1)
	if err := r.sink.Send(ctx, evt, r.acknowledge(sentAt)); err != nil {
		r.pending.Done()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send event")
		return fmt.Errorf("failed to send event at %s: %w", evt.Position, err)
	}
	return nil
}

// acknowledge builds the sink callback for an event submitted at sentAt.
func (r *Relay) acknowledge(sentAt time.Time) replication.Callback {
	return func(evt replication.RowEvent, sendErr error) {
		defer r.pending.Done()
		ctx := context.Background()

		if sendErr != nil {
			r.metrics.IncSendErrors(ctx, r.cfg.IgnoreProducerError)
			if !r.cfg.IgnoreProducerError {
				r.terminate(fmt.Errorf("sink failed to deliver event at %s: %w", evt.Position, sendErr))
				return
			}
			r.logger.Warn(ctx, "Skipping event after sink error",
				"position", evt.Position.Identifier(),
				"error", sendErr,
			)
		} else {
			r.metrics.IncEventsSent(ctx)
			r.metrics.ObserveSendLatency(ctx, r.clock.Since(sentAt))
		}

		cursor, advanced, err := r.tracker.Complete(evt.Position)
		if err != nil {
			r.terminate(fmt.Errorf("in-flight bookkeeping corrupted: %w", err))
			return
		}
		if advanced {
			r.Checkpointer().Advance(cursor)
		}
	}
}

// drain waits for outstanding callbacks, up to the drain timeout, and then
// closes the tracker.
func (r *Relay) drain(ctx context.Context) {
	defer r.tracker.Close()

	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()

	timer := time.NewTimer(r.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		r.logger.Warn(ctx, "Timed out waiting for in-flight sends",
			"inflight", r.tracker.Size(),
			"timeout", r.cfg.DrainTimeout.String(),
		)
	}
}
