package relay

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/binlog-relay/internal/infra/messaging/acktracking"
	"github.com/ahrav/binlog-relay/internal/infra/sink/kafka"
)

// Metrics defines the observations the relay and its collaborators emit.
type Metrics interface {
	// In-flight tracker metrics
	acktracking.Metrics

	// Sink metrics
	kafka.SinkMetrics

	// Relay metrics
	IncEventsRead(ctx context.Context)
	IncEventsSent(ctx context.Context)
	IncSendErrors(ctx context.Context, ignored bool)
	ObserveSendLatency(ctx context.Context, d time.Duration)

	// Checkpoint metrics
	CheckpointMetrics
}

// CheckpointMetrics tracks checkpoint persistence.
type CheckpointMetrics interface {
	IncCheckpointSaved(ctx context.Context)
	IncCheckpointErrors(ctx context.Context)
}

const namespace = "relay"

// relayMetrics implements Metrics
type relayMetrics struct {
	// Tracker metrics
	inflight       metric.Int64Gauge
	cursorAdvanced metric.Int64Counter
	submitWait     metric.Float64Histogram
	stuckHead      metric.Int64Counter

	// Sink metrics
	messagesPublished metric.Int64Counter
	publishErrors     metric.Int64Counter

	// Relay metrics
	eventsRead  metric.Int64Counter
	eventsSent  metric.Int64Counter
	sendErrors  metric.Int64Counter
	sendLatency metric.Float64Histogram

	// Checkpoint metrics
	checkpointsSaved metric.Int64Counter
	checkpointErrors metric.Int64Counter
}

// NewRelayMetrics creates the relay's instruments on mp.
func NewRelayMetrics(mp metric.MeterProvider) (*relayMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(relayMetrics)
	var err error

	if m.inflight, err = meter.Int64Gauge(
		"relay.inflight",
		metric.WithDescription("Number of sends awaiting acknowledgement"),
	); err != nil {
		return nil, err
	}

	if m.cursorAdvanced, err = meter.Int64Counter(
		"relay.cursor_advanced",
		metric.WithDescription("Number of entries retired from the head of the in-flight list"),
	); err != nil {
		return nil, err
	}

	if m.submitWait, err = meter.Float64Histogram(
		"relay.submit_wait",
		metric.WithDescription("Time spent waiting for in-flight capacity"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.stuckHead, err = meter.Int64Counter(
		"relay.stuck_head",
		metric.WithDescription("Number of times the in-flight head was declared stuck"),
	); err != nil {
		return nil, err
	}

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if m.eventsRead, err = meter.Int64Counter(
		"relay.events_read",
		metric.WithDescription("Number of events read from the source"),
	); err != nil {
		return nil, err
	}

	if m.eventsSent, err = meter.Int64Counter(
		"relay.events_sent",
		metric.WithDescription("Number of events acknowledged by the sink"),
	); err != nil {
		return nil, err
	}

	if m.sendErrors, err = meter.Int64Counter(
		"relay.send_errors",
		metric.WithDescription("Number of events the sink failed to deliver"),
	); err != nil {
		return nil, err
	}

	if m.sendLatency, err = meter.Float64Histogram(
		"relay.send_latency",
		metric.WithDescription("Time from submission to acknowledgement"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.checkpointsSaved, err = meter.Int64Counter(
		"relay.checkpoints_saved",
		metric.WithDescription("Number of checkpoints persisted"),
	); err != nil {
		return nil, err
	}

	if m.checkpointErrors, err = meter.Int64Counter(
		"relay.checkpoint_errors",
		metric.WithDescription("Number of failed checkpoint writes"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *relayMetrics) SetInflight(ctx context.Context, n int) {
	m.inflight.Record(ctx, int64(n))
}

func (m *relayMetrics) ObserveCursorAdvance(ctx context.Context, n int) {
	m.cursorAdvanced.Add(ctx, int64(n))
}

func (m *relayMetrics) ObserveSubmitWait(ctx context.Context, d time.Duration) {
	m.submitWait.Record(ctx, d.Seconds())
}

func (m *relayMetrics) IncStuckHead(ctx context.Context) { m.stuckHead.Add(ctx, 1) }

// Kafka SinkMetrics implementations
func (m *relayMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *relayMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *relayMetrics) IncEventsRead(ctx context.Context) { m.eventsRead.Add(ctx, 1) }
func (m *relayMetrics) IncEventsSent(ctx context.Context) { m.eventsSent.Add(ctx, 1) }

func (m *relayMetrics) IncSendErrors(ctx context.Context, ignored bool) {
	m.sendErrors.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ignored", ignored)))
}

func (m *relayMetrics) ObserveSendLatency(ctx context.Context, d time.Duration) {
	m.sendLatency.Record(ctx, d.Seconds())
}

func (m *relayMetrics) IncCheckpointSaved(ctx context.Context)  { m.checkpointsSaved.Add(ctx, 1) }
func (m *relayMetrics) IncCheckpointErrors(ctx context.Context) { m.checkpointErrors.Add(ctx, 1) }
