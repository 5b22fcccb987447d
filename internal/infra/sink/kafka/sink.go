// Package kafka provides a sink that publishes row events to a Kafka topic
// through an asynchronous producer.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/binlog-relay/internal/domain/replication"
	"github.com/ahrav/binlog-relay/internal/infra/serialization"
	"github.com/ahrav/binlog-relay/pkg/common/logger"
)

// Header keys attached to every produced message.
const (
	HeaderEventID     = "event_id"
	HeaderPosition    = "position"
	HeaderContentType = "content_type"
)

// ErrSinkClosed is returned by Send after Close has been called.
var ErrSinkClosed = errors.New("kafka sink closed")

// SinkMetrics tracks publish outcomes per topic.
type SinkMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
}

// SinkConfig configures where and how events are written.
type SinkConfig struct {
	Topic string
}

// delivery travels with a message through the producer in its Metadata field
// and carries what is needed to finish the send.
type delivery struct {
	ctx  context.Context
	span trace.Span
	evt  replication.RowEvent
	cb   replication.Callback
}

var _ replication.Sink = (*Sink)(nil)

// Sink publishes events to Kafka. Acknowledgements arrive on the producer's
// Successes and Errors channels in whatever order the brokers answer, so
// callbacks may complete out of submission order.
type Sink struct {
	producer sarama.AsyncProducer
	topic    string
	encoder  serialization.Encoder

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics SinkMetrics
}

// NewSink wraps producer. The producer must be configured with
// Producer.Return.Successes and Producer.Return.Errors enabled.
func NewSink(
	producer sarama.AsyncProducer,
	cfg SinkConfig,
	encoder serialization.Encoder,
	logger *logger.Logger,
	metrics SinkMetrics,
	tracer trace.Tracer,
) (*Sink, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka sink")
	}

	s := &Sink{
		producer: producer,
		topic:    cfg.Topic,
		encoder:  encoder,
		logger:   logger.With("component", "kafka_sink", "topic", cfg.Topic),
		tracer:   tracer,
		metrics:  metrics,
	}

	s.wg.Add(2)
	go s.drainSuccesses()
	go s.drainErrors()

	return s, nil
}

// NewSinkFromClient creates an async producer on client and wraps it.
func NewSinkFromClient(
	client sarama.Client,
	cfg SinkConfig,
	encoder serialization.Encoder,
	logger *logger.Logger,
	metrics SinkMetrics,
	tracer trace.Tracer,
) (*Sink, error) {
	producer, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("creating async producer: %w", err)
	}

	s, err := NewSink(producer, cfg, encoder, logger, metrics, tracer)
	if err != nil {
		producer.Close()
		return nil, err
	}
	return s, nil
}

// Send encodes evt and queues it on the producer. The callback runs once the
// broker acknowledges or rejects the message.
func (s *Sink) Send(ctx context.Context, evt replication.RowEvent, cb replication.Callback) error {
	ctx, span := startProducerSpan(ctx, s.topic, s.tracer)
	span.SetAttributes(
		attribute.String("event.id", evt.ID.String()),
		attribute.String("binlog.position", evt.Position.Identifier()),
	)

	payload, err := s.encoder.Encode(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode event")
		span.End()
		s.metrics.IncPublishError(ctx, s.topic)
		return fmt.Errorf("failed to encode event at %s: %w", evt.Position, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(evt.PartitionKey()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventID), Value: []byte(evt.ID.String())},
			{Key: []byte(HeaderPosition), Value: []byte(evt.Position.Identifier())},
			{Key: []byte(HeaderContentType), Value: []byte(s.encoder.ContentType())},
		},
		Metadata: &delivery{ctx: ctx, span: span, evt: evt, cb: cb},
	}
	injectTraceContext(ctx, msg)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		span.SetStatus(codes.Error, "sink closed")
		span.End()
		return ErrSinkClosed
	}

	select {
	case s.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, "send cancelled")
		span.End()
		return ctx.Err()
	}
}

func (s *Sink) drainSuccesses() {
	defer s.wg.Done()
	for msg := range s.producer.Successes() {
		d, ok := msg.Metadata.(*delivery)
		if !ok {
			continue
		}
		d.span.SetAttributes(
			attribute.Int64("kafka.partition", int64(msg.Partition)),
			attribute.Int64("kafka.offset", msg.Offset),
		)
		d.span.End()
		s.metrics.IncMessagePublished(d.ctx, s.topic)
		s.logger.Debug(d.ctx, "Published event to Kafka",
			"position", d.evt.Position.Identifier(),
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		if d.cb != nil {
			d.cb(d.evt, nil)
		}
	}
}

func (s *Sink) drainErrors() {
	defer s.wg.Done()
	for perr := range s.producer.Errors() {
		if perr.Msg == nil {
			s.logger.Error(context.Background(), "Kafka producer error without message", "error", perr.Err)
			continue
		}
		d, ok := perr.Msg.Metadata.(*delivery)
		if !ok {
			continue
		}
		d.span.RecordError(perr.Err)
		d.span.SetStatus(codes.Error, "failed to publish event")
		d.span.End()
		s.metrics.IncPublishError(d.ctx, s.topic)
		s.logger.Warn(d.ctx, "Failed to publish event to Kafka",
			"position", d.evt.Position.Identifier(),
			"error", perr.Err,
		)
		if d.cb != nil {
			d.cb(d.evt, fmt.Errorf("failed to send event at %s to topic %s: %w", d.evt.Position, s.topic, perr.Err))
		}
	}
}

// Close stops accepting sends, flushes buffered messages and waits until
// every outstanding callback has run.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.producer.AsyncClose()
	s.wg.Wait()
	return nil
}
