// Package config defines the relay's configuration and loads it from an
// optional YAML file overlaid with RELAY_* environment variables.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/binlog-relay/internal/infra/messaging/acktracking"
)

// SinkKind selects where events are delivered.
type SinkKind string

const (
	SinkKafka  SinkKind = "kafka"
	SinkStdout SinkKind = "stdout"
)

// StoreKind selects where checkpoints are persisted.
type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StorePostgres StoreKind = "postgres"
	StorePebble   StoreKind = "pebble"
)

// Config represents the top-level configuration.
type Config struct {
	Producer   ProducerConfig   `mapstructure:"producer" yaml:"producer"`
	Inflight   InflightConfig   `mapstructure:"inflight" yaml:"inflight"`
	Kafka      KafkaConfig      `mapstructure:"kafka" yaml:"kafka"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint"`
	Source     SourceConfig     `mapstructure:"source" yaml:"source"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry"`
	Health     HealthConfig     `mapstructure:"health" yaml:"health"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// ProducerConfig controls how events are forwarded.
type ProducerConfig struct {
	// ClientID names this relay; its checkpoint is stored under it.
	ClientID string   `mapstructure:"client_id" yaml:"client_id" validate:"required,max=255"`
	Sink     SinkKind `mapstructure:"sink" yaml:"sink" validate:"oneof=kafka stdout"`
	Encoding string   `mapstructure:"encoding" yaml:"encoding" validate:"oneof=json protobuf"`
	// RateLimit caps events per second. Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst" validate:"gte=0"`
	// IgnoreProducerError skips events the sink fails to deliver instead of
	// stopping the relay.
	IgnoreProducerError bool          `mapstructure:"ignore_producer_error" yaml:"ignore_producer_error"`
	DrainTimeout        time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout" validate:"gt=0"`
}

// InflightConfig bounds outstanding sends and configures stuck-head detection.
type InflightConfig struct {
	Capacity            int     `mapstructure:"capacity" yaml:"capacity" validate:"gt=0"`
	CompletionThreshold float64 `mapstructure:"completion_threshold" yaml:"completion_threshold" validate:"gte=0,lte=1"`
	// Timeout is how long the head may stay unacknowledged while the list is
	// full. Zero disables detection.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
}

// TrackerConfig converts c into the tracker's configuration.
func (c InflightConfig) TrackerConfig() acktracking.Config {
	return acktracking.Config{
		Capacity:            c.Capacity,
		CompletionThreshold: c.CompletionThreshold,
		InflightTimeout:     c.Timeout,
	}
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers" yaml:"brokers" validate:"dive,hostname_port"`
	Topic       string   `mapstructure:"topic" yaml:"topic"`
	Compression string   `mapstructure:"compression" yaml:"compression" validate:"oneof=none gzip snappy lz4 zstd"`
	// ConnectTimeout bounds retries of the initial broker connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" validate:"gt=0"`
}

// CheckpointConfig selects and configures the checkpoint store.
type CheckpointConfig struct {
	Store         StoreKind     `mapstructure:"store" yaml:"store" validate:"oneof=memory postgres pebble"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" validate:"gt=0"`
	PostgresDSN   string        `mapstructure:"postgres_dsn" yaml:"postgres_dsn,omitempty" validate:"required_if=Store postgres"`
	PebbleDir     string        `mapstructure:"pebble_dir" yaml:"pebble_dir,omitempty" validate:"required_if=Store pebble"`
}

// SourceConfig locates the replay file events are read from.
type SourceConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind" validate:"oneof=file"`
	Path string `mapstructure:"path" yaml:"path" validate:"required"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name" yaml:"service_name" validate:"required"`
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// HealthConfig configures the health and debug HTTP server.
type HealthConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr" validate:"required"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
}

// YAML renders the configuration as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}
