package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ahrav/binlog-relay/internal/infra/messaging/acktracking"
)

// EnvPrefix prefixes every environment override, e.g. RELAY_KAFKA_BROKERS.
const EnvPrefix = "RELAY"

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files, environment
// variables, or remote configuration services.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	// It returns the parsed configuration or an error if loading fails.
	Load(ctx context.Context) (*Config, error)
}

var _ Loader = (*ViperLoader)(nil)

// ViperLoader layers defaults, an optional config file and environment
// variables, in increasing order of precedence.
type ViperLoader struct {
	path string
}

// NewViperLoader creates a loader reading path. An empty path loads defaults
// and environment variables only.
func NewViperLoader(path string) *ViperLoader { return &ViperLoader{path: path} }

// Load reads, decodes and validates the configuration.
func (l *ViperLoader) Load(ctx context.Context) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("producer.client_id", "binlog-relay")
	v.SetDefault("producer.sink", string(SinkKafka))
	v.SetDefault("producer.encoding", "json")
	v.SetDefault("producer.rate_limit", 0)
	v.SetDefault("producer.rate_burst", 0)
	v.SetDefault("producer.ignore_producer_error", false)
	v.SetDefault("producer.drain_timeout", "30s")

	v.SetDefault("inflight.capacity", acktracking.DefaultCapacity)
	v.SetDefault("inflight.completion_threshold", acktracking.DefaultCompletionThreshold)
	v.SetDefault("inflight.timeout", "0s")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "binlog")
	v.SetDefault("kafka.compression", "snappy")
	v.SetDefault("kafka.connect_timeout", "5m")

	v.SetDefault("checkpoint.store", string(StoreMemory))
	v.SetDefault("checkpoint.flush_interval", "1s")
	v.SetDefault("checkpoint.postgres_dsn", "")
	v.SetDefault("checkpoint.pebble_dir", "")

	v.SetDefault("source.kind", "file")
	v.SetDefault("source.path", "")

	v.SetDefault("telemetry.service_name", "binlog-relay")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("health.addr", ":8080")

	v.SetDefault("log.level", "info")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateSink, Config{})
	return v
}

// validateSink requires the Kafka settings only when Kafka is the sink.
func validateSink(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	if cfg.Producer.Sink != SinkKafka {
		return
	}
	if len(cfg.Kafka.Brokers) == 0 {
		sl.ReportError(cfg.Kafka.Brokers, "Kafka.Brokers", "Brokers", "required_with_kafka_sink", "")
	}
	if cfg.Kafka.Topic == "" {
		sl.ReportError(cfg.Kafka.Topic, "Kafka.Topic", "Topic", "required_with_kafka_sink", "")
	}
}

// Validate checks cfg and reports every violation in a single error.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
