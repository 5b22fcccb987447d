package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

// ClientConfig contains all configuration needed for Kafka client setup.
type ClientConfig struct {
	Brokers  []string
	ClientID string
	// Compression is one of none, gzip, snappy, lz4 or zstd.
	Compression string
	// MaxElapsedTime bounds how long NewClient keeps retrying the initial
	// connection. Zero uses the default of five minutes.
	MaxElapsedTime time.Duration
}

// NewProducerConfig returns the sarama configuration used by the sink. The
// producer waits for all in-sync replicas and reports both successes and
// errors so every send's callback fires exactly once.
func NewProducerConfig(cfg *ClientConfig) (*sarama.Config, error) {
	config := sarama.NewConfig()
	if cfg.ClientID != "" {
		config.ClientID = cfg.ClientID
	}

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Retry.Max = 5
	config.Producer.Retry.Backoff = 250 * time.Millisecond

	if cfg.Compression != "" {
		var codec sarama.CompressionCodec
		if err := codec.UnmarshalText([]byte(cfg.Compression)); err != nil {
			return nil, fmt.Errorf("invalid compression %q: %w", cfg.Compression, err)
		}
		config.Producer.Compression = codec
	}

	config.Version = sarama.V3_6_0_0

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid producer config: %w", err)
	}
	return config, nil
}

// NewClient creates a Kafka client, retrying with exponential backoff while
// the brokers are unreachable.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	config, err := NewProducerConfig(cfg)
	if err != nil {
		return nil, err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	if cfg.MaxElapsedTime > 0 {
		expBackoff.MaxElapsedTime = cfg.MaxElapsedTime
	}
	expBackoff.InitialInterval = 5 * time.Second

	var client sarama.Client
	operation := func() error {
		c, err := sarama.NewClient(cfg.Brokers, config)
		if err != nil {
			return fmt.Errorf("creating kafka client: %w", err)
		}
		client = c
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to kafka after retries: %w", err)
	}
	return client, nil
}
