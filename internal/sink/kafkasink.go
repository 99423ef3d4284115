package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/shortontech/cellscan/internal/metrics"
	"github.com/shortontech/cellscan/internal/record"
)

// KafkaConfig holds configuration for Kafka producer
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Acks        string
	Compression string

	// SASL config
	SASLMechanism string
	SASLUser      string
	SASLPassword  string

	// TLS config
	TLSCAPath     string
	TLSSkipVerify bool
}

// KafkaSink produces records to Kafka with key=record_id for idempotency
type KafkaSink struct {
	config   KafkaConfig
	producer *kafka.Producer
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewKafkaSinkFromEnv creates a KafkaSink from environment variables
func NewKafkaSinkFromEnv(logger *zap.Logger, m *metrics.Metrics) *KafkaSink {
	brokersStr := getEnvOr("KAFKA_BROKERS", "localhost:9092")
	brokers := strings.Split(brokersStr, ",")
	for i, broker := range brokers {
		brokers[i] = strings.TrimSpace(broker)
	}

	config := KafkaConfig{
		Brokers:       brokers,
		Topic:         getEnvOr("KAFKA_TOPIC", "cellscan.records"),
		Acks:          getEnvOr("KAFKA_ACKS", "all"),
		Compression:   getEnvOr("KAFKA_COMPRESSION", ""),
		SASLMechanism: os.Getenv("KAFKA_SASL_MECHANISM"),
		SASLUser:      os.Getenv("KAFKA_SASL_USER"),
		SASLPassword:  os.Getenv("KAFKA_SASL_PASSWORD"),
		TLSCAPath:     os.Getenv("KAFKA_TLS_CA"),
		TLSSkipVerify: getBoolEnv("KAFKA_TLS_SKIP_VERIFY", false),
	}

	return &KafkaSink{config: config, logger: orNop(logger), metrics: m}
}

// NewKafkaSink creates a KafkaSink with explicit configuration
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		config: KafkaConfig{
			Brokers: brokers,
			Topic:   topic,
			Acks:    "all",
		},
		logger: zap.NewNop(),
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) configMap() kafka.ConfigMap {
	configMap := kafka.ConfigMap{
		"bootstrap.servers": strings.Join(s.config.Brokers, ","),
		"acks":              s.config.Acks,
		"retries":           10,
		"retry.backoff.ms":  100,
		"batch.size":        16384,
		"linger.ms":         10,
	}

	if s.config.Compression != "" {
		configMap["compression.type"] = s.config.Compression
	}

	if s.config.SASLMechanism != "" {
		configMap["security.protocol"] = "SASL_SSL"
		configMap["sasl.mechanism"] = s.config.SASLMechanism
		if s.config.SASLUser != "" {
			configMap["sasl.username"] = s.config.SASLUser
		}
		if s.config.SASLPassword != "" {
			configMap["sasl.password"] = s.config.SASLPassword
		}
	}

	if s.config.TLSCAPath != "" {
		if s.config.SASLMechanism == "" {
			configMap["security.protocol"] = "SSL"
		}
		configMap["ssl.ca.location"] = s.config.TLSCAPath
	}

	if s.config.TLSSkipVerify {
		configMap["ssl.endpoint.identification.algorithm"] = "none"
	}
	return configMap
}

func (s *KafkaSink) Start(ctx context.Context) error {
	s.logger = orNop(s.logger)
	configMap := s.configMap()
	producer, err := kafka.NewProducer(&configMap)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	s.producer = producer
	go s.handleDeliveryReports(ctx)
	return nil
}

func (s *KafkaSink) Enqueue(r record.Record) error {
	if s.producer == nil {
		return fmt.Errorf("kafka producer not initialized")
	}

	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &s.config.Topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(r.RecordID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "record_type", Value: []byte(r.Type)},
			{Key: "schema", Value: []byte(record.SchemaVersion)},
		},
	}

	if err := s.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if s.producer == nil {
		return nil
	}

	// Wait up to 10 seconds for in-flight messages.
	remaining := s.producer.Flush(10 * 1000)
	s.producer.Close()
	s.producer = nil
	if remaining > 0 {
		return fmt.Errorf("failed to flush %d remaining messages", remaining)
	}
	return nil
}

// handleDeliveryReports processes delivery reports in background
func (s *KafkaSink) handleDeliveryReports(ctx context.Context) {
	events := s.producer.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case *kafka.Message:
				if e.TopicPartition.Error != nil {
					s.metrics.IncrementSinkErrors(s.Name(), "delivery")
					s.logger.Warn("kafka delivery failed", zap.Error(e.TopicPartition.Error))
				}
			case kafka.Error:
				s.metrics.IncrementSinkErrors(s.Name(), "client")
				s.logger.Warn("kafka error", zap.String("code", e.Code().String()), zap.Error(e))
			}
		}
	}
}

func orNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
