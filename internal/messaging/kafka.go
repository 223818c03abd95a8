// Package messaging connects the outbox and the fee consumer to Kafka.
package messaging

import (
	"context"
	"sort"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// NewKafkaConfig returns the producer/consumer settings shared by every
// service. Producers wait for all in-sync replicas and report successes so
// SendMessage is synchronous.
func NewKafkaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	return cfg
}

// Publisher is what a service needs to drain its outbox.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
	Close() error
}

// NewPublisher connects to brokers, or falls back to a LogPublisher when none
// are configured.
func NewPublisher(brokers []string, clientID string, logger *zap.Logger) (Publisher, error) {
	if len(brokers) == 0 {
		logger.Warn("no kafka brokers configured, outbox events are only logged")
		return NewLogPublisher(logger), nil
	}
	return NewKafkaPublisher(brokers, clientID, logger)
}

// KafkaPublisher publishes outbox events with a synchronous producer.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
}

func NewKafkaPublisher(brokers []string, clientID string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	sarama.Logger = zap.NewStdLog(logger.Named("sarama"))
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaConfig(clientID))
	if err != nil {
		return nil, errors.Wrap(err, "unable to create kafka producer")
	}
	return NewKafkaPublisherFromProducer(producer, logger), nil
}

func NewKafkaPublisherFromProducer(producer sarama.SyncProducer, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, logger: logger.Named("kafka")}
}

func (k *KafkaPublisher) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(payload),
		Headers: recordHeaders(headers),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}
	k.logger.Debug("published",
		zap.String("topic", topic), zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.producer.Close()
}

func recordHeaders(headers map[string]string) []sarama.RecordHeader {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(headers[k])})
	}
	return out
}

// LogPublisher logs events instead of publishing them. Used when no broker is
// configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("publisher")}
}

func (l *LogPublisher) Publish(_ context.Context, topic, key string, payload []byte, headers map[string]string) error {
	l.logger.Info("event",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.String("event_type", headers["event_type"]),
		zap.ByteString("payload", payload))
	return nil
}

func (l *LogPublisher) Close() error { return nil }
