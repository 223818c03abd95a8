package messaging

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// HandlerFunc processes one message. Returning an error makes the consumer
// retry the message with backoff before moving on.
type HandlerFunc func(ctx context.Context, msg *sarama.ConsumerMessage) error

// Consumer runs a consumer group over a fixed set of topics.
type Consumer struct {
	group    sarama.ConsumerGroup
	topics   []string
	handler  HandlerFunc
	logger   *zap.Logger
	maxRetry time.Duration
}

func NewConsumer(brokers []string, groupID string, topics []string, handler HandlerFunc, logger *zap.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	group, err := sarama.NewConsumerGroup(brokers, groupID, NewKafkaConfig(groupID))
	if err != nil {
		return nil, errors.Wrap(err, "unable to create consumer group")
	}
	return &Consumer{
		group:    group,
		topics:   topics,
		handler:  handler,
		logger:   logger.Named("consumer"),
		maxRetry: time.Minute,
	}, nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Warn("consumer group error", zap.Error(err))
		}
	}()

	for {
		err := c.group.Consume(ctx, c.topics, &groupHandler{c: c})
		if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "consume")
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

type groupHandler struct {
	c *Consumer
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.c.deliver(sess.Context(), msg) {
				return nil
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

// deliver reports false when the session ended before the message settled,
// leaving it unmarked for the next owner of the partition.
func (c *Consumer) deliver(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.maxRetry
	err := backoff.RetryNotify(func() error {
		return c.handler(ctx, msg)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.logger.Warn("handler failed, retrying",
			zap.String("topic", msg.Topic), zap.Int64("offset", msg.Offset),
			zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil && ctx.Err() != nil {
		return false
	}
	if err != nil {
		c.logger.Error("message skipped after retries",
			zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset), zap.Error(err))
	}
	return true
}

// Header returns the value of the named record header.
func Header(msg *sarama.ConsumerMessage, name string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == name {
			return string(h.Value)
		}
	}
	return ""
}
