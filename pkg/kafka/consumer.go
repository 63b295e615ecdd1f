// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer serialises values as JSON, while the
// consumer hands raw messages to a MessageHandler and commits offsets only
// after the handler succeeds, giving at-least-once delivery.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/config"
	"github.com/segmentio/kafka-go"
)

const commitTimeout = 5 * time.Second

// MessageHandler is a callback invoked for each Kafka message.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler.
type Consumer struct {
	reader  messageReader
	logger  *slog.Logger
	handler MessageHandler
	window  int
}

// ConsumerOption customises a Consumer.
type ConsumerOption func(*Consumer)

// WithWindow lets up to n messages be handled concurrently. Offsets are
// still committed in fetch order, so a slow message holds back the commits
// of the ones fetched after it.
func WithWindow(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.window = n
		}
	}
}

// NewConsumer creates a group Consumer for the given topic and handler.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return newConsumer(r, topic, handler, opts...)
}

func newConsumer(r messageReader, topic string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler: handler,
		window:  1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type inflight struct {
	msg  kafka.Message
	done chan error
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled. Offsets are committed in fetch order and never past a
// message whose handler failed: on the first failure the consumer stops
// committing, shuts down and returns the failure, so the group redelivers
// from that offset.
func (c *Consumer) Start(ctx context.Context) (err error) {
	c.logger.Info("consumer started", "window", c.window)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var halted error
	slots := make(chan struct{}, c.window)
	pending := make(chan inflight, c.window)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.commitInOrder(ctx, pending, func(failure error) {
			halted = failure
			cancel(failure)
		})
	}()
	defer func() {
		close(pending)
		wg.Wait()
		if cerr := c.reader.Close(); cerr != nil {
			c.logger.Warn("closing reader", "error", cerr)
		}
		if halted != nil {
			err = halted
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", context.Cause(ctx))
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value_size", len(msg.Value),
		)

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			// Fetched but unhandled messages stay uncommitted and are
			// redelivered.
			return nil
		}
		item := inflight{msg: msg, done: make(chan error, 1)}
		go func() {
			item.done <- c.handler(ctx, msg.Key, msg.Value)
			<-slots
		}()
		select {
		case pending <- item:
		case <-ctx.Done():
			<-item.done
			return nil
		}
	}
}

// commitInOrder commits handled messages in fetch order. After the first
// failure it calls halt once and only drains the rest.
func (c *Consumer) commitInOrder(ctx context.Context, pending <-chan inflight, halt func(error)) {
	var failed bool
	for item := range pending {
		err := <-item.done
		if failed {
			continue
		}
		if err != nil {
			failed = true
			if ctx.Err() != nil {
				// Shutting down; the message is redelivered.
				continue
			}
			c.logger.Error("failed to process message, halting before its offset",
				"partition", item.msg.Partition,
				"offset", item.msg.Offset,
				"error", err,
			)
			halt(fmt.Errorf("partition %d offset %d: %w", item.msg.Partition, item.msg.Offset, err))
			continue
		}
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		err = c.reader.CommitMessages(commitCtx, item.msg)
		cancel()
		if err != nil {
			c.logger.Error("failed to commit message",
				"partition", item.msg.Partition,
				"offset", item.msg.Offset,
				"error", err,
			)
		}
	}
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
