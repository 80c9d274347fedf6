package revision

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"universe-state/internal/logger"
)

// ConsumerConfig configures the Kafka consumer.
type ConsumerConfig struct {
	Brokers    []string      `yaml:"brokers"`
	Topic      string        `yaml:"topic" default:"bar-revisions"`
	GroupID    string        `yaml:"group_id" default:"universe-state"`
	DLQTopic   string        `yaml:"dlq_topic"`
	RetryMax   int           `yaml:"retry_max" default:"3"`
	BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
	BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
	MinBytes   int           `yaml:"min_bytes" default:"1"`
	MaxBytes   int           `yaml:"max_bytes" default:"10000000"`
}

// MessageHandler processes one message payload.
type MessageHandler interface {
	Handle(ctx context.Context, data []byte) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads revision events from one topic and hands them to a
// handler one at a time. An offset is committed after the handler succeeds,
// after a permanent failure, or after a DLQ publish.
type Consumer struct {
	cfg     ConsumerConfig
	reader  messageReader
	dlq     messageWriter
	handler MessageHandler
	log     *logger.Logger
}

// NewConsumer creates a consumer-group reader for cfg.Topic.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, log *logger.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("topic and group_id are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})
	var dlq messageWriter
	if cfg.DLQTopic != "" {
		dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Topic: cfg.DLQTopic, Balancer: &kafka.LeastBytes{}}
	}
	return newConsumer(cfg, reader, dlq, handler, log), nil
}

func newConsumer(cfg ConsumerConfig, reader messageReader, dlq messageWriter, handler MessageHandler, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.Nop()
	}
	return &Consumer{cfg: cfg, reader: reader, dlq: dlq, handler: handler, log: log.With(logger.String("topic", cfg.Topic))}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("revision consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("revision consumer stopping")
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// process handles one message with retries and decides whether to commit.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	var err error
	attempts := 0
	for {
		attempts++
		err = c.handleSafely(ctx, msg.Value)
		if err == nil || errors.Is(err, ErrInvalidEvent) || attempts > c.cfg.RetryMax {
			break
		}
		c.log.Warn("revision handling failed, retrying",
			logger.Int("attempt", attempts),
			logger.Int64("offset", msg.Offset),
			logger.Err(err),
		)
		select {
		case <-time.After(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempts)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err != nil {
		c.log.Error("revision dropped",
			logger.Int("partition", msg.Partition),
			logger.Int64("offset", msg.Offset),
			logger.Int("attempts", attempts),
			logger.Err(err),
		)
		permanent := errors.Is(err, ErrInvalidEvent)
		if c.dlq != nil {
			dlqErr := c.dlq.WriteMessages(ctx, kafka.Message{
				Key:   msg.Key,
				Value: msg.Value,
				Time:  time.Now(),
				Headers: []kafka.Header{
					{Key: "source_topic", Value: []byte(msg.Topic)},
					{Key: "error", Value: []byte(err.Error())},
				},
			})
			if dlqErr != nil {
				return fmt.Errorf("write dlq: %w", dlqErr)
			}
		} else if !permanent {
			// Leave the offset uncommitted so the revision is redelivered.
			return fmt.Errorf("revision at offset %d: %w", msg.Offset, err)
		}
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

func (c *Consumer) handleSafely(ctx context.Context, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in revision handler: %v", r)
		}
	}()
	return c.handler.Handle(ctx, data)
}

// Close closes the reader and DLQ writer.
func (c *Consumer) Close() error {
	var errs []error
	if err := c.reader.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.dlq != nil {
		if err := c.dlq.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	exp := min * time.Duration(1<<uint(attempt-1))
	if exp > max || exp <= 0 {
		exp = max
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp - jitter
}

// Publisher writes revision events, keyed by instrument so revisions of
// one instrument stay ordered within a partition.
type Publisher struct {
	topic string
	w     messageWriter
}

// NewPublisher creates a publisher for cfg.Topic.
func NewPublisher(cfg ConsumerConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return newPublisher(cfg.Topic, &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}), nil
}

func newPublisher(topic string, w messageWriter) *Publisher {
	return &Publisher{topic: topic, w: w}
}

// Topic returns the topic events are written to.
func (p *Publisher) Topic() string {
	return p.topic
}

// Publish encodes and writes one event. Invalid events are rejected with
// ErrInvalidEvent before anything is written.
func (p *Publisher) Publish(ctx context.Context, ev *Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(int64(ev.InstrumentID), 10)),
		Value: data,
		Time:  ev.RevisedAt,
	}); err != nil {
		return fmt.Errorf("write revision: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}
