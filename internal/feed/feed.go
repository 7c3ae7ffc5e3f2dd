// Package feed carries normalized platform events over watermill.
//
// The memory backend is a gochannel pub/sub for single-process runs and
// tests. The redis backend uses Redis Streams with a consumer group so a
// restarted daemon resumes where it stopped.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/danmuck/threadlock/internal/platform"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTopic    = "threadlock.events"
	DefaultGroup    = "threadlock"
	DefaultConsumer = "threadlockd"

	metadataEventType = "event_type"
	metadataThreadID  = "thread_id"
)

var (
	ErrUnknownBackend   = errors.New("feed: unknown backend")
	ErrRedisURLRequired = errors.New("feed: redis url required")
)

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

type Config struct {
	Backend       Backend
	Topic         string
	RedisURL      string
	RedisGroup    string
	RedisConsumer string
	Buffer        int64
}

func DefaultConfig() Config {
	return Config{
		Backend:       BackendMemory,
		Topic:         DefaultTopic,
		RedisGroup:    DefaultGroup,
		RedisConsumer: DefaultConsumer,
		Buffer:        256,
	}
}

// Bus is a publisher and subscriber pair bound to one topic.
type Bus struct {
	backend    Backend
	topic      string
	publisher  message.Publisher
	subscriber message.Subscriber
	closers    []func() error
}

// Open builds the configured backend.
func Open(cfg Config, logger watermill.LoggerAdapter) (*Bus, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}

	switch cfg.Backend {
	case BackendMemory, "":
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: cfg.Buffer,
		}, logger)
		return &Bus{
			backend:    BackendMemory,
			topic:      topic,
			publisher:  ch,
			subscriber: ch,
			closers:    []func() error{ch.Close},
		}, nil

	case BackendRedis:
		return openRedis(cfg, topic, logger)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

func openRedis(cfg Config, topic string, logger watermill.LoggerAdapter) (*Bus, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return nil, ErrRedisURLRequired
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("feed: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("feed: redis publisher: %w", err)
	}

	group := strings.TrimSpace(cfg.RedisGroup)
	if group == "" {
		group = DefaultGroup
	}
	consumer := strings.TrimSpace(cfg.RedisConsumer)
	if consumer == "" {
		consumer = DefaultConsumer
	}
	subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		_ = client.Close()
		return nil, fmt.Errorf("feed: redis subscriber: %w", err)
	}

	return &Bus{
		backend:    BackendRedis,
		topic:      topic,
		publisher:  publisher,
		subscriber: subscriber,
		closers:    []func() error{subscriber.Close, publisher.Close, client.Close},
	}, nil
}

func (b *Bus) Backend() Backend { return b.backend }

func (b *Bus) Topic() string { return b.topic }

// Publish encodes and publishes events in order.
func (b *Bus) Publish(events ...platform.Event) error {
	msgs := make([]*message.Message, 0, len(events))
	for _, evt := range events {
		msg, err := Encode(evt)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := b.publisher.Publish(b.topic, msgs...); err != nil {
		return fmt.Errorf("feed: publish: %w", err)
	}
	return nil
}

// Subscribe returns the message stream for the bus topic. The channel
// closes when ctx ends or the bus closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	msgs, err := b.subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, fmt.Errorf("feed: subscribe %s: %w", b.topic, err)
	}
	return msgs, nil
}

func (b *Bus) Close() error {
	var errs []error
	for _, closeFn := range b.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Encode wraps an event in a watermill message with a fresh id.
func Encode(evt platform.Event) (*message.Message, error) {
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("feed: encode event: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(metadataEventType, string(evt.Type))
	msg.Metadata.Set(metadataThreadID, evt.ThreadID())
	return msg, nil
}

// Decode parses and validates a message payload.
func Decode(msg *message.Message) (platform.Event, error) {
	var evt platform.Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return platform.Event{}, fmt.Errorf("%w: %v", platform.ErrInvalidEvent, err)
	}
	if err := evt.Validate(); err != nil {
		return platform.Event{}, err
	}
	return evt, nil
}
