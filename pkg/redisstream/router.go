package redisstream

import (
	"context"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/logging"
)

// Transport is the pub/sub pair conversation events travel on.
type Transport struct {
	settings Settings
	logger   watermill.LoggerAdapter

	publisher message.Publisher
	// shared is the in-memory pub/sub; nil when redis is enabled
	shared *gochannel.GoChannel
	client *redis.Client

	mu     sync.Mutex
	closed bool
}

// Build returns a redis-streams transport when enabled, or an in-memory one.
func Build(s Settings) (*Transport, error) {
	s = s.withDefaults()
	logger := logging.NewWatermill(log.Logger)
	t := &Transport{settings: s, logger: logger}

	if !s.Enabled {
		t.shared = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256, BlockPublishUntilSubscriberAck: true}, logger)
		t.publisher = t.shared
		return t, nil
	}

	t.client = redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     t.client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		_ = t.client.Close()
		return nil, errors.Wrap(err, "redis stream publisher")
	}
	t.publisher = pub
	return t, nil
}

func (t *Transport) RedisEnabled() bool { return t != nil && t.client != nil }

func (t *Transport) Publisher() message.Publisher {
	if t == nil {
		return nil
	}
	return t.publisher
}

// Subscriber returns a subscriber for topic. With an empty group every
// subscriber sees every message (fan-out). With a group, the consumer group is
// created at the stream tail first so no history is replayed. owned reports
// whether the caller must Close the returned subscriber.
func (t *Transport) Subscriber(ctx context.Context, topic string, group string, consumer string) (sub message.Subscriber, owned bool, err error) {
	if t == nil || t.publisher == nil {
		return nil, false, errors.New("transport is not initialized")
	}
	if topic == "" {
		return nil, false, errors.New("topic is empty")
	}
	if !t.RedisEnabled() {
		return t.shared, false, nil
	}
	cfg := rstream.SubscriberConfig{
		Client:       t.client,
		Unmarshaller: rstream.DefaultMarshallerUnmarshaller{},
		Consumer:     consumer,
	}
	if group == "" {
		cfg.OldestId = "$"
	} else {
		if err := EnsureGroupAtTail(ctx, t.client, topic, group); err != nil {
			return nil, false, err
		}
		cfg.ConsumerGroup = group
	}
	s, err := rstream.NewSubscriber(cfg, t.logger)
	if err != nil {
		return nil, false, errors.Wrap(err, "redis stream subscriber")
	}
	return s, true, nil
}

func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var firstErr error
	if t.publisher != nil {
		if err := t.publisher.Close(); err != nil {
			firstErr = err
		}
	}
	if t.client != nil {
		if err := t.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP: group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "create consumer group")
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
