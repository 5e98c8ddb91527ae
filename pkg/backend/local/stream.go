package local

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/redisstream"
)

// topicStream forwards decoded watermill messages of one conversation topic.
type topicStream struct {
	convID string
	events chan backend.Event

	sub    message.Subscriber
	owned  bool
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

var _ backend.Stream = &topicStream{}

func newTopicStream(ctx context.Context, t *redisstream.Transport, convID string) (*topicStream, error) {
	runCtx, cancel := context.WithCancel(ctx)
	sub, owned, err := t.Subscriber(runCtx, TopicForConversation(convID), "", "listen-"+uuid.NewString())
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "build subscriber")
	}
	ch, err := sub.Subscribe(runCtx, TopicForConversation(convID))
	if err != nil {
		cancel()
		if owned {
			_ = sub.Close()
		}
		return nil, errors.Wrap(err, "subscribe")
	}
	s := &topicStream{
		convID: convID,
		events: make(chan backend.Event, 64),
		sub:    sub,
		owned:  owned,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pump(runCtx, ch)
	return s, nil
}

func (s *topicStream) Events() <-chan backend.Event { return s.events }

func (s *topicStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		if s.owned {
			err = s.sub.Close()
		}
	})
	return err
}

func (s *topicStream) pump(ctx context.Context, ch <-chan *message.Message) {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					s.deliver(ctx, backend.Event{Type: backend.EventError, ConversationID: s.convID, Error: "event transport closed"})
				}
				return
			}
			var ev backend.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("component", "local-backend").Str("conv_id", s.convID).Msg("failed to decode event")
				msg.Ack()
				continue
			}
			msg.Ack()
			if !s.deliver(ctx, ev) {
				return
			}
			if ev.Type == backend.EventError {
				return
			}
		}
	}
}

func (s *topicStream) deliver(ctx context.Context, ev backend.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
