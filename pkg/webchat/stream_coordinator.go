package webchat

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/backend/local"
	"github.com/go-go-golems/chatwidget/pkg/redisstream"
)

// SubscriberSource hands out watermill subscribers for a topic.
// *redisstream.Transport implements it.
type SubscriberSource interface {
	Subscriber(ctx context.Context, topic string, group string, consumer string) (message.Subscriber, bool, error)
}

var _ SubscriberSource = (*redisstream.Transport)(nil)

// StreamCoordinator owns the subscriber that feeds one conversation's events
// and dispatches them, decoded and re-encoded, in order.
type StreamCoordinator struct {
	convID string
	source SubscriberSource

	onFrame func(backend.Event, []byte)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	sub     message.Subscriber
	owned   bool
	running bool
}

func NewStreamCoordinator(convID string, source SubscriberSource, onFrame func(backend.Event, []byte)) *StreamCoordinator {
	return &StreamCoordinator{
		convID:  convID,
		source:  source,
		onFrame: onFrame,
	}
}

// Start subscribes synchronously so no event published after Start returns is
// missed, then consumes in the background.
func (sc *StreamCoordinator) Start(ctx context.Context) error {
	if sc == nil || sc.source == nil {
		return errors.New("stream coordinator is not initialized")
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.running {
		return nil
	}
	if sc.cancel != nil {
		// previous subscription ended on its own
		sc.cancel()
		if sc.owned && sc.sub != nil {
			_ = sc.sub.Close()
		}
		sc.cancel, sc.sub, sc.owned = nil, nil, false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	topic := local.TopicForConversation(sc.convID)
	runCtx, cancel := context.WithCancel(ctx)
	sub, owned, err := sc.source.Subscriber(runCtx, topic, "", "ws-forwarder:"+sc.convID)
	if err != nil {
		cancel()
		return errors.Wrap(err, "build subscriber")
	}
	ch, err := sub.Subscribe(runCtx, topic)
	if err != nil {
		cancel()
		if owned {
			_ = sub.Close()
		}
		return errors.Wrap(err, "subscribe")
	}
	sc.cancel = cancel
	sc.done = make(chan struct{})
	sc.sub, sc.owned = sub, owned
	sc.running = true
	go sc.consume(runCtx, ch, sc.done)
	log.Info().Str("component", "webchat").Str("conv_id", sc.convID).Msg("stream coordinator: started")
	return nil
}

// Stop cancels consumption and waits for the consumer to exit.
func (sc *StreamCoordinator) Stop() {
	if sc == nil {
		return
	}
	sc.mu.Lock()
	cancel, done, sub, owned := sc.cancel, sc.done, sc.sub, sc.owned
	sc.cancel, sc.done, sc.sub, sc.owned = nil, nil, nil, false
	sc.running = false
	sc.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	if owned && sub != nil {
		if err := sub.Close(); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("conv_id", sc.convID).Msg("stream coordinator: subscriber close failed")
		}
	}
}

func (sc *StreamCoordinator) IsRunning() bool {
	if sc == nil {
		return false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.running
}

func (sc *StreamCoordinator) consume(ctx context.Context, ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "webchat").Str("conv_id", sc.convID).Msg("stream coordinator: stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				log.Info().Str("component", "webchat").Str("conv_id", sc.convID).Msg("stream coordinator: subscription closed")
				sc.mu.Lock()
				sc.running = false
				sc.mu.Unlock()
				return
			}
			sc.dispatch(msg)
		}
	}
}

func (sc *StreamCoordinator) dispatch(msg *message.Message) {
	defer msg.Ack()
	var ev backend.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("conv_id", sc.convID).Msg("stream coordinator: failed to decode event")
		return
	}
	if ev.ConversationID == "" {
		ev.ConversationID = sc.convID
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("conv_id", sc.convID).Msg("stream coordinator: failed to encode frame")
		return
	}
	if sc.onFrame != nil {
		sc.onFrame(ev, frame)
	}
}
