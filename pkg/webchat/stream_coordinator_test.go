package webchat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/backend/local"
	"github.com/go-go-golems/chatwidget/pkg/redisstream"
)

func newTransport(t *testing.T) *redisstream.Transport {
	t.Helper()
	tr, err := redisstream.Build(redisstream.Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func publishRaw(t *testing.T, tr *redisstream.Transport, convID string, payload []byte) {
	t.Helper()
	require.NoError(t, tr.Publisher().Publish(local.TopicForConversation(convID), message.NewMessage(watermill.NewUUID(), payload)))
}

func publishEvent(t *testing.T, tr *redisstream.Transport, convID string, ev backend.Event) {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	publishRaw(t, tr, convID, b)
}

func TestStreamCoordinator_ForwardsDecodedEvents(t *testing.T) {
	tr := newTransport(t)
	frames := make(chan []byte, 4)
	events := make(chan backend.Event, 4)
	sc := NewStreamCoordinator("c1", tr, func(ev backend.Event, frame []byte) {
		events <- ev
		frames <- frame
	})
	require.NoError(t, sc.Start(context.Background()))
	defer sc.Stop()
	require.True(t, sc.IsRunning())

	// undecodable payloads are acked and skipped
	publishRaw(t, tr, "c1", []byte("not json"))
	publishEvent(t, tr, "c1", backend.Event{Type: backend.EventTypingStarted, UserID: local.BotUserID})
	// other conversations are not forwarded
	publishEvent(t, tr, "c2", backend.Event{Type: backend.EventTypingStopped})

	select {
	case ev := <-events:
		require.Equal(t, backend.EventTypingStarted, ev.Type)
		require.Equal(t, "c1", ev.ConversationID)
		var decoded backend.Event
		require.NoError(t, json.Unmarshal(<-frames, &decoded))
		require.Equal(t, ev, decoded)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for stream coordinator")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamCoordinator_StopAndRestart(t *testing.T) {
	tr := newTransport(t)
	got := make(chan backend.Event, 4)
	sc := NewStreamCoordinator("c1", tr, func(ev backend.Event, _ []byte) { got <- ev })

	require.NoError(t, sc.Start(context.Background()))
	require.NoError(t, sc.Start(context.Background()))
	sc.Stop()
	require.False(t, sc.IsRunning())
	sc.Stop()

	require.NoError(t, sc.Start(context.Background()))
	defer sc.Stop()
	publishEvent(t, tr, "c1", backend.Event{Type: backend.EventTypingStopped})
	select {
	case ev := <-got:
		require.Equal(t, backend.EventTypingStopped, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("restarted coordinator did not forward")
	}
}
