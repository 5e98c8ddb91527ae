package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatwidget/pkg/redisstream"
)

func newServiceForTest(t *testing.T, r Responder) *Service {
	t.Helper()
	tr, err := redisstream.Build(redisstream.Settings{})
	require.NoError(t, err)
	svc, err := NewService(Options{Store: chatstore.NewInMemoryStore(0), Transport: tr, Responder: r})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = svc.Close()
		_ = tr.Close()
	})
	return svc
}

func nextEvent(t *testing.T, s backend.Stream) backend.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	return backend.Event{}
}

func TestConnect_ResumesKnownToken(t *testing.T) {
	svc := newServiceForTest(t, nil)
	ctx := context.Background()

	u1, err := svc.Connect(ctx, "wh1", "")
	require.NoError(t, err)
	require.NotEmpty(t, u1.UserID)
	require.NotEmpty(t, u1.Token)

	u2, err := svc.Connect(ctx, "wh1", u1.Token)
	require.NoError(t, err)
	require.Equal(t, u1, u2)

	// a token from another widget configuration is not honoured
	u3, err := svc.Connect(ctx, "wh2", u1.Token)
	require.NoError(t, err)
	require.NotEqual(t, u1.UserID, u3.UserID)

	u4, err := svc.Connect(ctx, "wh1", "garbage")
	require.NoError(t, err)
	require.NotEqual(t, u1.Token, u4.Token)

	_, err = svc.Authenticate(ctx, "garbage")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestConversationsAreOwnerChecked(t *testing.T) {
	svc := newServiceForTest(t, nil)
	ctx := context.Background()
	b := svc.Backend()

	alice, err := b.Connect(ctx, "wh1", "")
	require.NoError(t, err)
	bob, err := b.Connect(ctx, "wh1", "")
	require.NoError(t, err)

	convID, err := alice.CreateConversation(ctx)
	require.NoError(t, err)

	_, err = bob.ListMessages(ctx, convID)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = alice.ListMessages(ctx, "missing")
	require.ErrorIs(t, err, ErrConversationNotFound)
	_, err = alice.CreateMessage(ctx, convID, backend.Payload{})
	require.ErrorIs(t, err, ErrEmptyPayload)
}

func TestCreateMessage_PublishesAndEchoes(t *testing.T) {
	svc := newServiceForTest(t, EchoResponder{})
	ctx := context.Background()

	c, err := svc.Backend().Connect(ctx, "wh1", "")
	require.NoError(t, err)
	convID, err := c.CreateConversation(ctx)
	require.NoError(t, err)

	stream, err := c.Subscribe(ctx, convID)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	sent, err := c.CreateMessage(ctx, convID, backend.TextPayload("hi"))
	require.NoError(t, err)
	require.NotEmpty(t, sent.ID)
	require.Equal(t, c.User().UserID, sent.AuthorID)

	var types []backend.EventType
	var reply *backend.Message
	for len(types) < 4 {
		ev := nextEvent(t, stream)
		types = append(types, ev.Type)
		if ev.Type == backend.EventMessageCreated && ev.AuthorID() == BotUserID {
			reply = ev.Message
		}
	}
	require.Contains(t, types, backend.EventTypingStarted)
	require.Contains(t, types, backend.EventTypingStopped)
	require.NotNil(t, reply)
	require.Equal(t, "echo: hi", reply.Payload.Text)

	require.Eventually(t, func() bool {
		msgs, err := c.ListMessages(ctx, convID)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInterrupt_ClosesStreamAfterErrorEvent(t *testing.T) {
	svc := newServiceForTest(t, nil)
	ctx := context.Background()

	c, err := svc.Backend().Connect(ctx, "wh1", "")
	require.NoError(t, err)
	convID, err := c.CreateConversation(ctx)
	require.NoError(t, err)
	stream, err := c.Subscribe(ctx, convID)
	require.NoError(t, err)

	require.NoError(t, svc.Interrupt(convID, "maintenance"))
	ev := nextEvent(t, stream)
	require.Equal(t, backend.EventError, ev.Type)
	require.Equal(t, "maintenance", ev.Error)

	select {
	case _, ok := <-stream.Events():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close")
	}
	require.NoError(t, stream.Close())
}

func TestEchoResponder_IgnoresNonText(t *testing.T) {
	_, ok, err := EchoResponder{}.Respond(context.Background(), backend.Message{Payload: backend.Payload{Type: "image"}})
	require.NoError(t, err)
	require.False(t, ok)
}
