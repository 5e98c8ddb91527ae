package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type widgetConfig struct {
	WebhookID string `json:"webhookId"`
}

func TestEnvelope_RoundTripPayload(t *testing.T) {
	env, err := NewEnvelope(TypeInitConfig, widgetConfig{WebhookID: "wh1"})
	require.NoError(t, err)
	var got widgetConfig
	require.NoError(t, env.Decode(&got))
	require.Equal(t, "wh1", got.WebhookID)

	bare, err := NewEnvelope(TypeFocusInput, nil)
	require.NoError(t, err)
	require.Empty(t, bare.Payload)
	require.Error(t, bare.Decode(&got))

	_, err = NewEnvelope("", nil)
	require.Error(t, err)
}

func TestPipe_DeliversBothWays(t *testing.T) {
	host, embedded := Pipe(4)
	ctx := context.Background()

	require.NoError(t, Post(ctx, host, TypeFocusInput, nil))
	env, err := embedded.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, TypeFocusInput, env.Type)

	require.NoError(t, Post(ctx, embedded, TypeChatUIReady, nil))
	env, err = host.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, TypeChatUIReady, env.Type)

	require.NoError(t, embedded.Close())
	_, err = host.Recv(ctx)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, Post(ctx, host, TypeFocusInput, nil), ErrClosed)
}

func TestPipe_RecvHonoursContext(t *testing.T) {
	_, embedded := Pipe(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := embedded.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMux_RoutesAndIgnoresUnknown(t *testing.T) {
	host, embedded := Pipe(8)
	ctx := context.Background()

	got := make(chan string, 4)
	m := NewMux("embedded")
	m.Handle(TypeFocusInput, func(_ context.Context, env Envelope) error {
		got <- env.Type
		return nil
	})
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, embedded) }()

	require.NoError(t, Post(ctx, host, "resize", map[string]int{"h": 10}))
	require.NoError(t, Post(ctx, host, TypeFocusInput, nil))
	require.Equal(t, TypeFocusInput, <-got)

	require.NoError(t, host.Close())
	require.NoError(t, <-done)
}

func TestWebsocketPort_OriginRestricted(t *testing.T) {
	received := make(chan Envelope, 1)
	srv := httptest.NewServer(Handler(HandlerOptions{
		AllowedOrigins: []string{"https://shop.example"},
		Serve: func(ctx context.Context, p Port) {
			env, err := p.Recv(ctx)
			if err != nil {
				return
			}
			received <- env
			_ = Post(ctx, p, TypeChatUIReady, nil)
			_, _ = p.Recv(ctx)
		},
	}))
	defer srv.Close()
	ctx := context.Background()

	_, err := Dial(ctx, srv.URL, "https://evil.example")
	require.Error(t, err)

	p, err := Dial(ctx, strings.Replace(srv.URL, "http://", "ws://", 1), "https://shop.example/")
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	require.NoError(t, Post(ctx, p, TypeInitConfig, widgetConfig{WebhookID: "wh1"}))
	select {
	case env := <-received:
		require.Equal(t, TypeInitConfig, env.Type)
		require.JSONEq(t, `{"webhookId":"wh1"}`, string(env.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not received")
	}

	env, err := p.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, TypeChatUIReady, env.Type)
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	srv := httptest.NewServer(Handler(HandlerOptions{}))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
