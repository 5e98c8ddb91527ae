package webchat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/backend/local"
	"github.com/go-go-golems/chatwidget/pkg/metrics"
	"github.com/go-go-golems/chatwidget/pkg/persistence/chatstore"
)

type fixture struct {
	svc *local.Service
	srv *Server
	hs  *httptest.Server
	m   *metrics.Metrics
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	tr := newTransport(t)
	svc, err := local.NewService(local.Options{Store: chatstore.NewInMemoryStore(0), Transport: tr})
	require.NoError(t, err)
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := NewServer(ctx, svc, tr, opts)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().Close()
		hs.Close()
		cancel()
		_ = svc.Close()
	})
	return &fixture{svc: svc, srv: srv, hs: hs, m: opts.Metrics}
}

func (f *fixture) call(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.hs.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

// session connects a fresh user and creates a conversation for it.
func (f *fixture) session(t *testing.T) (backend.User, string) {
	t.Helper()
	status, body := f.call(t, http.MethodPost, APIPrefix+"/connect", "", map[string]string{"configId": "wh1"})
	require.Equal(t, http.StatusOK, status)
	var user backend.User
	require.NoError(t, json.Unmarshal(body, &user))

	status, body = f.call(t, http.MethodPost, APIPrefix+"/conversations", user.Token, struct{}{})
	require.Equal(t, http.StatusCreated, status)
	var conv conversationResponse
	require.NoError(t, json.Unmarshal(body, &conv))
	return user, conv.ConversationID
}

func (f *fixture) listen(t *testing.T, token, convID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.hs.URL, "http") + APIPrefix + "/conversations/" + convID + "/listen"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Equal(t, backend.EventHello, readEvent(t, conn).Type)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) backend.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev backend.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newFixture(t, Options{})
	status, body := f.call(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok\n", string(body))

	status, body = f.call(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(body), "chatwidget_webchat_listeners")
}

func TestMessagesRequireAuth(t *testing.T) {
	f := newFixture(t, Options{})
	_, convID := f.session(t)

	status, _ := f.call(t, http.MethodGet, APIPrefix+"/conversations/"+convID+"/messages", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	other, _ := f.session(t)
	status, _ = f.call(t, http.MethodGet, APIPrefix+"/conversations/"+convID+"/messages", other.Token, nil)
	require.Equal(t, http.StatusForbidden, status)

	status, _ = f.call(t, http.MethodPost, APIPrefix+"/connect", "", map[string]string{})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestCreateAndListMessages(t *testing.T) {
	f := newFixture(t, Options{})
	user, convID := f.session(t)
	path := APIPrefix + "/conversations/" + convID + "/messages"

	status, body := f.call(t, http.MethodGet, path, user.Token, nil)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"messages":[]}`, string(body))

	status, body = f.call(t, http.MethodPost, path, user.Token, createMessageRequest{Payload: backend.TextPayload("hi")})
	require.Equal(t, http.StatusCreated, status)
	var msg backend.Message
	require.NoError(t, json.Unmarshal(body, &msg))
	require.Equal(t, user.UserID, msg.AuthorID)

	status, body = f.call(t, http.MethodGet, path, user.Token, nil)
	require.Equal(t, http.StatusOK, status)
	var list messagesResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Messages, 1)
	require.Equal(t, msg.ID, list.Messages[0].ID)
}

func TestCreateMessage_RateLimitedPerUser(t *testing.T) {
	f := newFixture(t, Options{RateLimit: 0.001, RateBurst: 2})
	user, convID := f.session(t)
	path := APIPrefix + "/conversations/" + convID + "/messages"
	body := createMessageRequest{Payload: backend.TextPayload("x")}

	for i := 0; i < 2; i++ {
		status, _ := f.call(t, http.MethodPost, path, user.Token, body)
		require.Equal(t, http.StatusCreated, status)
	}
	status, _ := f.call(t, http.MethodPost, path, user.Token, body)
	require.Equal(t, http.StatusTooManyRequests, status)

	// other users have their own bucket
	other, otherConv := f.session(t)
	status, _ = f.call(t, http.MethodPost, APIPrefix+"/conversations/"+otherConv+"/messages", other.Token, body)
	require.Equal(t, http.StatusCreated, status)

	_, metricsBody := f.call(t, http.MethodGet, "/metrics", "", nil)
	require.Contains(t, string(metricsBody), "chatwidget_webchat_rate_limited_total 1")
}

func TestListen_FansOutToAllListeners(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: time.Minute})
	user, convID := f.session(t)
	a := f.listen(t, user.Token, convID)
	b := f.listen(t, user.Token, convID)
	require.Equal(t, 2, f.srv.Hub().Listeners(convID))

	status, body := f.call(t, http.MethodPost, APIPrefix+"/conversations/"+convID+"/messages", user.Token,
		createMessageRequest{Payload: backend.TextPayload("hello")})
	require.Equal(t, http.StatusCreated, status)
	var msg backend.Message
	require.NoError(t, json.Unmarshal(body, &msg))

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		require.Equal(t, backend.EventMessageCreated, ev.Type)
		require.Equal(t, msg.ID, ev.Message.ID)
	}
}

func TestListen_RejectsStrangers(t *testing.T) {
	f := newFixture(t, Options{})
	_, convID := f.session(t)
	other, _ := f.session(t)

	u := "ws" + strings.TrimPrefix(f.hs.URL, "http") + APIPrefix + "/conversations/" + convID + "/listen"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+other.Token)
	_, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	_, resp, err = websocket.DefaultDialer.Dial(u+"?token=bogus", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestListen_RestrictsOrigins(t *testing.T) {
	f := newFixture(t, Options{AllowedOrigins: []string{"https://host.example"}})
	user, convID := f.session(t)
	u := "ws" + strings.TrimPrefix(f.hs.URL, "http") + APIPrefix + "/conversations/" + convID + "/listen?token=" + user.Token

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	header.Set("Origin", "https://host.example/")
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}

func TestListen_IdleConversationStopsCoordinator(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: 30 * time.Millisecond})
	user, convID := f.session(t)
	conn := f.listen(t, user.Token, convID)
	require.True(t, f.srv.Hub().Running(convID))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()
	require.Eventually(t, func() bool {
		return f.srv.Hub().Listeners(convID) == 0 && !f.srv.Hub().Running(convID)
	}, 2*time.Second, 10*time.Millisecond)

	// a new listener restarts forwarding
	again := f.listen(t, user.Token, convID)
	require.NoError(t, f.svc.Interrupt(convID, "restart"))
	ev := readEvent(t, again)
	require.Equal(t, backend.EventError, ev.Type)
	require.Equal(t, "restart", ev.Error)
}

func TestListen_DropsListenerThatStopsAnsweringPings(t *testing.T) {
	f := newFixture(t, Options{PingInterval: 20 * time.Millisecond})
	user, convID := f.session(t)

	// the client never reads after hello, so it never answers a ping
	f.listen(t, user.Token, convID)
	require.Eventually(t, func() bool { return f.srv.Hub().Listeners(convID) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.srv.Hub().Listeners(convID) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestListen_KeepsListenerThatAnswersPings(t *testing.T) {
	f := newFixture(t, Options{PingInterval: 20 * time.Millisecond})
	user, convID := f.session(t)
	conn := f.listen(t, user.Token, convID)

	// reading lets gorilla's default ping handler answer with pongs
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, f.srv.Hub().Listeners(convID))

	_ = conn.Close()
	<-done
}
