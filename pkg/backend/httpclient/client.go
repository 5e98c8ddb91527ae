// Package httpclient talks to a chat backend over its REST API and listens to
// conversations over websockets.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatwidget/pkg/backend"
)

const (
	apiPrefix      = "/api/v1"
	defaultTimeout = 15 * time.Second
	ioTimeout      = 10 * time.Second
	// DefaultKeepalive covers three server pings at the default interval.
	DefaultKeepalive = 90 * time.Second
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, e.Body)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

type Options struct {
	BaseURL string
	// Timeout bounds each REST call; zero uses 15s.
	Timeout time.Duration
	// Keepalive is how long a listen stream may go without any frame, ping
	// included, before it reports an error; zero uses DefaultKeepalive,
	// negative disables the check.
	Keepalive  time.Duration
	HTTPClient *http.Client
}

// Client implements backend.Backend against a remote server.
type Client struct {
	base      *url.URL
	http      *http.Client
	dialer    websocket.Dialer
	keepalive time.Duration
}

var _ backend.Backend = &Client{}

func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("backend url is empty")
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse backend url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported backend url scheme %q", u.Scheme)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	keepalive := opts.Keepalive
	if keepalive == 0 {
		keepalive = DefaultKeepalive
	}
	return &Client{
		base:      u,
		http:      hc,
		dialer:    websocket.Dialer{HandshakeTimeout: ioTimeout},
		keepalive: max(keepalive, 0),
	}, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + apiPrefix + path
}

func (c *Client) do(ctx context.Context, op string, method string, path string, token string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "%s: marshal request", op)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return errors.Wrapf(err, "%s: build request", op)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, op)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "%s: decode response", op)
	}
	return nil
}

// Connect exchanges configID and the stored token (possibly empty) for a user.
// The returned token may differ from the one presented.
func (c *Client) Connect(ctx context.Context, configID string, token string) (backend.Conn, error) {
	var user backend.User
	err := c.do(ctx, "connect", http.MethodPost, "/connect", "", map[string]string{
		"configId": configID,
		"token":    token,
	}, &user)
	if err != nil {
		return nil, err
	}
	if user.UserID == "" || user.Token == "" {
		return nil, errors.New("connect: response is missing the user identity")
	}
	return &conn{client: c, user: user}, nil
}

type conn struct {
	client *Client
	user   backend.User
}

func (c *conn) User() backend.User { return c.user }

func (c *conn) CreateConversation(ctx context.Context) (string, error) {
	var out struct {
		ConversationID string `json:"conversationId"`
	}
	if err := c.client.do(ctx, "create conversation", http.MethodPost, "/conversations", c.user.Token, struct{}{}, &out); err != nil {
		return "", err
	}
	if out.ConversationID == "" {
		return "", errors.New("create conversation: response has no conversation id")
	}
	return out.ConversationID, nil
}

func (c *conn) ListMessages(ctx context.Context, conversationID string) ([]backend.Message, error) {
	var out struct {
		Messages []backend.Message `json:"messages"`
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.client.do(ctx, "list messages", http.MethodGet, path, c.user.Token, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *conn) CreateMessage(ctx context.Context, conversationID string, payload backend.Payload) (backend.Message, error) {
	var out backend.Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	in := struct {
		Payload backend.Payload `json:"payload"`
	}{Payload: payload}
	if err := c.client.do(ctx, "create message", http.MethodPost, path, c.user.Token, in, &out); err != nil {
		return backend.Message{}, err
	}
	return out, nil
}

func (c *conn) Subscribe(ctx context.Context, conversationID string) (backend.Stream, error) {
	u := *c.client.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + apiPrefix + "/conversations/" + conversationID + "/listen"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.user.Token)
	return dialStream(ctx, c.client.dialer, u.String(), header, c.client.keepalive)
}
