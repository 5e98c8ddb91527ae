package control

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const ioTimeout = 10 * time.Second

// wsPort carries envelopes as JSON text frames.
type wsPort struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	in      chan Envelope
	done    chan struct{}
	once    sync.Once
}

func newWSPort(conn *websocket.Conn) *wsPort {
	p := &wsPort{
		conn: conn,
		in:   make(chan Envelope, 32),
		done: make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *wsPort) readLoop() {
	defer func() { _ = p.Close() }()
	for {
		var env Envelope
		if err := p.conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-p.done:
				default:
					log.Debug().Err(err).Str("component", "control").Msg("control port read ended")
				}
			}
			return
		}
		if env.Type == "" {
			continue
		}
		select {
		case p.in <- env:
		case <-p.done:
			return
		}
	}
}

func (p *wsPort) Send(ctx context.Context, env Envelope) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	deadline := time.Now().Add(ioTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	if err := p.conn.WriteJSON(env); err != nil {
		return errors.Wrap(err, "write envelope")
	}
	return nil
}

func (p *wsPort) Recv(ctx context.Context) (Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	default:
	}
	select {
	case env := <-p.in:
		return env, nil
	case <-p.done:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (p *wsPort) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(500*time.Millisecond))
		p.writeMu.Unlock()
		_ = p.conn.Close()
	})
	return nil
}

// HandlerOptions configures the embedded-side endpoint of a websocket control
// channel.
type HandlerOptions struct {
	// AllowedOrigins lists the host origins that may connect. Empty means
	// same-origin only.
	AllowedOrigins []string
	// Serve runs for each accepted connection; the port closes when it returns.
	Serve func(ctx context.Context, p Port)
}

// Handler upgrades requests from allowed origins into control ports.
func Handler(opts HandlerOptions) http.Handler {
	allowed := map[string]struct{}{}
	for _, o := range opts.AllowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(allowed) > 0 {
		upgrader.CheckOrigin = func(r *http.Request) bool {
			_, ok := allowed[strings.TrimRight(r.Header.Get("Origin"), "/")]
			if !ok {
				log.Warn().Str("component", "control").Str("origin", r.Header.Get("Origin")).Msg("rejected control channel origin")
			}
			return ok
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied
			return
		}
		p := newWSPort(conn)
		defer func() { _ = p.Close() }()
		if opts.Serve != nil {
			opts.Serve(r.Context(), p)
		}
	})
}

// Dial connects the host side to a websocket control endpoint, presenting
// origin in the handshake.
func Dial(ctx context.Context, rawURL string, origin string) (Port, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse control url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	dialer := websocket.Dialer{HandshakeTimeout: ioTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "dial control websocket")
	}
	return newWSPort(conn), nil
}
