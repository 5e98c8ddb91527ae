package httpclient

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/backend"
)

// wsStream is a backend.Stream over a listen websocket.
type wsStream struct {
	conn      *websocket.Conn
	events    chan backend.Event
	keepalive time.Duration

	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ backend.Stream = &wsStream{}

// dialStream opens the listen websocket and waits for the server's hello
// frame, so events published after it returns are delivered. With a positive
// keepalive, a stream that receives no frame or ping for that long fails.
func dialStream(ctx context.Context, dialer websocket.Dialer, rawURL string, header http.Header, keepalive time.Duration) (*wsStream, error) {
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &StatusError{Op: "listen", StatusCode: resp.StatusCode}
		}
		return nil, errors.Wrap(err, "dial listen websocket")
	}

	deadline := time.Now().Add(ioTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)
	var hello backend.Event
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "read listen hello")
	}
	if hello.Type != backend.EventHello {
		_ = conn.Close()
		if hello.Type == backend.EventError {
			return nil, errors.Errorf("listen rejected: %s", hello.Error)
		}
		return nil, errors.Errorf("unexpected first listen frame %q", hello.Type)
	}
	s := &wsStream{
		conn:      conn,
		events:    make(chan backend.Event, 64),
		keepalive: keepalive,
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.extendDeadline()
	conn.SetPingHandler(func(data string) error {
		s.extendDeadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})
	go s.readLoop()
	return s, nil
}

func (s *wsStream) Events() <-chan backend.Event { return s.events }

func (s *wsStream) extendDeadline() {
	if s.keepalive <= 0 {
		_ = s.conn.SetReadDeadline(time.Time{})
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.keepalive))
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(500*time.Millisecond))
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

func (s *wsStream) readLoop() {
	defer close(s.done)
	defer close(s.events)
	defer func() { _ = s.conn.Close() }()
	for {
		var ev backend.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			select {
			case <-s.closing:
				return
			default:
			}
			msg := err.Error()
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				msg = "listen websocket silent for " + s.keepalive.String()
			}
			log.Debug().Err(err).Str("component", "httpclient").Msg("listen websocket read failed")
			s.deliver(backend.Event{Type: backend.EventError, Error: msg})
			return
		}
		s.extendDeadline()
		if ev.Type == backend.EventHello {
			continue
		}
		if !s.deliver(ev) {
			return
		}
		if ev.Type == backend.EventError {
			return
		}
	}
}

func (s *wsStream) deliver(ev backend.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closing:
		return false
	}
}
