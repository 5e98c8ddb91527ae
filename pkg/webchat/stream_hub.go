package webchat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/metrics"
)

// StreamHub owns the per-conversation listener pools and the coordinators
// feeding them. A conversation's coordinator runs while it has listeners and
// stops once its pool has been idle for the configured timeout.
type StreamHub struct {
	baseCtx      context.Context
	source       SubscriberSource
	idleTimeout  time.Duration
	pingInterval time.Duration
	metrics      *metrics.Metrics

	mu    sync.Mutex
	convs map[string]*hubConversation
}

type hubConversation struct {
	pool  *ConnectionPool
	coord *StreamCoordinator
}

// NewStreamHub builds a hub. pingInterval paces listener keepalives; zero
// uses DefaultPingInterval and a negative value disables them.
func NewStreamHub(ctx context.Context, source SubscriberSource, idleTimeout time.Duration, pingInterval time.Duration, m *metrics.Metrics) (*StreamHub, error) {
	if ctx == nil {
		return nil, errors.New("stream hub base context is nil")
	}
	if source == nil {
		return nil, errors.New("stream hub subscriber source is nil")
	}
	if pingInterval == 0 {
		pingInterval = DefaultPingInterval
	}
	return &StreamHub{
		baseCtx:      ctx,
		source:       source,
		idleTimeout:  idleTimeout,
		pingInterval: max(pingInterval, 0),
		metrics:      m,
		convs:        map[string]*hubConversation{},
	}, nil
}

// AttachWebSocket adds conn to convID's pool, sends the hello frame and reads
// from conn until it closes. It blocks for the lifetime of the connection.
func (h *StreamHub) AttachWebSocket(ctx context.Context, convID string, conn *websocket.Conn) error {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return errors.New("missing convID")
	}
	if conn == nil {
		return errors.New("websocket connection is nil")
	}
	if h.pingInterval > 0 {
		// a listener that stops answering pings is half-open
		readWait := 3 * h.pingInterval
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWait))
		})
	}
	conv, err := h.attach(convID, conn)
	if err != nil {
		return err
	}
	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", conn.RemoteAddr().String()).
		Str("conv_id", convID).
		Logger()

	if hello, err := json.Marshal(backend.Event{Type: backend.EventHello, ConversationID: convID}); err == nil {
		conv.pool.SendToOne(conn, hello)
	}
	wsLog.Info().Msg("ws listener attached")

	defer wsLog.Info().Msg("ws disconnected")
	defer conv.pool.Remove(conn)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			wsLog.Debug().Err(err).Msg("ws read loop end")
			return nil
		}
	}
}

func (h *StreamHub) attach(convID string, conn wsConn) (*hubConversation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conv, ok := h.convs[convID]
	if !ok {
		conv = &hubConversation{}
		conv.pool = NewConnectionPool(convID, h.idleTimeout, func() { h.evict(convID, conv) })
		conv.pool.metrics = h.metrics
		conv.pool.pingInterval = h.pingInterval
		conv.coord = NewStreamCoordinator(convID, h.source, func(_ backend.Event, frame []byte) {
			conv.pool.Broadcast(frame)
		})
		h.convs[convID] = conv
	}
	if err := conv.coord.Start(h.baseCtx); err != nil {
		if conv.pool.IsEmpty() {
			delete(h.convs, convID)
		}
		return nil, errors.Wrap(err, "start stream coordinator")
	}
	conv.pool.Add(conn)
	return conv, nil
}

func (h *StreamHub) evict(convID string, conv *hubConversation) {
	h.mu.Lock()
	if cur, ok := h.convs[convID]; !ok || cur != conv || !conv.pool.IsEmpty() {
		h.mu.Unlock()
		return
	}
	delete(h.convs, convID)
	h.mu.Unlock()
	conv.coord.Stop()
	log.Info().Str("component", "webchat").Str("conv_id", convID).Msg("conversation idle, stream coordinator stopped")
}

// Listeners returns the number of attached listeners for convID.
func (h *StreamHub) Listeners(convID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conv, ok := h.convs[convID]; ok {
		return conv.pool.Count()
	}
	return 0
}

// Running reports whether convID currently has a live coordinator.
func (h *StreamHub) Running(convID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conv, ok := h.convs[convID]
	return ok && conv.coord.IsRunning()
}

// Close drops every listener and stops every coordinator.
func (h *StreamHub) Close() {
	h.mu.Lock()
	convs := h.convs
	h.convs = map[string]*hubConversation{}
	h.mu.Unlock()
	for _, conv := range convs {
		conv.pool.CloseAll()
		conv.coord.Stop()
	}
}
