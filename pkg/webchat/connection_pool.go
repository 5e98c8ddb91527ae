package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/metrics"
)

// wsConn is the part of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval is how often listeners are pinged. A listener that
	// answers no ping for three intervals is dropped.
	DefaultPingInterval = 30 * time.Second
)

// ConnectionPool manages the listener websockets of one conversation. Each
// connection gets its own writer goroutine and bounded queue; a connection
// whose queue overflows or whose write fails is dropped. Writers ping every
// pingInterval. When the pool stays empty for idleTimeout, onIdle runs.
type ConnectionPool struct {
	convID  string
	metrics *metrics.Metrics

	mu           sync.Mutex
	conns        map[wsConn]*connWriter
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	onIdle       func()
	sendBuffer   int
	writeTimeout time.Duration
	pingInterval time.Duration
}

type connWriter struct {
	queue chan []byte
}

func NewConnectionPool(convID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		convID:       convID,
		conns:        map[wsConn]*connWriter{},
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		pingInterval: DefaultPingInterval,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	size := cp.sendBuffer
	if size <= 0 {
		size = 1
	}
	w := &connWriter{queue: make(chan []byte, size)}
	cp.mu.Lock()
	if _, ok := cp.conns[conn]; ok {
		cp.mu.Unlock()
		return
	}
	cp.conns[conn] = w
	cp.metrics.ListenerAdded()
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	go cp.writeLoop(conn, w)
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil {
		_ = closeConn(conn)
		return
	}
	cp.drop(conn, "")
}

func (cp *ConnectionPool) writeLoop(conn wsConn, w *connWriter) {
	var tick <-chan time.Time
	if cp.pingInterval > 0 {
		ticker := time.NewTicker(cp.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case data, ok := <-w.queue:
			if !ok {
				return
			}
			if err := cp.write(conn, websocket.TextMessage, data); err != nil {
				cp.drop(conn, "ws write failed, dropping connection")
				return
			}
		case <-tick:
			if err := cp.write(conn, websocket.PingMessage, nil); err != nil {
				cp.drop(conn, "ws ping failed, dropping connection")
				return
			}
		}
	}
}

func (cp *ConnectionPool) write(conn wsConn, messageType int, data []byte) error {
	if cp.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
	}
	return conn.WriteMessage(messageType, data)
}

// drop removes conn if present and closes it. reason is logged when set.
func (cp *ConnectionPool) drop(conn wsConn, reason string) {
	cp.mu.Lock()
	w, ok := cp.conns[conn]
	if ok {
		delete(cp.conns, conn)
		close(w.queue)
		cp.metrics.ListenerRemoved()
		cp.scheduleIdleTimerLocked()
	}
	cp.mu.Unlock()
	_ = closeConn(conn)
	if ok && reason != "" {
		log.Warn().Str("component", "webchat").Str("conv_id", cp.convID).Msg(reason)
	}
}

// Broadcast queues data for every connection without blocking.
func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	var slow []wsConn
	cp.mu.Lock()
	for conn, w := range cp.conns {
		select {
		case w.queue <- data:
		default:
			slow = append(slow, conn)
		}
	}
	cp.mu.Unlock()
	for _, conn := range slow {
		cp.drop(conn, "ws send buffer full, dropping connection")
	}
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	w, ok := cp.conns[conn]
	full := false
	if ok {
		select {
		case w.queue <- data:
		default:
			full = true
		}
	}
	cp.mu.Unlock()
	if full {
		cp.drop(conn, "ws send buffer full, dropping connection")
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	conns := make([]wsConn, 0, len(cp.conns))
	for conn, w := range cp.conns {
		close(w.queue)
		delete(cp.conns, conn)
		cp.metrics.ListenerRemoved()
		conns = append(conns, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	for _, conn := range conns {
		_ = closeConn(conn)
	}
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	cp.stopIdleTimerLocked()
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}

func closeConn(conn wsConn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}
