// Package timeline keeps the ordered message list of one conversation. It
// merges authoritative history loads, realtime arrivals and optimistic local
// sends, and deduplicates confirmed messages by id.
package timeline

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/chaterrors"
	"github.com/go-go-golems/chatwidget/pkg/metrics"
)

type DeliveryState string

const (
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryPending   DeliveryState = "pending"
	DeliveryFailed    DeliveryState = "failed"
)

const provisionalPrefix = "local-"

var ErrEmptyMessage = errors.New("message text is empty")

type Message struct {
	ID        string
	AuthorID  string
	CreatedAt time.Time
	Payload   backend.Payload
	Delivery  DeliveryState

	seq uint64
}

func (m Message) Text() string { return m.Payload.DisplayText() }

// IsProvisional reports whether ID was generated locally.
func (m Message) IsProvisional() bool { return strings.HasPrefix(m.ID, provisionalPrefix) }

// Source is the conversation-bound backend the engine reads from and sends to.
type Source interface {
	ListMessages(ctx context.Context) ([]backend.Message, error)
	CreateMessage(ctx context.Context, payload backend.Payload) (backend.Message, error)
}

// Snapshot is the state handed to change listeners.
type Snapshot struct {
	Messages []Message
	Typing   []string
	// LocalUserID authors the messages sent from this context.
	LocalUserID string
}

type Options struct {
	Metrics *metrics.Metrics
	Now     func() time.Time
	// EchoWindow bounds how long after a pending send its history entry may
	// be stamped and still count as the same message.
	EchoWindow time.Duration
	// EchoSkew is how far before the pending send a history entry may be
	// stamped, covering clock drift between client and server.
	EchoSkew time.Duration
}

// Engine is safe for concurrent use; every mutation takes the engine lock.
type Engine struct {
	src         Source
	localUserID string
	metrics     *metrics.Metrics
	now         func() time.Time
	echoWindow  time.Duration
	echoSkew    time.Duration

	mu        sync.Mutex
	messages  []Message
	seq       uint64
	typing    map[string]struct{}
	listeners map[int]func(Snapshot)
	nextID    int
}

func New(src Source, localUserID string, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.EchoWindow <= 0 {
		opts.EchoWindow = 2 * time.Minute
	}
	if opts.EchoSkew <= 0 {
		opts.EchoSkew = 5 * time.Second
	}
	return &Engine{
		src:         src,
		localUserID: localUserID,
		metrics:     opts.Metrics,
		now:         opts.Now,
		echoWindow:  opts.EchoWindow,
		echoSkew:    opts.EchoSkew,
		typing:      map[string]struct{}{},
		listeners:   map[int]func(Snapshot){},
	}
}

func (e *Engine) LocalUserID() string { return e.localUserID }

// OnChange registers fn and returns a function removing it. fn runs outside the
// engine lock, after every mutation.
func (e *Engine) OnChange(fn func(Snapshot)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Message(nil), e.messages...)
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	typing := make([]string, 0, len(e.typing))
	for id := range e.typing {
		typing = append(typing, id)
	}
	sort.Strings(typing)
	return Snapshot{Messages: append([]Message(nil), e.messages...), Typing: typing, LocalUserID: e.localUserID}
}

// commitLocked releases the lock and notifies listeners.
func (e *Engine) commitLocked() {
	snap := e.snapshotLocked()
	ls := make([]func(Snapshot), 0, len(e.listeners))
	for _, fn := range e.listeners {
		ls = append(ls, fn)
	}
	e.mu.Unlock()
	for _, fn := range ls {
		fn(snap)
	}
}

// LoadHistory replaces the timeline with the authoritative list, sorted by
// CreatedAt. Sends still in flight survive unless history already holds them.
func (e *Engine) LoadHistory(ctx context.Context) ([]Message, error) {
	raw, err := e.src.ListMessages(ctx)
	if err != nil {
		e.metrics.HistoryLoad("failed")
		if _, ok := chaterrors.KindOf(err); ok {
			return nil, err
		}
		return nil, chaterrors.Connection("load-history", err)
	}
	e.metrics.HistoryLoad("ok")

	sort.SliceStable(raw, func(i, j int) bool { return raw[i].CreatedAt.Before(raw[j].CreatedAt) })

	e.mu.Lock()
	next := make([]Message, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, m := range raw {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		e.seq++
		next = append(next, Message{
			ID:        m.ID,
			AuthorID:  m.AuthorID,
			CreatedAt: m.CreatedAt,
			Payload:   m.Payload,
			Delivery:  DeliveryConfirmed,
			seq:       e.seq,
		})
	}

	// ids the timeline already showed as confirmed belong to earlier sends
	held := map[string]struct{}{}
	for _, m := range e.messages {
		if m.Delivery == DeliveryConfirmed && m.ID != "" && !m.IsProvisional() {
			held[m.ID] = struct{}{}
		}
	}
	matched := make([]bool, len(next))
	for _, p := range e.messages {
		if p.Delivery != DeliveryPending {
			continue
		}
		if idx := e.matchEchoLocked(next, matched, held, p); idx >= 0 {
			matched[idx] = true
			continue
		}
		next = append(next, p)
	}
	sortMessages(next)
	e.messages = next
	out := append([]Message(nil), next...)
	e.commitLocked()
	return out, nil
}

// matchEchoLocked finds the history entry that is the server copy of pending.
// The copy is stamped no earlier than pending minus the skew and no later
// than the echo window, and is not an id the timeline already held.
func (e *Engine) matchEchoLocked(history []Message, used []bool, held map[string]struct{}, pending Message) int {
	for i, h := range history {
		if used[i] || h.AuthorID != pending.AuthorID || h.Payload.Text != pending.Payload.Text {
			continue
		}
		if _, ok := held[h.ID]; ok {
			continue
		}
		d := h.CreatedAt.Sub(pending.CreatedAt)
		if d >= -e.echoSkew && d <= e.echoWindow {
			return i
		}
	}
	return -1
}

// AppendOptimistic adds a pending message authored by the local user at the
// end of the timeline and returns it before any network call.
func (e *Engine) AppendOptimistic(text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	e.mu.Lock()
	createdAt := e.now()
	if n := len(e.messages); n > 0 && e.messages[n-1].CreatedAt.After(createdAt) {
		createdAt = e.messages[n-1].CreatedAt
	}
	e.seq++
	m := Message{
		ID:        provisionalPrefix + uuid.NewString(),
		AuthorID:  e.localUserID,
		CreatedAt: createdAt,
		Payload:   backend.TextPayload(text),
		Delivery:  DeliveryPending,
		seq:       e.seq,
	}
	e.messages = append(e.messages, m)
	e.commitLocked()
	return m, nil
}

// ConfirmSend delivers pending to the backend. On failure the message is
// marked failed and the returned DeliveryError carries its text.
func (e *Engine) ConfirmSend(ctx context.Context, pending Message) (Message, error) {
	ack, err := e.src.CreateMessage(ctx, pending.Payload)
	if err != nil {
		e.metrics.Send("failed")
		log.Warn().Err(err).Str("component", "timeline").Str("message_id", pending.ID).Msg("send failed")
		e.mu.Lock()
		failed := pending
		failed.Delivery = DeliveryFailed
		if i := e.indexLocked(pending.ID); i >= 0 {
			e.messages[i].Delivery = DeliveryFailed
			failed = e.messages[i]
		}
		e.commitLocked()
		return failed, chaterrors.Delivery("send", pending.Payload.Text, err)
	}
	e.metrics.Send("confirmed")

	e.mu.Lock()
	i := e.indexLocked(pending.ID)
	if i < 0 {
		// a history reload already replaced the pending copy
		e.mu.Unlock()
		confirmed := pending
		confirmed.Delivery = DeliveryConfirmed
		if ack.ID != "" {
			confirmed.ID = ack.ID
		}
		return confirmed, nil
	}
	if ack.ID != "" && e.indexLocked(ack.ID) >= 0 {
		confirmed := e.messages[e.indexLocked(ack.ID)]
		e.messages = append(e.messages[:i], e.messages[i+1:]...)
		e.commitLocked()
		return confirmed, nil
	}
	m := &e.messages[i]
	m.Delivery = DeliveryConfirmed
	if ack.ID != "" {
		m.ID = ack.ID
	}
	if !ack.CreatedAt.IsZero() {
		m.CreatedAt = ack.CreatedAt
	}
	confirmed := *m
	sortMessages(e.messages)
	e.commitLocked()
	return confirmed, nil
}

// Remove drops a message, typically a failed send the user resubmitted.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	i := e.indexLocked(id)
	if i < 0 {
		e.mu.Unlock()
		return false
	}
	e.messages = append(e.messages[:i], e.messages[i+1:]...)
	e.commitLocked()
	return true
}

// IngestRealtime applies one live event. Events authored by the local user are
// echoes of optimistic sends and are dropped.
func (e *Engine) IngestRealtime(ev backend.Event) {
	author := ev.AuthorID()
	eventType := string(ev.Type)
	if author != "" && author == e.localUserID {
		e.metrics.RealtimeEvent(eventType, "self-echo")
		return
	}

	switch ev.Type {
	case backend.EventMessageCreated:
		if ev.Message == nil {
			e.metrics.RealtimeEvent(eventType, "invalid")
			return
		}
		e.mu.Lock()
		if ev.Message.ID != "" && e.indexLocked(ev.Message.ID) >= 0 {
			e.mu.Unlock()
			e.metrics.RealtimeEvent(eventType, "duplicate")
			return
		}
		e.seq++
		m := Message{
			ID:        ev.Message.ID,
			AuthorID:  ev.Message.AuthorID,
			CreatedAt: ev.Message.CreatedAt,
			Payload:   ev.Message.Payload,
			Delivery:  DeliveryConfirmed,
			seq:       e.seq,
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = e.now()
		}
		e.insertSortedLocked(m)
		// a message from someone ends their typing indicator
		delete(e.typing, m.AuthorID)
		e.commitLocked()
		e.metrics.RealtimeEvent(eventType, "appended")
	case backend.EventTypingStarted, backend.EventTypingStopped:
		if author == "" {
			return
		}
		e.mu.Lock()
		_, was := e.typing[author]
		if ev.Type == backend.EventTypingStarted {
			e.typing[author] = struct{}{}
		} else {
			delete(e.typing, author)
		}
		if was == (ev.Type == backend.EventTypingStarted) {
			e.mu.Unlock()
			return
		}
		e.commitLocked()
		e.metrics.RealtimeEvent(eventType, "typing")
	default:
		e.metrics.RealtimeEvent(eventType, "ignored")
	}
}

// ClearTyping drops all typing indicators, e.g. when the stream is lost.
func (e *Engine) ClearTyping() {
	e.mu.Lock()
	if len(e.typing) == 0 {
		e.mu.Unlock()
		return
	}
	e.typing = map[string]struct{}{}
	e.commitLocked()
}

func (e *Engine) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range e.messages {
		if e.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) insertSortedLocked(m Message) {
	i := sort.Search(len(e.messages), func(i int) bool {
		return e.messages[i].CreatedAt.After(m.CreatedAt)
	})
	e.messages = append(e.messages, Message{})
	copy(e.messages[i+1:], e.messages[i:])
	e.messages[i] = m
}

func sortMessages(ms []Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].seq < ms[j].seq
		}
		return ms[i].CreatedAt.Before(ms[j].CreatedAt)
	})
}
