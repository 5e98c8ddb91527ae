// Package session owns the connection lifecycle of one embedded context:
// resuming or creating an identity, making sure a conversation exists, and
// exposing the connected/degraded state.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/chaterrors"
	"github.com/go-go-golems/chatwidget/pkg/identity"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
)

var ErrMissingConfigID = errors.New("widget configuration id is required")

// Manager establishes sessions against a backend, persisting identity in store.
type Manager struct {
	store   *identity.Store
	backend backend.Backend
}

func NewManager(store *identity.Store, b backend.Backend) *Manager {
	return &Manager{store: store, backend: b}
}

// Establish resumes the stored identity for configID or creates a fresh one.
// It returns a ConfigError when configID is empty and a ConnectionError when
// the backend fails. Identity store write failures are logged, not fatal.
func (m *Manager) Establish(ctx context.Context, configID string) (*Session, error) {
	configID = strings.TrimSpace(configID)
	if configID == "" {
		return nil, chaterrors.Config("establish", ErrMissingConfigID)
	}
	if m == nil || m.backend == nil || m.store == nil {
		return nil, chaterrors.Config("establish", errors.New("session manager is not configured"))
	}
	logger := log.With().Str("component", "session").Str("config_id", configID).Logger()

	rec, err := m.store.Load(ctx, configID)
	if err != nil {
		// an unreadable store behaves like an empty one
		logger.Warn().Err(err).Msg("identity load failed, connecting fresh")
		rec = identity.Record{ConfigID: configID}
	}

	conn, err := m.backend.Connect(ctx, configID, rec.AuthToken)
	if err != nil {
		return nil, chaterrors.Connection("establish", errors.Wrap(err, "connect"))
	}
	user := conn.User()
	if user.UserID == "" {
		return nil, chaterrors.Connection("establish", errors.New("backend returned no user id"))
	}
	if user.Token != "" && user.Token != rec.AuthToken {
		if rec.HasToken() {
			logger.Info().Msg("backend issued a new token")
		}
		if _, err := m.store.SaveToken(ctx, configID, user.Token); err != nil {
			logger.Warn().Err(err).Msg("failed to persist auth token")
		}
		rec.AuthToken = user.Token
	}

	if !rec.HasConversation() {
		convID, err := conn.CreateConversation(ctx)
		if err != nil {
			return nil, chaterrors.Connection("establish", errors.Wrap(err, "create conversation"))
		}
		if _, err := m.store.SaveConversation(ctx, configID, convID); err != nil {
			logger.Warn().Err(err).Msg("failed to persist conversation id")
		}
		rec.ConversationID = convID
		logger.Info().Str("conv_id", convID).Str("user_id", user.UserID).Msg("created conversation")
	} else {
		logger.Debug().Str("conv_id", rec.ConversationID).Str("user_id", user.UserID).Msg("resuming conversation")
	}

	return &Session{
		identity: rec,
		userID:   user.UserID,
		conn:     conn,
		state:    StateConnecting,
	}, nil
}

// Session is the live handle of one embedded context. It is never persisted.
type Session struct {
	identity identity.Record
	userID   string
	conn     backend.Conn

	mu        sync.Mutex
	state     State
	listeners []func(State)
}

func (s *Session) Identity() identity.Record { return s.identity }
func (s *Session) ConversationID() string    { return s.identity.ConversationID }
func (s *Session) UserID() string            { return s.userID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers fn for future transitions and returns a remover.
func (s *Session) OnStateChange(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
	idx := len(s.listeners) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.listeners) {
			s.listeners[idx] = nil
		}
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	ls := append([]func(State){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range ls {
		if fn != nil {
			fn(next)
		}
	}
}

func (s *Session) MarkConnected()    { s.setState(StateConnected) }
func (s *Session) MarkDegraded()     { s.setState(StateDegraded) }
func (s *Session) MarkDisconnected() { s.setState(StateDisconnected) }

func (s *Session) ListMessages(ctx context.Context) ([]backend.Message, error) {
	msgs, err := s.conn.ListMessages(ctx, s.ConversationID())
	if err != nil {
		return nil, chaterrors.Connection("list-messages", err)
	}
	return msgs, nil
}

func (s *Session) CreateMessage(ctx context.Context, payload backend.Payload) (backend.Message, error) {
	return s.conn.CreateMessage(ctx, s.ConversationID(), payload)
}

func (s *Session) Subscribe(ctx context.Context, conversationID string) (backend.Stream, error) {
	return s.conn.Subscribe(ctx, conversationID)
}
