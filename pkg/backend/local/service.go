// Package local is an in-process conversational backend: users, conversations
// and messages live in a chatstore, and events fan out over a watermill
// transport. The demo server exposes it over HTTP; tests and the --local CLI
// mode use it directly through Backend().
package local

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatwidget/pkg/redisstream"
)

var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrForbidden            = errors.New("conversation belongs to another user")
	ErrEmptyPayload         = errors.New("payload type is empty")
	ErrClosed               = errors.New("service is closed")
)

// BotUserID authors responder messages and typing events.
const BotUserID = "bot"

func TopicForConversation(convID string) string {
	return "conversation:" + convID
}

type Options struct {
	Store     chatstore.Store
	Transport *redisstream.Transport
	// Responder answers user messages; nil disables replies.
	Responder Responder
	Now       func() time.Time
}

type Service struct {
	store     chatstore.Store
	transport *redisstream.Transport
	responder Responder
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("local backend: store is nil")
	}
	if opts.Transport == nil {
		return nil, errors.New("local backend: transport is nil")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     opts.Store,
		transport: opts.Transport,
		responder: opts.Responder,
		now:       opts.Now,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Close stops pending responder work. It does not close the store or transport.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}

// Connect resolves token to a user. An empty or unknown token gets a fresh
// user and token.
func (s *Service) Connect(ctx context.Context, configID string, token string) (backend.User, error) {
	configID = strings.TrimSpace(configID)
	if configID == "" {
		return backend.User{}, errors.New("local backend: config id is empty")
	}
	token = strings.TrimSpace(token)
	if token != "" {
		rec, ok, err := s.store.GetUserByToken(ctx, token)
		if err != nil {
			return backend.User{}, errors.Wrap(err, "lookup token")
		}
		if ok && rec.ConfigID == configID {
			return backend.User{UserID: rec.UserID, Token: rec.Token}, nil
		}
		log.Info().Str("component", "local-backend").Str("config_id", configID).Msg("unknown token, issuing a new identity")
	}
	rec := chatstore.UserRecord{
		UserID:      "user-" + uuid.NewString(),
		ConfigID:    configID,
		Token:       uuid.NewString(),
		CreatedAtMs: s.now().UnixMilli(),
	}
	if err := s.store.UpsertUser(ctx, rec); err != nil {
		return backend.User{}, errors.Wrap(err, "create user")
	}
	return backend.User{UserID: rec.UserID, Token: rec.Token}, nil
}

// Authenticate maps a bearer token to its user.
func (s *Service) Authenticate(ctx context.Context, token string) (chatstore.UserRecord, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return chatstore.UserRecord{}, ErrUnauthorized
	}
	rec, ok, err := s.store.GetUserByToken(ctx, token)
	if err != nil {
		return chatstore.UserRecord{}, errors.Wrap(err, "lookup token")
	}
	if !ok {
		return chatstore.UserRecord{}, ErrUnauthorized
	}
	return rec, nil
}

func (s *Service) CreateConversation(ctx context.Context, user chatstore.UserRecord) (string, error) {
	convID := uuid.NewString()
	now := s.now().UnixMilli()
	if err := s.store.UpsertConversation(ctx, chatstore.ConversationRecord{
		ConvID:         convID,
		OwnerID:        user.UserID,
		ConfigID:       user.ConfigID,
		CreatedAtMs:    now,
		LastActivityMs: now,
	}); err != nil {
		return "", errors.Wrap(err, "create conversation")
	}
	return convID, nil
}

// Authorize checks that convID exists and belongs to userID.
func (s *Service) Authorize(ctx context.Context, userID string, convID string) error {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return ErrConversationNotFound
	}
	rec, ok, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return errors.Wrap(err, "lookup conversation")
	}
	if !ok {
		return ErrConversationNotFound
	}
	if rec.OwnerID != userID {
		return ErrForbidden
	}
	return nil
}

// ListMessages returns messages in storage order; callers sort by CreatedAt.
func (s *Service) ListMessages(ctx context.Context, userID string, convID string) ([]backend.Message, error) {
	if err := s.Authorize(ctx, userID, convID); err != nil {
		return nil, err
	}
	recs, err := s.store.ListMessages(ctx, convID, 0)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	out := make([]backend.Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, messageFromRecord(r))
	}
	return out, nil
}

func (s *Service) CreateMessage(ctx context.Context, userID string, convID string, payload backend.Payload) (backend.Message, error) {
	if err := s.Authorize(ctx, userID, convID); err != nil {
		return backend.Message{}, err
	}
	if strings.TrimSpace(payload.Type) == "" {
		return backend.Message{}, ErrEmptyPayload
	}
	msg, err := s.appendAndPublish(ctx, convID, userID, payload)
	if err != nil {
		return backend.Message{}, err
	}
	if s.responder != nil {
		s.respondAsync(msg)
	}
	return msg, nil
}

// Interrupt tells every listener of convID that its stream failed. Listeners
// reconnect and resync.
func (s *Service) Interrupt(convID string, reason string) error {
	return s.publish(convID, backend.Event{Type: backend.EventError, ConversationID: convID, Error: reason})
}

// Subscribe opens an in-process event stream for convID.
func (s *Service) Subscribe(ctx context.Context, userID string, convID string) (backend.Stream, error) {
	if err := s.Authorize(ctx, userID, convID); err != nil {
		return nil, err
	}
	return newTopicStream(ctx, s.transport, convID)
}

func (s *Service) appendAndPublish(ctx context.Context, convID string, authorID string, payload backend.Payload) (backend.Message, error) {
	rec, err := s.store.AppendMessage(ctx, chatstore.MessageRecord{
		ConvID:      convID,
		MessageID:   uuid.NewString(),
		AuthorID:    authorID,
		CreatedAtMs: s.now().UnixMilli(),
		PayloadType: payload.Type,
		PayloadText: payload.Text,
	})
	if err != nil {
		return backend.Message{}, errors.Wrap(err, "append message")
	}
	msg := messageFromRecord(rec)
	if err := s.publish(convID, backend.Event{Type: backend.EventMessageCreated, ConversationID: convID, Message: &msg}); err != nil {
		// stored; listeners recover it on their next history load
		log.Warn().Err(err).Str("component", "local-backend").Str("conv_id", convID).Msg("publish message_created failed")
	}
	return msg, nil
}

func (s *Service) publish(convID string, ev backend.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	return s.transport.Publisher().Publish(TopicForConversation(convID), message.NewMessage(watermill.NewUUID(), b))
}

func (s *Service) respondAsync(in backend.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		convID := in.ConversationID
		logger := log.With().Str("component", "local-backend").Str("conv_id", convID).Logger()

		_ = s.publish(convID, backend.Event{Type: backend.EventTypingStarted, ConversationID: convID, UserID: BotUserID})
		defer func() {
			_ = s.publish(convID, backend.Event{Type: backend.EventTypingStopped, ConversationID: convID, UserID: BotUserID})
		}()

		reply, ok, err := s.responder.Respond(s.ctx, in)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("responder failed")
			}
			return
		}
		if !ok {
			return
		}
		if _, err := s.appendAndPublish(s.ctx, convID, BotUserID, reply); err != nil {
			logger.Warn().Err(err).Msg("store reply failed")
		}
	}()
}

func messageFromRecord(r chatstore.MessageRecord) backend.Message {
	return backend.Message{
		ID:             r.MessageID,
		ConversationID: r.ConvID,
		AuthorID:       r.AuthorID,
		CreatedAt:      time.UnixMilli(r.CreatedAtMs).UTC(),
		Payload:        backend.Payload{Type: r.PayloadType, Text: r.PayloadText},
	}
}
