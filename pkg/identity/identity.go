// Package identity persists the (auth token, conversation id) pair that lets a
// returning visitor resume their conversation. Records are keyed by the widget
// configuration id and live in a durable key/value store.
package identity

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Record is the durable identity of one widget instance.
type Record struct {
	ConfigID       string
	AuthToken      string
	ConversationID string
}

func (r Record) HasToken() bool        { return r.AuthToken != "" }
func (r Record) HasConversation() bool { return r.ConversationID != "" }

// KV is the durable local store boundary. Get reports ok=false for missing keys.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
	Close() error
}

func TokenKey(configID string) string        { return "token:" + configID }
func ConversationKey(configID string) string { return "conversation:" + configID }

// Store reads and writes identity records on top of a KV.
type Store struct {
	kv KV
}

func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

func (s *Store) Close() error {
	if s == nil || s.kv == nil {
		return nil
	}
	return s.kv.Close()
}

func (s *Store) Load(ctx context.Context, configID string) (Record, error) {
	configID = strings.TrimSpace(configID)
	if configID == "" {
		return Record{}, errors.New("identity store: config id is empty")
	}
	if s == nil || s.kv == nil {
		return Record{}, errors.New("identity store: not initialized")
	}
	rec := Record{ConfigID: configID}
	token, _, err := s.kv.Get(ctx, TokenKey(configID))
	if err != nil {
		return Record{}, errors.Wrap(err, "identity store: read token")
	}
	conv, _, err := s.kv.Get(ctx, ConversationKey(configID))
	if err != nil {
		return Record{}, errors.Wrap(err, "identity store: read conversation")
	}
	rec.AuthToken = token
	rec.ConversationID = conv
	return rec, nil
}

// SaveToken stores token unless it is empty or unchanged. It reports whether a
// write happened.
func (s *Store) SaveToken(ctx context.Context, configID string, token string) (bool, error) {
	return s.saveIfChanged(ctx, TokenKey(configID), token)
}

// SaveConversation stores the conversation id unless it is empty or unchanged.
func (s *Store) SaveConversation(ctx context.Context, configID string, conversationID string) (bool, error) {
	return s.saveIfChanged(ctx, ConversationKey(configID), conversationID)
}

func (s *Store) saveIfChanged(ctx context.Context, key string, value string) (bool, error) {
	if s == nil || s.kv == nil {
		return false, errors.New("identity store: not initialized")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return false, nil
	}
	current, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, errors.Wrapf(err, "identity store: read %s", key)
	}
	if ok && current == value {
		return false, nil
	}
	if err := s.kv.Set(ctx, key, value); err != nil {
		return false, errors.Wrapf(err, "identity store: write %s", key)
	}
	log.Debug().Str("component", "identity").Str("key", key).Msg("identity value persisted")
	return true, nil
}
