package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryStore is a size-limited, in-memory Store implementation.
// It mirrors the ordering semantics of the SQLite store.
type InMemoryStore struct {
	mu                 sync.Mutex
	maxMessagesPerConv int
	users              map[string]UserRecord // by user id
	tokens             map[string]string     // token -> user id
	conversations      map[string]ConversationRecord
	messages           map[string]*inMemConversation
}

type inMemConversation struct {
	seq      uint64
	messages []MessageRecord
	ids      map[string]struct{}
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore(maxMessagesPerConv int) *InMemoryStore {
	if maxMessagesPerConv <= 0 {
		maxMessagesPerConv = 5000
	}
	return &InMemoryStore{
		maxMessagesPerConv: maxMessagesPerConv,
		users:              map[string]UserRecord{},
		tokens:             map[string]string{},
		conversations:      map[string]ConversationRecord{},
		messages:           map[string]*inMemConversation{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) UpsertUser(_ context.Context, record UserRecord) error {
	if s == nil {
		return errors.New("in-memory chat store: nil store")
	}
	if record.UserID == "" || record.Token == "" {
		return errors.New("in-memory chat store: user id and token are required")
	}
	if record.CreatedAtMs <= 0 {
		record.CreatedAtMs = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.users[record.UserID]; ok {
		delete(s.tokens, prev.Token)
		record.CreatedAtMs = prev.CreatedAtMs
		if record.ConfigID == "" {
			record.ConfigID = prev.ConfigID
		}
	}
	s.users[record.UserID] = record
	s.tokens[record.Token] = record.UserID
	return nil
}

func (s *InMemoryStore) GetUserByToken(_ context.Context, token string) (UserRecord, bool, error) {
	if s == nil {
		return UserRecord{}, false, errors.New("in-memory chat store: nil store")
	}
	token = strings.TrimSpace(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	if !ok {
		return UserRecord{}, false, nil
	}
	rec, ok := s.users[id]
	return rec, ok, nil
}

func (s *InMemoryStore) UpsertConversation(_ context.Context, record ConversationRecord) error {
	if s == nil {
		return errors.New("in-memory chat store: nil store")
	}
	now := time.Now().UnixMilli()
	record = normalizeConversationRecord(record, now)
	if record.ConvID == "" {
		return errors.New("in-memory chat store: convID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[record.ConvID] = mergeConversationRecord(s.conversations[record.ConvID], record, now)
	return nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, convID string) (ConversationRecord, bool, error) {
	if s == nil {
		return ConversationRecord{}, false, errors.New("in-memory chat store: nil store")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return ConversationRecord{}, false, errors.New("in-memory chat store: convID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.conversations[convID]
	if !ok {
		return ConversationRecord{}, false, nil
	}
	rec.MessageCount = s.countLocked(convID)
	return rec, true, nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, limit int, sinceMs int64) ([]ConversationRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory chat store: nil store")
	}
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]ConversationRecord, 0, len(s.conversations))
	for _, rec := range s.conversations {
		if sinceMs > 0 && rec.LastActivityMs < sinceMs {
			continue
		}
		rec.MessageCount = s.countLocked(rec.ConvID)
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastActivityMs == records[j].LastActivityMs {
			return records[i].ConvID < records[j].ConvID
		}
		return records[i].LastActivityMs > records[j].LastActivityMs
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, record MessageRecord) (MessageRecord, error) {
	if s == nil {
		return MessageRecord{}, errors.New("in-memory chat store: nil store")
	}
	if record.ConvID == "" {
		return MessageRecord{}, errors.New("in-memory chat store: convID is empty")
	}
	if record.MessageID == "" {
		return MessageRecord{}, errors.New("in-memory chat store: message id is empty")
	}
	if record.CreatedAtMs <= 0 {
		record.CreatedAtMs = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.messages[record.ConvID]
	if conv == nil {
		conv = &inMemConversation{ids: map[string]struct{}{}}
		s.messages[record.ConvID] = conv
	}
	if _, dup := conv.ids[record.MessageID]; dup {
		return MessageRecord{}, errors.Errorf("in-memory chat store: duplicate message id %q", record.MessageID)
	}
	conv.seq++
	record.Seq = conv.seq
	conv.messages = append(conv.messages, record)
	conv.ids[record.MessageID] = struct{}{}
	if over := len(conv.messages) - s.maxMessagesPerConv; over > 0 {
		for _, m := range conv.messages[:over] {
			delete(conv.ids, m.MessageID)
		}
		conv.messages = append([]MessageRecord(nil), conv.messages[over:]...)
	}

	if rec, ok := s.conversations[record.ConvID]; ok && record.CreatedAtMs > rec.LastActivityMs {
		rec.LastActivityMs = record.CreatedAtMs
		s.conversations[record.ConvID] = rec
	}
	return record, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, convID string, limit int) ([]MessageRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory chat store: nil store")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return nil, errors.New("in-memory chat store: convID is empty")
	}
	if limit <= 0 {
		limit = 1000
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.messages[convID]
	if conv == nil {
		return []MessageRecord{}, nil
	}
	msgs := conv.messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]MessageRecord(nil), msgs...), nil
}

func (s *InMemoryStore) countLocked(convID string) int {
	if conv := s.messages[convID]; conv != nil {
		return len(conv.messages)
	}
	return 0
}
