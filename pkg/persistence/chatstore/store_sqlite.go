package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_users (
		  user_id TEXT PRIMARY KEY,
		  config_id TEXT NOT NULL,
		  token TEXT NOT NULL UNIQUE,
		  created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chat_conversations (
		  conv_id TEXT PRIMARY KEY,
		  owner_id TEXT NOT NULL,
		  config_id TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  last_activity_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_conversations_by_last_activity
		  ON chat_conversations(last_activity_ms DESC, conv_id ASC);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
		  conv_id TEXT NOT NULL,
		  seq INTEGER NOT NULL,
		  message_id TEXT NOT NULL,
		  author_id TEXT NOT NULL,
		  created_at_ms INTEGER NOT NULL,
		  payload_type TEXT NOT NULL,
		  payload_text TEXT NOT NULL DEFAULT '',
		  PRIMARY KEY (conv_id, seq),
		  UNIQUE (conv_id, message_id)
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, record UserRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	if record.UserID == "" || record.Token == "" {
		return errors.New("sqlite chat store: user id and token are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if record.CreatedAtMs <= 0 {
		record.CreatedAtMs = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_users(user_id, config_id, token, created_at_ms)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
		  token = excluded.token,
		  config_id = CASE
		    WHEN excluded.config_id <> '' THEN excluded.config_id
		    ELSE chat_users.config_id
		  END
	`, record.UserID, record.ConfigID, record.Token, record.CreatedAtMs)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: upsert user")
	}
	return nil
}

func (s *SQLiteStore) GetUserByToken(ctx context.Context, token string) (UserRecord, bool, error) {
	if s == nil || s.db == nil {
		return UserRecord{}, false, errors.New("sqlite chat store: db is nil")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return UserRecord{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var rec UserRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, config_id, token, created_at_ms FROM chat_users WHERE token = ?
	`, token).Scan(&rec.UserID, &rec.ConfigID, &rec.Token, &rec.CreatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, false, nil
	}
	if err != nil {
		return UserRecord{}, false, errors.Wrap(err, "sqlite chat store: get user")
	}
	return rec, true, nil
}

func (s *SQLiteStore) UpsertConversation(ctx context.Context, record ConversationRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	record = normalizeConversationRecord(record, time.Now().UnixMilli())
	if record.ConvID == "" {
		return errors.New("sqlite chat store: convID is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_conversations(conv_id, owner_id, config_id, created_at_ms, last_activity_ms)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(conv_id) DO UPDATE SET
		  owner_id = CASE
		    WHEN excluded.owner_id <> '' THEN excluded.owner_id
		    ELSE chat_conversations.owner_id
		  END,
		  config_id = CASE
		    WHEN excluded.config_id <> '' THEN excluded.config_id
		    ELSE chat_conversations.config_id
		  END,
		  last_activity_ms = CASE
		    WHEN excluded.last_activity_ms > chat_conversations.last_activity_ms THEN excluded.last_activity_ms
		    ELSE chat_conversations.last_activity_ms
		  END
	`, record.ConvID, record.OwnerID, record.ConfigID, record.CreatedAtMs, record.LastActivityMs)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: upsert conversation")
	}
	return nil
}

const conversationColumns = `
	c.conv_id, c.owner_id, c.config_id, c.created_at_ms, c.last_activity_ms,
	(SELECT COUNT(*) FROM chat_messages m WHERE m.conv_id = c.conv_id)
`

func (s *SQLiteStore) GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error) {
	if s == nil || s.db == nil {
		return ConversationRecord{}, false, errors.New("sqlite chat store: db is nil")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return ConversationRecord{}, false, errors.New("sqlite chat store: convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var rec ConversationRecord
	err := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM chat_conversations c WHERE c.conv_id = ?`, convID).
		Scan(&rec.ConvID, &rec.OwnerID, &rec.ConfigID, &rec.CreatedAtMs, &rec.LastActivityMs, &rec.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationRecord{}, false, nil
	}
	if err != nil {
		return ConversationRecord{}, false, errors.Wrap(err, "sqlite chat store: get conversation")
	}
	return rec, true, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, limit int, sinceMs int64) ([]ConversationRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + conversationColumns + ` FROM chat_conversations c`
	args := make([]any, 0, 2)
	if sinceMs > 0 {
		query += ` WHERE c.last_activity_ms >= ?`
		args = append(args, sinceMs)
	}
	query += ` ORDER BY c.last_activity_ms DESC, c.conv_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list conversations")
	}
	defer func() { _ = rows.Close() }()

	records := make([]ConversationRecord, 0, limit)
	for rows.Next() {
		var rec ConversationRecord
		if err := rows.Scan(&rec.ConvID, &rec.OwnerID, &rec.ConfigID, &rec.CreatedAtMs, &rec.LastActivityMs, &rec.MessageCount); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan conversation")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: iterate conversations")
	}
	return records, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, record MessageRecord) (MessageRecord, error) {
	if s == nil || s.db == nil {
		return MessageRecord{}, errors.New("sqlite chat store: db is nil")
	}
	if record.ConvID == "" {
		return MessageRecord{}, errors.New("sqlite chat store: convID is empty")
	}
	if record.MessageID == "" {
		return MessageRecord{}, errors.New("sqlite chat store: message id is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if record.CreatedAtMs <= 0 {
		record.CreatedAtMs = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MessageRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM chat_messages WHERE conv_id = ?`, record.ConvID).Scan(&current); err != nil {
		return MessageRecord{}, errors.Wrap(err, "sqlite chat store: read sequence")
	}
	next, err := int64ToUint64(current + 1)
	if err != nil {
		return MessageRecord{}, err
	}
	record.Seq = next

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages(conv_id, seq, message_id, author_id, created_at_ms, payload_type, payload_text)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, record.ConvID, current+1, record.MessageID, record.AuthorID, record.CreatedAtMs, record.PayloadType, record.PayloadText); err != nil {
		return MessageRecord{}, errors.Wrap(err, "sqlite chat store: insert message")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_conversations SET last_activity_ms = MAX(last_activity_ms, ?) WHERE conv_id = ?
	`, record.CreatedAtMs, record.ConvID); err != nil {
		return MessageRecord{}, errors.Wrap(err, "sqlite chat store: touch conversation")
	}
	if err := tx.Commit(); err != nil {
		return MessageRecord{}, errors.Wrap(err, "sqlite chat store: commit")
	}
	return record, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, convID string, limit int) ([]MessageRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return nil, errors.New("sqlite chat store: convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 1000
	}
	// newest window, returned oldest first
	rows, err := s.db.QueryContext(ctx, `
		SELECT conv_id, seq, message_id, author_id, created_at_ms, payload_type, payload_text FROM (
		  SELECT * FROM chat_messages WHERE conv_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`, convID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list messages")
	}
	defer func() { _ = rows.Close() }()

	out := []MessageRecord{}
	for rows.Next() {
		var (
			rec MessageRecord
			seq int64
		)
		if err := rows.Scan(&rec.ConvID, &seq, &rec.MessageID, &rec.AuthorID, &rec.CreatedAtMs, &rec.PayloadType, &rec.PayloadText); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan message")
		}
		if rec.Seq, err = int64ToUint64(seq); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: iterate messages")
	}
	return out, nil
}

// SQLiteDSNForFile builds a DSN with WAL and a busy timeout.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite chat store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func int64ToUint64(v int64) (uint64, error) {
	if v < 0 {
		return 0, errors.Errorf("value %d cannot be represented as uint64", v)
	}
	return uint64(v), nil
}
