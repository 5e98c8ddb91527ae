package identity

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Settings selects the durable KV backing the identity store.
type Settings struct {
	Driver      string `yaml:"driver"` // memory|sqlite|redis|pebble
	Path        string `yaml:"path"`   // sqlite file or pebble directory
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// DefaultPath is the SQLite file used when no path is configured:
// <user config dir>/chatwidget/identity.db.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "identity: resolve user config dir")
	}
	return filepath.Join(dir, "chatwidget", "identity.db"), nil
}

// DefaultSettings keeps identities in SQLite under the user config dir so a
// returning user resumes the same token and conversation. The memory driver
// has to be asked for explicitly.
func DefaultSettings() Settings {
	s := Settings{Driver: "sqlite"}
	if p, err := DefaultPath(); err == nil {
		s.Path = p
	}
	return s
}

// Open builds the KV selected by s. An empty driver means sqlite; an empty
// sqlite or pebble path resolves under the user config dir.
func Open(s Settings) (KV, error) {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "memory":
		return NewMemoryKV(), nil
	case "", "sqlite":
		path, err := resolvePath(s.Path, "identity.db")
		if err != nil {
			return nil, err
		}
		return NewSQLiteKV(fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path))
	case "pebble":
		path, err := resolvePath(s.Path, "identity.pebble")
		if err != nil {
			return nil, err
		}
		return NewPebbleKV(path)
	case "redis":
		addr := s.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		return NewRedisKV(redis.NewClient(&redis.Options{Addr: addr}), s.RedisPrefix), nil
	default:
		return nil, errors.Errorf("identity: unknown driver %q", s.Driver)
	}
}

// resolvePath falls back to name next to DefaultPath and creates the parent
// directory.
func resolvePath(path string, name string) (string, error) {
	if strings.TrimSpace(path) == "" {
		def, err := DefaultPath()
		if err != nil {
			return "", err
		}
		path = filepath.Join(filepath.Dir(def), name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", errors.Wrap(err, "identity: create directory")
	}
	return path, nil
}

// MemoryKV keeps values for the lifetime of the process only.
type MemoryKV struct {
	mu sync.RWMutex
	m  map[string]string
}

var _ KV = &MemoryKV{}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{m: map[string]string{}}
}

func (k *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *MemoryKV) Set(_ context.Context, key string, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}

func (k *MemoryKV) Close() error { return nil }

// SQLiteKV stores values in a single key/value table.
type SQLiteKV struct {
	db *sql.DB
}

var _ KV = &SQLiteKV{}

func NewSQLiteKV(dsn string) (*SQLiteKV, error) {
	if dsn == "" {
		return nil, errors.New("sqlite identity kv: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS widget_identity (
	  key TEXT PRIMARY KEY,
	  value TEXT NOT NULL,
	  updated_at_ms INTEGER NOT NULL
	);`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite identity kv: migrate")
	}
	return &SQLiteKV{db: db}, nil
}

func (k *SQLiteKV) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := k.db.QueryRowContext(ctx, `SELECT value FROM widget_identity WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "sqlite identity kv: get")
	}
	return v, true, nil
}

func (k *SQLiteKV) Set(ctx context.Context, key string, value string) error {
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO widget_identity(key, value, updated_at_ms) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite identity kv: set")
	}
	return nil
}

func (k *SQLiteKV) Close() error {
	if k == nil || k.db == nil {
		return nil
	}
	return k.db.Close()
}

// PebbleKV is an embedded LSM store, useful when no SQL engine is wanted.
type PebbleKV struct {
	db *pebble.DB
}

var _ KV = &PebbleKV{}

func NewPebbleKV(dir string) (*PebbleKV, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
		return nil, errors.Wrap(err, "pebble identity kv: mkdir")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "pebble identity kv: open")
	}
	return &PebbleKV{db: db}, nil
}

func (k *PebbleKV) Get(_ context.Context, key string) (string, bool, error) {
	v, closer, err := k.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "pebble identity kv: get")
	}
	out := string(v)
	if closer != nil {
		_ = closer.Close()
	}
	return out, true, nil
}

func (k *PebbleKV) Set(_ context.Context, key string, value string) error {
	if err := k.db.Set([]byte(key), []byte(value), pebble.Sync); err != nil {
		return errors.Wrap(err, "pebble identity kv: set")
	}
	return nil
}

func (k *PebbleKV) Close() error {
	if k == nil || k.db == nil {
		return nil
	}
	return k.db.Close()
}

// RedisKV shares identities across processes of the same origin.
type RedisKV struct {
	client *redis.Client
	prefix string
}

var _ KV = &RedisKV{}

func NewRedisKV(client *redis.Client, prefix string) *RedisKV {
	if prefix == "" {
		prefix = "chatwidget:"
	}
	return &RedisKV{client: client, prefix: prefix}
}

func (k *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := k.client.Get(ctx, k.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis identity kv: get")
	}
	return v, true, nil
}

func (k *RedisKV) Set(ctx context.Context, key string, value string) error {
	if err := k.client.Set(ctx, k.prefix+key, value, 0).Err(); err != nil {
		return errors.Wrap(err, "redis identity kv: set")
	}
	return nil
}

func (k *RedisKV) Close() error {
	if k == nil || k.client == nil {
		return nil
	}
	return k.client.Close()
}
