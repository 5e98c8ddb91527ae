package identity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func kvsForTest(t *testing.T) map[string]KV {
	t.Helper()
	dir := t.TempDir()
	sqliteKV, err := Open(Settings{Driver: "sqlite", Path: filepath.Join(dir, "identity.db")})
	require.NoError(t, err)
	pebbleKV, err := Open(Settings{Driver: "pebble", Path: filepath.Join(dir, "identity.pebble")})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqliteKV.Close()
		_ = pebbleKV.Close()
	})
	return map[string]KV{
		"memory": NewMemoryKV(),
		"sqlite": sqliteKV,
		"pebble": pebbleKV,
	}
}

func TestStore_LoadEmpty(t *testing.T) {
	for name, kv := range kvsForTest(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(kv)
			rec, err := s.Load(context.Background(), "wh1")
			require.NoError(t, err)
			require.Equal(t, "wh1", rec.ConfigID)
			require.False(t, rec.HasToken())
			require.False(t, rec.HasConversation())
		})
	}
}

func TestStore_SaveAndReload(t *testing.T) {
	for name, kv := range kvsForTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(kv)

			wrote, err := s.SaveToken(ctx, "wh1", "tok-1")
			require.NoError(t, err)
			require.True(t, wrote)
			wrote, err = s.SaveToken(ctx, "wh1", "tok-1")
			require.NoError(t, err)
			require.False(t, wrote, "unchanged value must not be rewritten")
			wrote, err = s.SaveToken(ctx, "wh1", "")
			require.NoError(t, err)
			require.False(t, wrote)

			_, err = s.SaveConversation(ctx, "wh1", "conv-1")
			require.NoError(t, err)

			rec, err := s.Load(ctx, "wh1")
			require.NoError(t, err)
			require.Equal(t, "tok-1", rec.AuthToken)
			require.Equal(t, "conv-1", rec.ConversationID)

			other, err := s.Load(ctx, "wh2")
			require.NoError(t, err)
			require.False(t, other.HasToken())
		})
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")
	ctx := context.Background()

	kv, err := Open(Settings{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	s := NewStore(kv)
	_, err = s.SaveToken(ctx, "wh1", "tok-1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	kv, err = Open(Settings{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	s = NewStore(kv)
	defer func() { _ = s.Close() }()
	rec, err := s.Load(ctx, "wh1")
	require.NoError(t, err)
	require.Equal(t, "tok-1", rec.AuthToken)
}

func TestStore_LoadRejectsEmptyConfigID(t *testing.T) {
	_, err := NewStore(NewMemoryKV()).Load(context.Background(), "  ")
	require.Error(t, err)
}

type failingKV struct{ *MemoryKV }

func (f *failingKV) Set(context.Context, string, string) error {
	return errors.New("quota exceeded")
}

func TestStore_WriteFailureSurfaces(t *testing.T) {
	s := NewStore(&failingKV{MemoryKV: NewMemoryKV()})
	_, err := s.SaveToken(context.Background(), "wh1", "tok")
	require.Error(t, err)
	require.Contains(t, err.Error(), "quota exceeded")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Settings{Driver: "etcd"})
	require.Error(t, err)
}

func TestOpen_DefaultSettingsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	ctx := context.Background()

	settings := DefaultSettings()
	require.Equal(t, filepath.Join(dir, "chatwidget", "identity.db"), settings.Path)

	kv, err := Open(settings)
	require.NoError(t, err)
	s := NewStore(kv)
	_, err = s.SaveToken(ctx, "wh1", "tok-1")
	require.NoError(t, err)
	_, err = s.SaveConversation(ctx, "wh1", "conv-1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// an empty driver and path resolve to the same file
	kv, err = Open(Settings{})
	require.NoError(t, err)
	s = NewStore(kv)
	defer func() { _ = s.Close() }()
	rec, err := s.Load(ctx, "wh1")
	require.NoError(t, err)
	require.Equal(t, "tok-1", rec.AuthToken)
	require.Equal(t, "conv-1", rec.ConversationID)
}

func TestOpen_MemoryIsExplicit(t *testing.T) {
	kv, err := Open(Settings{Driver: "memory"})
	require.NoError(t, err)
	require.IsType(t, &MemoryKV{}, kv)
}
