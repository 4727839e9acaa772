package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "public", "users.json"), zap.NewNop())
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file is an empty registry", func(t *testing.T) {
		s := newTestFileStore(t)
		entries, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("upsert is idempotent", func(t *testing.T) {
		s := newTestFileStore(t)

		updated, err := s.Upsert(ctx, "alice", "alice@example.com", "65a1b2c3d4e5f60718293a4b")
		require.NoError(t, err)
		assert.False(t, updated)

		updated, err = s.Upsert(ctx, "alice", "alice@example.com", "65a1b2c3d4e5f60718293a4b")
		require.NoError(t, err)
		assert.True(t, updated)

		entries, err := s.List(ctx)
		require.NoError(t, err)
		want := []Entry{{Username: "alice", Email: "alice@example.com", URL: ProjectURLPrefix + "65a1b2c3d4e5f60718293a4b"}}
		if diff := cmp.Diff(want, entries); diff != "" {
			t.Errorf("registry mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("upsert replaces in place and keeps order", func(t *testing.T) {
		s := newTestFileStore(t)
		_, err := s.Upsert(ctx, "alice", "a@example.com", "share1")
		require.NoError(t, err)
		_, err = s.Upsert(ctx, "bob", "b@example.com", "share2")
		require.NoError(t, err)
		_, err = s.Upsert(ctx, "alice", "a2@example.com", "https://example.com/cv")
		require.NoError(t, err)

		entries, err := s.List(ctx)
		require.NoError(t, err)
		want := []Entry{
			{Username: "alice", Email: "a2@example.com", URL: "https://example.com/cv"},
			{Username: "bob", Email: "b@example.com", URL: ReadURLPrefix + "share2"},
		}
		assert.Empty(t, cmp.Diff(want, entries))
	})

	t.Run("rejects empty nickname", func(t *testing.T) {
		s := newTestFileStore(t)
		_, err := s.Upsert(ctx, "  ", "a@example.com", "share")
		assert.ErrorIs(t, err, ErrInvalidEntry)
	})

	t.Run("delete matching requires both fields", func(t *testing.T) {
		s := newTestFileStore(t)
		_, err := s.Upsert(ctx, "alice", "alice@example.com", "share")
		require.NoError(t, err)

		err = s.DeleteMatching(ctx, "alice", "mallory@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
		entries, _ := s.List(ctx)
		assert.Len(t, entries, 1)

		require.NoError(t, s.DeleteMatching(ctx, "alice", "alice@example.com"))
		entries, _ = s.List(ctx)
		assert.Empty(t, entries)
	})

	t.Run("delete by nickname", func(t *testing.T) {
		s := newTestFileStore(t)
		_, err := s.Upsert(ctx, "bob", "b@example.com", "share")
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, "bob"))
		assert.ErrorIs(t, s.Delete(ctx, "bob"), ErrNotFound)
	})

	t.Run("reads files written by earlier deployments", func(t *testing.T) {
		s := newTestFileStore(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
		legacy := `[{"username": "carol", "email": "c@example.com", "url": "https://www.overleaf.com/read/xyz"}]`
		require.NoError(t, os.WriteFile(s.Path(), []byte(legacy), 0o644))

		entries, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "carol", entries[0].Username)
	})

	t.Run("corrupt file is an error", func(t *testing.T) {
		s := newTestFileStore(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
		require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))

		_, err := s.List(ctx)
		assert.Error(t, err)
	})
}
