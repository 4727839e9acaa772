package browser

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageState(t *testing.T) {
	dir := t.TempDir()

	t.Run("write then load", func(t *testing.T) {
		path := filepath.Join(dir, "nested", "auth.json")
		st := &StorageState{
			Cookies: []Cookie{{Name: "overleaf_session2", Value: "s", Domain: ".overleaf.com", Path: "/", Expires: -1, HTTPOnly: true, Secure: true, SameSite: "Lax"}},
			Origins: []OriginState{{Origin: "https://www.overleaf.com", LocalStorage: []NameValue{{Name: "k", Value: "v"}}}},
		}
		require.NoError(t, WriteStorageState(path, st))
		assert.True(t, FileExists(path))

		got, err := LoadStorageState(path)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(st, got))
	})

	t.Run("restore from base64", func(t *testing.T) {
		path := filepath.Join(dir, "restored.json")
		raw := `{"cookies":[{"name":"a","value":"b","domain":"x","path":"/","expires":-1,"httpOnly":false,"secure":false}],"origins":[]}`
		require.NoError(t, RestoreStorageState(base64.StdEncoding.EncodeToString([]byte(raw)), path))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.JSONEq(t, raw, string(data))

		encoded, err := EncodeStorageState(path)
		require.NoError(t, err)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte(raw)), encoded)
	})

	t.Run("restore rejects garbage and keeps the old file", func(t *testing.T) {
		path := filepath.Join(dir, "keep.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"cookies":[],"origins":[]}`), 0o600))

		assert.Error(t, RestoreStorageState("%%%", path))
		assert.Error(t, RestoreStorageState(base64.StdEncoding.EncodeToString([]byte("not json")), path))
		assert.Error(t, RestoreStorageState("", path))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.JSONEq(t, `{"cookies":[],"origins":[]}`, string(data))
	})

	t.Run("missing file", func(t *testing.T) {
		path := filepath.Join(dir, "absent.json")
		assert.False(t, FileExists(path))
		assert.False(t, FileExists(""))
		encoded, err := EncodeStorageState(path)
		require.NoError(t, err)
		assert.Empty(t, encoded)
	})
}
