package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/config"
	"github.com/GeminiLight/OverLink/internal/credentials"
	"github.com/GeminiLight/OverLink/internal/worker"
)

const testKey = "0123456789abcdef0123456789abcdef"

var testCfg = config.DispatchConfig{Token: "ghp_test", Owner: "acme", Repo: "cv", EventType: "sync_job"}

func TestNew(t *testing.T) {
	t.Run("requires repository settings", func(t *testing.T) {
		_, err := New(config.DispatchConfig{Token: "x"}, testKey)
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("requires a usable key", func(t *testing.T) {
		_, err := New(testCfg, "short")
		assert.ErrorIs(t, err, credentials.ErrKeySize)
	})
}

func TestPayload(t *testing.T) {
	d, err := New(testCfg, testKey, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	c, err := credentials.NewCipher(testKey)
	require.NoError(t, err)
	creds := credentials.Credentials{Email: "me@example.com", Password: "pw"}

	t.Run("single project uses the flat form", func(t *testing.T) {
		p, err := d.Payload(Request{Credentials: creds, Projects: []worker.ProjectSpec{{Filename: "cv", ProjectID: "abc"}}})
		require.NoError(t, err)
		assert.Equal(t, "cv", p.Filename)
		assert.Equal(t, "abc", p.ProjectID)
		assert.Empty(t, p.Projects)
		assert.True(t, p.IsEncrypted)

		email, err := c.Decrypt(p.Email)
		require.NoError(t, err)
		assert.Equal(t, creds.Email, email)
		assert.NotEqual(t, creds.Password, p.Password)
	})

	t.Run("several projects use the list form", func(t *testing.T) {
		specs := []worker.ProjectSpec{{Filename: "a", ProjectID: "1"}, {Filename: "b", ProjectID: "2"}}
		p, err := d.Payload(Request{Credentials: creds, Projects: specs})
		require.NoError(t, err)
		assert.Equal(t, specs, p.Projects)
		assert.Empty(t, p.Filename)
	})

	t.Run("missing auth file is omitted", func(t *testing.T) {
		p, err := d.Payload(Request{Credentials: creds, Projects: []worker.ProjectSpec{{Filename: "a", ProjectID: "1"}}, AuthFile: filepath.Join(t.TempDir(), "none.json")})
		require.NoError(t, err)
		assert.Empty(t, p.AuthJSONBase64)
	})

	t.Run("no projects", func(t *testing.T) {
		_, err := d.Payload(Request{Credentials: creds})
		assert.ErrorIs(t, err, ErrNoProjects)
	})
}

func TestDispatch(t *testing.T) {
	var (
		gotPath  string
		gotAuth  string
		gotEvent struct {
			EventType     string          `json:"event_type"`
			ClientPayload json.RawMessage `json:"client_payload"`
		}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotEvent)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, testCfg.Token, srv.Client())
	require.NoError(t, err)
	d, err := New(testCfg, testKey, WithRepositories(client.Repositories), WithLogger(zap.NewNop()))
	require.NoError(t, err)

	authFile := filepath.Join(t.TempDir(), "auth.json")
	require.NoError(t, os.WriteFile(authFile, []byte(`{"cookies":[],"origins":[]}`), 0o600))

	err = d.Dispatch(context.Background(), Request{
		Credentials: credentials.Credentials{Email: "me@example.com", Password: "pw"},
		Projects:    []worker.ProjectSpec{{Filename: "cv", ProjectID: "abc"}},
		AuthFile:    authFile,
	})
	require.NoError(t, err)

	assert.Equal(t, "/repos/acme/cv/dispatches", gotPath)
	assert.Equal(t, "Bearer ghp_test", gotAuth)
	assert.Equal(t, "sync_job", gotEvent.EventType)

	p, err := worker.ParsePayload(string(gotEvent.ClientPayload))
	require.NoError(t, err)
	assert.Equal(t, []worker.ProjectSpec{{Filename: "cv", ProjectID: "abc"}}, p.Jobs())
	assert.NotEmpty(t, p.AuthJSONBase64)
}

func TestDispatchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, "t", srv.Client())
	require.NoError(t, err)
	d, err := New(testCfg, testKey, WithRepositories(client.Repositories), WithLogger(zap.NewNop()))
	require.NoError(t, err)

	err = d.Dispatch(context.Background(), Request{Projects: []worker.ProjectSpec{{Filename: "a", ProjectID: "1"}}})
	assert.ErrorContains(t, err, "repository dispatch failed")
}
