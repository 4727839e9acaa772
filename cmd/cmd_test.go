package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/browser"
	"github.com/GeminiLight/OverLink/internal/browser/browsertest"
	"github.com/GeminiLight/OverLink/internal/config"
	"github.com/GeminiLight/OverLink/internal/credentials"
	"github.com/GeminiLight/OverLink/internal/dispatch"
	"github.com/GeminiLight/OverLink/internal/mirror"
	"github.com/GeminiLight/OverLink/internal/observability"
	"github.com/GeminiLight/OverLink/internal/registry"
	"github.com/GeminiLight/OverLink/internal/worker"
)

const testConfigTemplate = `logger:
  level: warn
  format: json
  log_file: {{dir}}/overlink.log
browser:
  validate_pdf: false
  install_browsers: false
  pacing:
    enabled: false
paths:
  auth_file: {{dir}}/auth.json
  public_dir: {{dir}}/public
  pdf_dir: {{dir}}/public/pdfs
  registry_file: {{dir}}/public/users.json
  work_dir: {{dir}}/work
`

type testEnv struct {
	dir     string
	cfgPath string
	driver  *browsertest.Driver
}

// newTestEnv writes a config file into a temp dir, pins the well-known
// environment variables and swaps in a scripted browser.
func newTestEnv(t *testing.T, script browsertest.Script) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(strings.ReplaceAll(testConfigTemplate, "{{dir}}", dir)), 0o644))

	t.Setenv("OVERLEAF_EMAIL", "bot@example.com")
	t.Setenv("OVERLEAF_PASSWORD", "pw-secret")
	t.Setenv("R2_ACCESS_KEY", "")
	t.Setenv("R2_SECRET_KEY", "")
	t.Setenv("payload", "")

	env := &testEnv{dir: dir, cfgPath: cfgPath, driver: browsertest.New(script)}
	orig := newDriver
	newDriver = func(config.BrowserConfig, *zap.Logger) (browser.Driver, error) { return env.driver, nil }
	t.Cleanup(func() {
		newDriver = orig
		observability.ResetForTest()
	})
	return env
}

func (e *testEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", e.cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *testEnv) store() *registry.FileStore {
	return registry.NewFileStore(filepath.Join(e.dir, "public", "users.json"), zap.NewNop())
}

func TestVersion(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, "overlink version "+Version+"\n", out.String())
}

func TestUserCommands(t *testing.T) {
	env := newTestEnv(t, browsertest.Script{})

	out, err := env.run(t, "", "user", "add", "--nickname", "alice", "--project-id", "65a1b2c3d4e5f60718293a4b", "--email", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "User 'alice' added/updated successfully.\n", out)

	out, err = env.run(t, "", "user", "add", "--nickname", "alice", "--project-id", "abcdef", "--email", "a@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "added/updated")

	entries, err := env.store().List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "https://www.overleaf.com/read/abcdef", entries[0].URL)

	out, err = env.run(t, "", "user", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "a@example.com")

	out, err = env.run(t, "", "user", "delete", "--nickname", "alice")
	require.NoError(t, err)
	assert.Equal(t, "User 'alice' deleted.\n", out)

	_, err = env.run(t, "", "user", "delete", "--nickname", "alice")
	assert.ErrorContains(t, err, "not found")

	_, err = env.run(t, "", "user", "add", "--nickname", "../etc", "--project-id", "x")
	assert.ErrorIs(t, err, registry.ErrInvalidEntry)

	_, err = env.run(t, "", "user", "add", "--nickname", "bob")
	assert.ErrorContains(t, err, "project-id")
}

func TestSync(t *testing.T) {
	t.Run("downloads every entry", func(t *testing.T) {
		env := newTestEnv(t, browsertest.Script{AcceptLogin: true})
		ctx := context.Background()
		_, err := env.store().Upsert(ctx, "alice", "a@example.com", "65a1b2c3d4e5f60718293a4b")
		require.NoError(t, err)
		_, err = env.store().Upsert(ctx, "bob", "b@example.com", "readtoken")
		require.NoError(t, err)

		_, err = env.run(t, "", "sync")
		require.NoError(t, err)

		assert.FileExists(t, filepath.Join(env.dir, "public", "pdfs", "alice.pdf"))
		assert.FileExists(t, filepath.Join(env.dir, "public", "pdfs", "bob.pdf"))
		assert.Equal(t, "bot@example.com", env.driver.Filled()[`input[name="email"]`])
	})

	t.Run("authentication failure is an error", func(t *testing.T) {
		env := newTestEnv(t, browsertest.Script{})
		_, err := env.store().Upsert(context.Background(), "alice", "", "65a1b2c3d4e5f60718293a4b")
		require.NoError(t, err)

		_, err = env.run(t, "", "sync")
		assert.ErrorIs(t, err, mirror.ErrAuthFailed)
	})

	t.Run("empty registry is a no-op", func(t *testing.T) {
		env := newTestEnv(t, browsertest.Script{})
		_, err := env.run(t, "", "sync")
		require.NoError(t, err)
		assert.Zero(t, env.driver.Launches())
	})

	t.Run("setup waits for enter", func(t *testing.T) {
		env := newTestEnv(t, browsertest.Script{})
		out, err := env.run(t, "\n", "sync", "--setup")
		require.NoError(t, err)
		assert.Contains(t, out, "Press Enter in terminal after you have logged in...")
		assert.Contains(t, env.driver.Calls(), "launch headless=false")
	})
}

func TestWorkerCommand(t *testing.T) {
	t.Run("payload flag", func(t *testing.T) {
		env := newTestEnv(t, browsertest.Script{AcceptLogin: true})
		out, err := env.run(t, "", "worker", "--payload", `{"projects":[{"filename":"cv","project_id":"65a1b2c3d4e5f60718293a4b"}]}`)
		require.NoError(t, err)
		assert.Contains(t, out, "cv.pdf: ok")
		assert.FileExists(t, filepath.Join(env.dir, "work", "cv.pdf"))
	})

	t.Run("payload environment variable", func(t *testing.T) {
		env := newTestEnv(t, browsertest.Script{AcceptLogin: true})
		t.Setenv("payload", `{"filename":"cv","project_id":"65a1b2c3d4e5f60718293a4b"}`)
		_, err := env.run(t, "", "worker")
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(env.dir, "work", "cv.pdf"))
	})

	t.Run("no projects", func(t *testing.T) {
		env := newTestEnv(t, browsertest.Script{AcceptLogin: true})
		_, err := env.run(t, "", "worker", "--payload", `{}`)
		assert.ErrorIs(t, err, worker.ErrNoProjects)
	})
}

func TestDispatchCommand(t *testing.T) {
	const key = "0123456789abcdef0123456789abcdef"

	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	env := newTestEnv(t, browsertest.Script{})
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	t.Setenv("GITHUB_OWNER", "acme")
	t.Setenv("GITHUB_REPO", "cv")
	t.Setenv("ENCRYPTION_KEY", key)

	orig := newDispatcher
	newDispatcher = func(cfg config.DispatchConfig, k string, opts ...dispatch.Option) (*dispatch.Dispatcher, error) {
		client, err := dispatch.NewClient(srv.URL, cfg.Token, srv.Client())
		if err != nil {
			return nil, err
		}
		return dispatch.New(cfg, k, append(opts, dispatch.WithRepositories(client.Repositories))...)
	}
	t.Cleanup(func() { newDispatcher = orig })

	ctx := context.Background()
	_, err := env.store().Upsert(ctx, "alice", "a@example.com", "65a1b2c3d4e5f60718293a4b")
	require.NoError(t, err)
	_, err = env.store().Upsert(ctx, "bob", "b@example.com", "readtoken")
	require.NoError(t, err)

	out, err := env.run(t, "", "dispatch", "--nickname", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "Dispatched sync job for 1 project(s).")

	var event struct {
		EventType     string          `json:"event_type"`
		ClientPayload json.RawMessage `json:"client_payload"`
	}
	require.NoError(t, json.Unmarshal(body, &event))
	assert.Equal(t, "sync_job", event.EventType)

	p, err := worker.ParsePayload(string(event.ClientPayload))
	require.NoError(t, err)
	assert.Equal(t, []worker.ProjectSpec{{Filename: "bob", ProjectID: "https://www.overleaf.com/read/readtoken"}}, p.Jobs())
	assert.True(t, p.IsEncrypted)

	c, err := credentials.NewCipher(key)
	require.NoError(t, err)
	email, err := c.Decrypt(p.Email)
	require.NoError(t, err)
	assert.Equal(t, "bot@example.com", email)

	_, err = env.run(t, "", "dispatch", "--nickname", "nobody")
	assert.ErrorContains(t, err, "not found")
}

func TestConfigShow(t *testing.T) {
	env := newTestEnv(t, browsertest.Script{})
	out, err := env.run(t, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "driver: playwright")
	assert.Contains(t, out, "concurrency: 3")
	assert.NotContains(t, out, "pw-secret")
	assert.NotContains(t, out, "bot@example.com")
}

func TestLogs(t *testing.T) {
	env := newTestEnv(t, browsertest.Script{})
	logFile := filepath.Join(env.dir, "overlink.log")
	require.NoError(t, os.WriteFile(logFile, []byte("one\ntwo\nthree\n"), 0o644))

	out, err := env.run(t, "", "logs", "-n", "2")
	require.NoError(t, err)
	assert.Equal(t, "two\nthree\n", out)
}

func TestInvalidConfig(t *testing.T) {
	env := newTestEnv(t, browsertest.Script{})
	require.NoError(t, os.WriteFile(env.cfgPath, []byte("batch:\n  concurrency: 0\n"), 0o644))

	_, err := env.run(t, "", "user", "list")
	assert.ErrorContains(t, err, "batch.concurrency must be a positive integer")
}

func TestStdinConfirmer(t *testing.T) {
	t.Run("enter confirms", func(t *testing.T) {
		var out bytes.Buffer
		c := &stdinConfirmer{in: strings.NewReader("\n"), out: &out}
		require.NoError(t, c.AwaitConfirmation(context.Background()))
		assert.Contains(t, out.String(), "Press Enter")
	})

	t.Run("cancellation wins", func(t *testing.T) {
		r, w := io.Pipe()
		t.Cleanup(func() { w.Close() })
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		c := &stdinConfirmer{in: r, out: io.Discard}
		assert.ErrorIs(t, c.AwaitConfirmation(ctx), context.Canceled)
	})
}
