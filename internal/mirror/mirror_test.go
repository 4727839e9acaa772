package mirror

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/GeminiLight/OverLink/internal/batch"
	"github.com/GeminiLight/OverLink/internal/browser/browsertest"
	"github.com/GeminiLight/OverLink/internal/config"
	"github.com/GeminiLight/OverLink/internal/credentials"
	"github.com/GeminiLight/OverLink/internal/overleaf"
	"github.com/GeminiLight/OverLink/internal/registry"
)

const pid = "65a1b2c3d4e5f60718293a4b"

type fixture struct {
	cfg     *config.Config
	driver  *browsertest.Driver
	store   *registry.FileStore
	service *Service
}

func newFixture(t *testing.T, script browsertest.Script, env credentials.Credentials) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefaultConfig()
	cfg.Paths.AuthFile = filepath.Join(dir, "auth.json")
	cfg.Paths.PublicDir = filepath.Join(dir, "public")
	cfg.Paths.PDFDir = filepath.Join(dir, "public", "pdfs")
	cfg.Paths.RegistryFile = filepath.Join(dir, "public", "users.json")
	cfg.Browser.ValidatePDF = false

	logger := zaptest.NewLogger(t)
	driver := browsertest.New(script)
	store := registry.NewFileStore(cfg.Paths.RegistryFile, logger)
	svc := NewService(cfg, driver, store, credentials.NewResolver(env, "", zap.NewNop()),
		WithLogger(logger),
		WithSessionOptions(overleaf.WithPacer(overleaf.NoPacer{})),
	)
	return &fixture{cfg: cfg, driver: driver, store: store, service: svc}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) emit(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) terminal(t *testing.T) Event {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, e := range l.events {
		if e.Terminal() {
			count++
		}
	}
	require.Equal(t, 1, count, "exactly one terminal event")
	last := l.events[len(l.events)-1]
	require.True(t, last.Terminal(), "terminal event comes last")
	return last
}

func (l *eventLog) statuses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if e.Type == EventStatus {
			out = append(out, e.Message)
		}
	}
	return out
}

func TestMirror(t *testing.T) {
	ctx := context.Background()

	t.Run("success registers and publishes the pdf", func(t *testing.T) {
		f := newFixture(t, browsertest.Script{LoggedIn: true}, credentials.Credentials{})
		log := &eventLog{}

		last := f.service.Mirror(ctx, Job{Nickname: "alice", ProjectID: pid, Email: "a@example.com"}, log.emit)
		assert.Equal(t, Event{Type: EventResult, Status: "success", URL: "/public/pdfs/alice.pdf", Filename: "alice.pdf"}, last)
		assert.Equal(t, last, log.terminal(t))
		assert.Equal(t, []string{"Initializing session...", "Authenticating..."}, log.statuses()[:2])
		assert.FileExists(t, filepath.Join(f.cfg.Paths.PDFDir, "alice.pdf"))

		entries, err := f.store.List(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, registry.ProjectURLPrefix+pid, entries[0].URL)

		b := f.driver.Browsers()[0]
		assert.Equal(t, 1, b.Closes())
		assert.True(t, b.Options.Headless)
	})

	t.Run("auth failure", func(t *testing.T) {
		f := newFixture(t, browsertest.Script{}, credentials.Credentials{})
		log := &eventLog{}

		last := f.service.Mirror(ctx, Job{Nickname: "bob", ProjectID: pid, Email: "b@example.com"}, log.emit)
		assert.Equal(t, Event{Type: EventError, Message: "Bot authentication failed."}, last)
		log.terminal(t)
		assert.Contains(t, log.statuses(), "Error: No credentials provided for auto-login.")
		assert.Equal(t, 1, f.driver.Browsers()[0].Closes())

		// The entry is saved even though the download never happened.
		entries, _ := f.store.List(ctx)
		assert.Len(t, entries, 1)
	})

	t.Run("download failure", func(t *testing.T) {
		f := newFixture(t, browsertest.Script{LoggedIn: true, MissingDownload: true}, credentials.Credentials{})
		log := &eventLog{}

		last := f.service.Mirror(ctx, Job{Nickname: "carol", ProjectID: pid}, log.emit)
		assert.Equal(t, Event{Type: EventError, Message: "Failed to mirror CV."}, last)
		log.terminal(t)
		assert.NoFileExists(t, filepath.Join(f.cfg.Paths.PDFDir, "carol.pdf"))
	})

	t.Run("requester password takes precedence over the service account", func(t *testing.T) {
		f := newFixture(t, browsertest.Script{AcceptLogin: true}, credentials.Credentials{Email: "bot@example.com", Password: "bot"})

		last := f.service.Mirror(ctx, Job{Nickname: "dave", ProjectID: pid, Email: "dave@example.com", Password: "own"}, nil)
		require.Equal(t, EventResult, last.Type)
		filled := f.driver.Filled()
		assert.Equal(t, "dave@example.com", filled[`input[name="email"]`])
		assert.Equal(t, "own", filled[`input[name="password"]`])
	})

	t.Run("service account logs in when no password is given", func(t *testing.T) {
		f := newFixture(t, browsertest.Script{AcceptLogin: true}, credentials.Credentials{Email: "bot@example.com", Password: "bot"})

		last := f.service.Mirror(ctx, Job{Nickname: "erin", ProjectID: pid, Email: "erin@example.com"}, nil)
		require.Equal(t, EventResult, last.Type)
		filled := f.driver.Filled()
		assert.Equal(t, "bot@example.com", filled[`input[name="email"]`])
		assert.Equal(t, "bot", filled[`input[name="password"]`])
	})

	t.Run("unsafe nickname is rejected before any work", func(t *testing.T) {
		f := newFixture(t, browsertest.Script{LoggedIn: true}, credentials.Credentials{})
		log := &eventLog{}

		last := f.service.Mirror(ctx, Job{Nickname: "../escape", ProjectID: pid}, log.emit)
		assert.Equal(t, EventError, last.Type)
		assert.Contains(t, last.Message, "Server error: ")
		assert.Zero(t, f.driver.Launches())
	})

	t.Run("launch failure is a server error", func(t *testing.T) {
		f := newFixture(t, browsertest.Script{LaunchErr: assert.AnError}, credentials.Credentials{})
		last := f.service.Mirror(ctx, Job{Nickname: "frank", ProjectID: pid}, nil)
		assert.Equal(t, EventError, last.Type)
		assert.Contains(t, last.Message, "Server error: ")
	})

	t.Run("cancellation still tears down once", func(t *testing.T) {
		f := newFixture(t, browsertest.Script{BlockGoto: true}, credentials.Credentials{})
		cctx, cancel := context.WithCancel(ctx)
		log := &eventLog{}

		done := make(chan Event)
		go func() { done <- f.service.Mirror(cctx, Job{Nickname: "gina", ProjectID: pid}, log.emit) }()

		require.Eventually(t, func() bool { return len(f.driver.CallsWithPrefix("goto")) == 1 }, testTimeout, tick)
		cancel()
		last := <-done

		assert.Equal(t, EventError, last.Type)
		log.terminal(t)
		assert.Equal(t, 1, f.driver.Browsers()[0].Closes())
	})
}

func TestSync(t *testing.T) {
	ctx := context.Background()

	t.Run("downloads every registry entry", func(t *testing.T) {
		f := newFixture(t, browsertest.Script{LoggedIn: true}, credentials.Credentials{})
		for _, n := range []string{"alice", "bob"} {
			_, err := f.store.Upsert(ctx, n, n+"@example.com", pid)
			require.NoError(t, err)
		}

		sum, err := f.service.Sync(ctx, SyncOptions{})
		require.NoError(t, err)
		assert.Equal(t, 2, sum.Succeeded)
		assert.FileExists(t, filepath.Join(f.cfg.Paths.PDFDir, "alice.pdf"))
		assert.FileExists(t, filepath.Join(f.cfg.Paths.PDFDir, "bob.pdf"))
		assert.True(t, f.driver.Browsers()[0].Options.Headless)
	})

	t.Run("visible mode launches a visible browser", func(t *testing.T) {
		f := newFixture(t, browsertest.Script{LoggedIn: true}, credentials.Credentials{})
		_, err := f.store.Upsert(ctx, "alice", "", pid)
		require.NoError(t, err)

		_, err = f.service.Sync(ctx, SyncOptions{Visible: true})
		require.NoError(t, err)
		assert.False(t, f.driver.Browsers()[0].Options.Headless)
	})

	t.Run("empty registry does nothing", func(t *testing.T) {
		f := newFixture(t, browsertest.Script{LoggedIn: true}, credentials.Credentials{})
		sum, err := f.service.Sync(ctx, SyncOptions{})
		require.NoError(t, err)
		assert.Zero(t, sum.Total)
		assert.Zero(t, f.driver.Launches())
	})

	t.Run("auth failure aborts", func(t *testing.T) {
		f := newFixture(t, browsertest.Script{}, credentials.Credentials{})
		_, err := f.store.Upsert(ctx, "alice", "", pid)
		require.NoError(t, err)

		_, err = f.service.Sync(ctx, SyncOptions{})
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("all downloads failing is reported", func(t *testing.T) {
		f := newFixture(t, browsertest.Script{LoggedIn: true, MissingDownload: true}, credentials.Credentials{})
		_, err := f.store.Upsert(ctx, "alice", "", pid)
		require.NoError(t, err)

		_, err = f.service.Sync(ctx, SyncOptions{})
		assert.ErrorIs(t, err, batch.ErrNoSuccess)
	})

	t.Run("setup logs in by hand in a visible browser", func(t *testing.T) {
		f := newFixture(t, browsertest.Script{}, credentials.Credentials{})
		confirmed := false
		_, err := f.service.Sync(ctx, SyncOptions{Setup: true, Confirm: confirmer(func() { confirmed = true })})
		require.NoError(t, err)

		assert.True(t, confirmed)
		assert.False(t, f.driver.Browsers()[0].Options.Headless)
		_, statErr := os.Stat(f.cfg.Paths.AuthFile)
		assert.NoError(t, statErr)
	})

	t.Run("setup without a confirmer", func(t *testing.T) {
		f := newFixture(t, browsertest.Script{}, credentials.Credentials{})
		_, err := f.service.Sync(ctx, SyncOptions{Setup: true})
		assert.Error(t, err)
		assert.Zero(t, f.driver.Launches())
	})
}

func TestPublicURL(t *testing.T) {
	f := newFixture(t, browsertest.Script{}, credentials.Credentials{})
	assert.Equal(t, "/public/pdfs/x.pdf", f.service.PublicURL("x.pdf"))

	f.cfg.Paths.PDFDir = "/elsewhere"
	assert.Equal(t, "/public/pdfs/x.pdf", f.service.PublicURL("x.pdf"))
}

type confirmer func()

func (c confirmer) AwaitConfirmation(ctx context.Context) error {
	c()
	return nil
}
