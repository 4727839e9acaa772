// Package mirror runs the end-to-end flows behind the CLI, the HTTP API and
// the cloud worker: authenticate once, download, and put the PDFs in place.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/batch"
	"github.com/GeminiLight/OverLink/internal/browser"
	"github.com/GeminiLight/OverLink/internal/config"
	"github.com/GeminiLight/OverLink/internal/credentials"
	"github.com/GeminiLight/OverLink/internal/observability"
	"github.com/GeminiLight/OverLink/internal/overleaf"
	"github.com/GeminiLight/OverLink/internal/registry"
)

// ErrAuthFailed is returned when the session could not log in.
var ErrAuthFailed = errors.New("mirror: authentication failed")

// Option configures a Service.
type Option func(*Service)

// WithSessionOptions passes options to every session the service creates.
func WithSessionOptions(opts ...overleaf.Option) Option {
	return func(s *Service) { s.sessionOpts = append(s.sessionOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service wires the browser driver, the registry and the credential resolver.
type Service struct {
	cfg         *config.Config
	driver      browser.Driver
	store       registry.Store
	resolver    *credentials.Resolver
	sessionOpts []overleaf.Option
	logger      *zap.Logger
}

// NewService builds a service. store may be nil for callers that never touch
// the registry (the worker).
func NewService(cfg *config.Config, driver browser.Driver, store registry.Store, resolver *credentials.Resolver, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		driver:   driver,
		store:    store,
		resolver: resolver,
		logger:   observability.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("mirror")
	return s
}

// Resolver exposes the credential resolver.
func (s *Service) Resolver() *credentials.Resolver { return s.resolver }

func (s *Service) newSession(headless bool) *overleaf.Session {
	bcfg := s.cfg.Browser
	bcfg.Headless = headless
	opts := append([]overleaf.Option{overleaf.WithLogger(s.logger)}, s.sessionOpts...)
	return overleaf.NewSession(s.driver, bcfg, s.cfg.Paths.AuthFile, opts...)
}

// BatchOptions tunes RunBatch.
type BatchOptions struct {
	Headless    bool
	Concurrency int
	OnStatus    batch.StatusFunc
}

// RunBatch logs in once with creds and downloads every task over forked
// slots. The session is always stopped, which persists its state.
func (s *Service) RunBatch(ctx context.Context, creds credentials.Credentials, tasks []batch.Task, opts BatchOptions) (batch.Summary, error) {
	for _, t := range tasks {
		if err := os.MkdirAll(filepath.Dir(t.Dest), 0o755); err != nil {
			return batch.Summary{Total: len(tasks)}, fmt.Errorf("failed to prepare %s: %w", t.Dest, err)
		}
	}

	session := s.newSession(opts.Headless)
	if err := session.Start(ctx); err != nil {
		return batch.Summary{Total: len(tasks)}, fmt.Errorf("failed to start browser session: %w", err)
	}
	defer func() {
		if err := session.Stop(ctx); err != nil {
			s.logger.Warn("Session teardown reported errors.", zap.Error(err))
		}
	}()

	s.logger.Info("Logging in...")
	if res := session.Login(ctx, overleaf.LoginOptions{Credentials: creds}, nil); !res.OK {
		s.logger.Error("Authentication failed. Aborting.", zap.String("reason", res.Message))
		return batch.Summary{Total: len(tasks)}, fmt.Errorf("%w: %s", ErrAuthFailed, res.Message)
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = s.cfg.Batch.Concurrency
	}
	orch := batch.New(
		batch.WithConcurrency(concurrency),
		batch.WithLogger(s.logger),
		batch.WithStatus(opts.OnStatus),
	)
	return orch.Run(ctx, batch.SessionSlots(session), tasks)
}

// SyncOptions selects the sync mode.
type SyncOptions struct {
	// Setup opens a visible browser for a manual login and saves the session.
	Setup bool
	// Visible runs the batch with a visible browser.
	Visible bool
	// Confirm ends the manual login. Required with Setup.
	Confirm overleaf.Confirmer
}

// Sync refreshes the PDF of every registry entry, or performs the one-off
// manual login when opts.Setup is set.
func (s *Service) Sync(ctx context.Context, opts SyncOptions) (batch.Summary, error) {
	creds := s.resolver.Resolve(credentials.Credentials{}, false)
	if opts.Setup {
		return batch.Summary{}, s.setup(ctx, creds, opts.Confirm)
	}
	if s.store == nil {
		return batch.Summary{}, errors.New("mirror: no registry configured")
	}

	entries, err := s.store.List(ctx)
	if err != nil {
		return batch.Summary{}, fmt.Errorf("failed to load registry: %w", err)
	}
	if len(entries) == 0 {
		s.logger.Warn("No users found in registry.")
		return batch.Summary{}, nil
	}
	s.logger.Info("Found users.", zap.Int("count", len(entries)))

	tasks := make([]batch.Task, 0, len(entries))
	for _, e := range entries {
		tasks = append(tasks, batch.Task{
			Ref:  e.URL,
			Dest: filepath.Join(s.cfg.Paths.PDFDir, e.Username+".pdf"),
			Name: e.Username,
		})
	}
	return s.RunBatch(ctx, creds, tasks, BatchOptions{Headless: !opts.Visible})
}

func (s *Service) setup(ctx context.Context, creds credentials.Credentials, confirm overleaf.Confirmer) error {
	if confirm == nil {
		return errors.New("mirror: setup requires an interactive confirmer")
	}
	session := s.newSession(false)
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser session: %w", err)
	}
	defer func() { _ = session.Stop(ctx) }()

	s.logger.Info("--- SETUP MODE ---")
	res := session.Login(ctx, overleaf.LoginOptions{Credentials: creds, Manual: true, Confirm: confirm}, nil)
	if !res.OK {
		return fmt.Errorf("%w: %s", ErrAuthFailed, res.Message)
	}
	return nil
}
