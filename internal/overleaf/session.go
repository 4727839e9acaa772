// Package overleaf automates an Overleaf account through a browser: it keeps
// a logged-in session alive and captures compiled project PDFs.
package overleaf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/browser"
	"github.com/GeminiLight/OverLink/internal/config"
	"github.com/GeminiLight/OverLink/internal/observability"
	"github.com/GeminiLight/OverLink/internal/pdfcheck"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateUnstarted State = iota
	StateStarted
	StateLoggedIn
	StateLoginFailed
	StateStopped
)

func (s State) String() string {
	return [...]string{"unstarted", "started", "logged_in", "login_failed", "stopped"}[s]
}

// teardownTimeout bounds Stop when the caller's context is already gone.
const teardownTimeout = 30 * time.Second

// Validator inspects a downloaded file before it is moved into place.
type Validator func(path string) error

// Option configures a Session.
type Option func(*Session)

// WithPacer replaces the pacer built from configuration.
func WithPacer(p Pacer) Option {
	return func(s *Session) { s.pacer = p }
}

// WithValidator replaces the PDF validator. A nil validator accepts every file.
func WithValidator(v Validator) Option {
	return func(s *Session) { s.validate = v }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session owns one browser, one context and one page.
type Session struct {
	driver   browser.Driver
	cfg      config.BrowserConfig
	authFile string
	pacer    Pacer
	validate Validator
	logger   *zap.Logger

	mu      sync.Mutex
	state   State
	browser browser.Browser
	context browser.Context
	page    browser.Page

	stopOnce sync.Once
}

// NewSession prepares a session; nothing is launched until Start.
func NewSession(driver browser.Driver, cfg config.BrowserConfig, authFile string, opts ...Option) *Session {
	s := &Session{
		driver:   driver,
		cfg:      cfg,
		authFile: authFile,
		pacer:    NewPacer(cfg.Pacing),
		logger:   observability.GetLogger(),
	}
	if cfg.ValidatePDF {
		s.validate = pdfcheck.Validate
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("session")
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start launches the browser and opens the session page. The auth file is
// loaded only in headless mode; a visible browser always starts clean so
// the user can log in by hand.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnstarted {
		return fmt.Errorf("start in state %s: %w", s.state, ErrInvalidState)
	}

	b, err := s.driver.Launch(ctx, browser.LaunchOptions{
		Headless: s.cfg.Headless,
		Args:     s.cfg.Args,
		Timeout:  s.cfg.LaunchTimeout,
	})
	if err != nil {
		return err
	}

	opts := s.contextOptions()
	if s.cfg.Headless && browser.FileExists(s.authFile) {
		s.logger.Info("Loading session state.", zap.String("path", s.authFile))
		opts.StorageStatePath = s.authFile
	}
	bc, err := b.NewContext(ctx, opts)
	if err != nil {
		_ = b.Close(context.WithoutCancel(ctx))
		return err
	}
	page, err := bc.NewPage(ctx)
	if err != nil {
		_ = bc.Close(context.WithoutCancel(ctx))
		_ = b.Close(context.WithoutCancel(ctx))
		return err
	}

	s.browser, s.context, s.page = b, bc, page
	s.state = StateStarted
	return nil
}

func (s *Session) contextOptions() browser.ContextOptions {
	ua := s.cfg.UserAgent
	if ua == "" {
		ua = config.DefaultUserAgent
	}
	locale := s.cfg.Locale
	if locale == "" {
		locale = "en-US"
	}
	return browser.ContextOptions{
		UserAgent:         ua,
		Locale:            locale,
		NavigationTimeout: s.cfg.NavigationTimeout,
	}
}

// Stop saves the session state, then closes the context, the browser and the
// driver runtime. Only the first call does any work; it runs even if ctx is
// already cancelled.
func (s *Session) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()

		s.mu.Lock()
		b, bc := s.browser, s.context
		s.state = StateStopped
		s.mu.Unlock()

		if bc != nil {
			if s.authFile != "" {
				if saveErr := bc.SaveStorageState(tctx, s.authFile); saveErr != nil {
					s.logger.Warn("Failed to save session state.", zap.Error(saveErr))
				}
			}
			if closeErr := bc.Close(tctx); closeErr != nil {
				err = errors.Join(err, closeErr)
			}
		}
		if b != nil {
			if closeErr := b.Close(tctx); closeErr != nil {
				err = errors.Join(err, closeErr)
			}
		}
		s.logger.Debug("Session stopped.")
	})
	return err
}

func (s *Session) saveState(ctx context.Context) error {
	if s.authFile == "" {
		return nil
	}
	return s.context.SaveStorageState(ctx, s.authFile)
}

func (s *Session) activePage(allowed ...State) (browser.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range allowed {
		if s.state == st {
			return s.page, nil
		}
	}
	return nil, fmt.Errorf("session is %s: %w", s.state, ErrInvalidState)
}
