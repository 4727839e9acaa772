package overleaf

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/browser"
	"github.com/GeminiLight/OverLink/internal/credentials"
)

const (
	LoginURL    = "https://www.overleaf.com/login"
	ProjectsURL = "https://www.overleaf.com/project"

	emailSelector    = `input[name="email"]`
	passwordSelector = `input[name="password"]`
	submitSelector   = `button[type="submit"], .btn-primary-main`
)

// Confirmer blocks until a human says the manual login is done.
type Confirmer interface {
	AwaitConfirmation(ctx context.Context) error
}

// LoginOptions selects between automated and manual login.
type LoginOptions struct {
	Credentials credentials.Credentials
	// Manual opens the login page and waits on Confirm instead of submitting
	// the form. Confirm must be set when Manual is.
	Manual  bool
	Confirm Confirmer
}

func isLoggedInURL(u string) bool { return !strings.Contains(u, "login") }

// Login makes sure the session is authenticated.
func (s *Session) Login(ctx context.Context, opts LoginOptions, onStatus StatusFunc) Result {
	page, err := s.activePage(StateStarted, StateLoggedIn, StateLoginFailed)
	if err != nil {
		return failure(KindConfig, err.Error(), err)
	}

	onStatus.emit("Checking authentication status...")
	var res Result
	if opts.Manual {
		res = s.manualLogin(ctx, page, opts, onStatus)
	} else {
		res = s.automatedLogin(ctx, page, opts.Credentials, onStatus)
	}

	if res.OK {
		s.setState(StateLoggedIn)
	} else {
		s.setState(StateLoginFailed)
	}
	return res
}

func (s *Session) manualLogin(ctx context.Context, page browser.Page, opts LoginOptions, onStatus StatusFunc) Result {
	if opts.Confirm == nil {
		err := errors.New("manual login requires a confirmer")
		return failure(KindConfig, err.Error(), err)
	}
	s.logger.Info("Manual login: waiting for the user to sign in.")
	onStatus.emit("Manual mode: Please login in the browser window.")

	if err := page.Goto(ctx, LoginURL); err != nil {
		return failure(KindAuth, fmt.Sprintf("Auto-login exception: %v", err), err)
	}
	if opts.Credentials.Email != "" {
		_ = page.Fill(ctx, emailSelector, opts.Credentials.Email)
	}
	if opts.Credentials.Password != "" {
		_ = page.Fill(ctx, passwordSelector, opts.Credentials.Password)
	}

	if err := opts.Confirm.AwaitConfirmation(ctx); err != nil {
		return failure(KindAuth, "Login not confirmed.", err)
	}
	if err := s.saveState(ctx); err != nil {
		s.logger.Warn("Failed to save session state.", zap.Error(err))
	}
	s.logger.Info("Session saved.", zap.String("path", s.authFile))
	onStatus.emit("Session saved.")
	return success("Session saved.")
}

func (s *Session) automatedLogin(ctx context.Context, page browser.Page, creds credentials.Credentials, onStatus StatusFunc) Result {
	s.logger.Info("Verifying session...")
	onStatus.emit("Verifying existing session...")

	if err := page.Goto(ctx, ProjectsURL); err != nil {
		return s.loginException(onStatus, err)
	}
	if err := s.pacer.Pause(ctx); err != nil {
		return s.loginException(onStatus, err)
	}
	current, err := page.URL(ctx)
	if err != nil {
		return s.loginException(onStatus, err)
	}
	if isLoggedInURL(current) {
		onStatus.emit("Session valid.")
		return success("Session valid.")
	}

	s.logger.Warn("Session invalid. Attempting automated login...")
	onStatus.emit("Session expired. Attempting auto-login...")

	if !creds.Present() {
		const msg = "Error: No credentials provided for auto-login."
		s.logger.Error("No credentials for auto-login.")
		onStatus.emit(msg)
		return failure(KindAuth, msg, credentials.ErrMissingCredentials)
	}

	onStatus.emit("Navigating to login page...")
	if err := page.Goto(ctx, LoginURL); err != nil {
		return s.loginException(onStatus, err)
	}
	if err := s.pacer.Pause(ctx); err != nil {
		return s.loginException(onStatus, err)
	}

	onStatus.emit("Entering credentials...")
	if err := page.Fill(ctx, emailSelector, creds.Email); err != nil {
		return s.loginException(onStatus, err)
	}
	if err := s.pacer.Pause(ctx); err != nil {
		return s.loginException(onStatus, err)
	}
	if err := page.Fill(ctx, passwordSelector, creds.Password); err != nil {
		return s.loginException(onStatus, err)
	}

	if err := page.Click(ctx, submitSelector); err != nil {
		return s.loginException(onStatus, err)
	}
	if err := page.WaitForURL(ctx, isLoggedInURL, s.cfg.LoginTimeout); err != nil {
		// A timeout that leaves us on the login page is a plain failure.
		if !errors.Is(err, browser.ErrTimeout) {
			return s.loginException(onStatus, err)
		}
		s.logger.Warn("Timeout waiting for URL change.")
	}

	current, err = page.URL(ctx)
	if err != nil {
		return s.loginException(onStatus, err)
	}
	if !isLoggedInURL(current) {
		s.logger.Error("Auto-login failed.")
		onStatus.emit("Auto-login failed.")
		return failure(KindAuth, "Auto-login failed.", nil)
	}

	s.logger.Info("Auto-login successful.")
	if err := s.saveState(ctx); err != nil {
		s.logger.Warn("Failed to save session state.", zap.Error(err))
	}
	onStatus.emit("Auto-login successful.")
	return success("Auto-login successful.")
}

func (s *Session) loginException(onStatus StatusFunc, err error) Result {
	msg := fmt.Sprintf("Auto-login exception: %v", err)
	s.logger.Error("Auto-login failed.", zap.Error(err))
	onStatus.emit(msg)
	return failure(KindAuth, msg, err)
}
