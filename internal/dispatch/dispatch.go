// Package dispatch triggers the cloud worker through a GitHub
// repository_dispatch event.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/browser"
	"github.com/GeminiLight/OverLink/internal/config"
	"github.com/GeminiLight/OverLink/internal/credentials"
	"github.com/GeminiLight/OverLink/internal/observability"
	"github.com/GeminiLight/OverLink/internal/worker"
)

// ErrNotConfigured is returned when the token or target repository is missing.
var ErrNotConfigured = errors.New("dispatch: GitHub token, owner and repo are required")

// ErrNoProjects is returned for a request without projects.
var ErrNoProjects = errors.New("dispatch: no projects to sync")

// RepositoriesAPI is the slice of the GitHub client used here.
type RepositoriesAPI interface {
	Dispatch(ctx context.Context, owner, repo string, opts github.DispatchRequestOptions) (*github.Repository, *github.Response, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRepositories replaces the GitHub client.
func WithRepositories(api RepositoriesAPI) Option {
	return func(d *Dispatcher) { d.repos = api }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher sends sync jobs.
type Dispatcher struct {
	repos     RepositoriesAPI
	owner     string
	repo      string
	eventType string
	cipher    *credentials.Cipher
	logger    *zap.Logger
}

// New builds a dispatcher. Credentials are encrypted with key before they
// leave the process, so a usable key is required.
func New(cfg config.DispatchConfig, key string, opts ...Option) (*Dispatcher, error) {
	if cfg.Token == "" || cfg.Owner == "" || cfg.Repo == "" {
		return nil, ErrNotConfigured
	}
	c, err := credentials.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	d := &Dispatcher{
		owner:     cfg.Owner,
		repo:      cfg.Repo,
		eventType: cfg.EventType,
		cipher:    c,
		logger:    observability.GetLogger(),
	}
	if d.eventType == "" {
		d.eventType = "sync_job"
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.repos == nil {
		d.repos = github.NewClient(nil).WithAuthToken(cfg.Token).Repositories
	}
	d.logger = d.logger.With(zap.String("component", "dispatch"))
	return d, nil
}

// NewClient returns a GitHub client rooted at baseURL, for GitHub Enterprise
// or test servers.
func NewClient(baseURL, token string, httpClient *http.Client) (*github.Client, error) {
	client := github.NewClient(httpClient).WithAuthToken(token)
	if baseURL == "" {
		return client, nil
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub API URL: %w", err)
	}
	client.BaseURL = u
	return client, nil
}

// Request describes one sync job.
type Request struct {
	Credentials credentials.Credentials
	Projects    []worker.ProjectSpec
	// AuthFile, when it exists, ships the saved session to the worker.
	AuthFile string
}

// Payload builds the client_payload the worker consumes.
func (d *Dispatcher) Payload(req Request) (*worker.Payload, error) {
	if len(req.Projects) == 0 {
		return nil, ErrNoProjects
	}
	p := &worker.Payload{IsEncrypted: true}
	if len(req.Projects) == 1 {
		p.Filename = req.Projects[0].Filename
		p.ProjectID = req.Projects[0].ProjectID
	} else {
		p.Projects = req.Projects
	}

	var err error
	if p.Email, err = d.seal(req.Credentials.Email); err != nil {
		return nil, err
	}
	if p.Password, err = d.seal(req.Credentials.Password); err != nil {
		return nil, err
	}

	if req.AuthFile != "" {
		encoded, err := browser.EncodeStorageState(req.AuthFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read session state: %w", err)
		}
		p.AuthJSONBase64 = encoded
	}
	return p, nil
}

func (d *Dispatcher) seal(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	out, err := d.cipher.Encrypt(value)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	return out, nil
}

// Dispatch sends the job.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	payload, err := d.Payload(req)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	msg := json.RawMessage(raw)

	_, resp, err := d.repos.Dispatch(ctx, d.owner, d.repo, github.DispatchRequestOptions{
		EventType:     d.eventType,
		ClientPayload: &msg,
	})
	if err != nil {
		return fmt.Errorf("repository dispatch failed: %w", err)
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	d.logger.Info("Sync job dispatched.",
		zap.String("repo", d.owner+"/"+d.repo),
		zap.String("event_type", d.eventType),
		zap.Int("projects", len(req.Projects)),
		zap.Int("status", status),
	)
	return nil
}
