package mirror

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/credentials"
	"github.com/GeminiLight/OverLink/internal/overleaf"
	"github.com/GeminiLight/OverLink/internal/registry"
)

// Event types on the mirror stream.
const (
	EventStatus = "status"
	EventResult = "result"
	EventError  = "error"
)

// Event is one line of the mirror stream. A stream is any number of status
// events followed by exactly one result or error event.
type Event struct {
	Type     string `json:"type"`
	Message  string `json:"message,omitempty"`
	Status   string `json:"status,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Terminal reports whether e ends a stream.
func (e Event) Terminal() bool { return e.Type == EventResult || e.Type == EventError }

// Job is a single mirror request.
type Job struct {
	Nickname  string `json:"nickname"`
	ProjectID string `json:"project_id"`
	Email     string `json:"email"`
	// Password optionally carries the requester's own Overleaf password. When
	// empty the service account is used.
	Password string `json:"password,omitempty"`
}

// Mirror registers the job, downloads its PDF into the public directory and
// reports progress through emit. The last emitted event is also returned.
// Cancelling ctx stops the work; the browser is still torn down exactly once.
func (s *Service) Mirror(ctx context.Context, job Job, emit func(Event)) (last Event) {
	send := func(e Event) Event {
		if emit != nil {
			emit(e)
		}
		return e
	}
	status := func(msg string) { send(Event{Type: EventStatus, Message: msg}) }

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Mirror panicked.", zap.Any("panic", r))
			last = send(Event{Type: EventError, Message: fmt.Sprintf("Server error: %v", r)})
		}
	}()

	log := s.logger.With(zap.String("nickname", job.Nickname))
	log.Info("Received mirror request.", zap.String("project", job.ProjectID))

	if err := registry.ValidateNickname(job.Nickname); err != nil {
		return send(Event{Type: EventError, Message: fmt.Sprintf("Server error: %v", err)})
	}
	if s.store != nil {
		updated, err := s.store.Upsert(ctx, job.Nickname, job.Email, job.ProjectID)
		switch {
		case err != nil:
			log.Error("Error saving user data.", zap.Error(err))
		case updated:
			log.Info("Updated user.")
		default:
			log.Info("Added user.")
		}
	}

	status("Initializing session...")
	session := s.newSession(true)
	if err := session.Start(ctx); err != nil {
		log.Error("Error in mirror producer.", zap.Error(err))
		return send(Event{Type: EventError, Message: fmt.Sprintf("Server error: %v", err)})
	}
	defer func() {
		if err := session.Stop(ctx); err != nil {
			log.Warn("Session teardown reported errors.", zap.Error(err))
		}
	}()

	status("Authenticating...")
	if res := session.Login(ctx, overleaf.LoginOptions{Credentials: s.jobCredentials(job)}, status); !res.OK {
		return send(Event{Type: EventError, Message: "Bot authentication failed."})
	}

	if err := os.MkdirAll(s.cfg.Paths.PDFDir, 0o755); err != nil {
		return send(Event{Type: EventError, Message: fmt.Sprintf("Server error: %v", err)})
	}
	filename := job.Nickname + ".pdf"
	target := filepath.Join(s.cfg.Paths.PDFDir, filename)
	if res := session.DownloadProject(ctx, job.ProjectID, target, status); !res.OK {
		return send(Event{Type: EventError, Message: "Failed to mirror CV."})
	}

	return send(Event{
		Type:     EventResult,
		Status:   "success",
		URL:      s.PublicURL(filename),
		Filename: filename,
	})
}

// jobCredentials uses the requester's own account only when a password was
// supplied; otherwise the service account logs in.
func (s *Service) jobCredentials(job Job) credentials.Credentials {
	if job.Password == "" {
		return s.resolver.Resolve(credentials.Credentials{}, false)
	}
	return s.resolver.Resolve(credentials.Credentials{Email: job.Email, Password: job.Password}, s.cfg.Credentials.Encrypted)
}

// PublicURL is the path under which the static mount serves a PDF.
func (s *Service) PublicURL(filename string) string {
	rel, err := filepath.Rel(s.cfg.Paths.PublicDir, s.cfg.Paths.PDFDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		rel = "pdfs"
	}
	return path.Join("/public", filepath.ToSlash(rel), filename)
}
