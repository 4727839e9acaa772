// Package worker runs one cloud sync job: restore the session, download the
// requested projects and upload them to object storage.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/batch"
	"github.com/GeminiLight/OverLink/internal/browser"
	"github.com/GeminiLight/OverLink/internal/credentials"
	"github.com/GeminiLight/OverLink/internal/delivery"
	"github.com/GeminiLight/OverLink/internal/mirror"
	"github.com/GeminiLight/OverLink/internal/observability"
	"github.com/GeminiLight/OverLink/internal/registry"
)

// ErrNoProjects is returned when the payload names no usable project.
var ErrNoProjects = errors.New("worker: no valid projects to download")

// BatchRunner logs in and downloads a set of tasks.
type BatchRunner interface {
	RunBatch(ctx context.Context, creds credentials.Credentials, tasks []batch.Task, opts mirror.BatchOptions) (batch.Summary, error)
}

// Option configures a Worker.
type Option func(*Worker)

// WithSink enables uploads. Without a sink the upload step is skipped.
func WithSink(s delivery.Sink) Option {
	return func(w *Worker) { w.sink = s }
}

// WithWorkDir sets where PDFs are downloaded before upload.
func WithWorkDir(dir string) Option {
	return func(w *Worker) { w.workDir = dir }
}

// WithConcurrency bounds the parallel downloads.
func WithConcurrency(n int) Option {
	return func(w *Worker) { w.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// Worker processes payloads.
type Worker struct {
	runner      BatchRunner
	resolver    *credentials.Resolver
	authFile    string
	sink        delivery.Sink
	workDir     string
	concurrency int
	logger      *zap.Logger
}

// New returns a worker that keeps its session state in authFile.
func New(runner BatchRunner, resolver *credentials.Resolver, authFile string, opts ...Option) *Worker {
	w := &Worker{
		runner:      runner,
		resolver:    resolver,
		authFile:    authFile,
		workDir:     os.TempDir(),
		concurrency: batch.DefaultConcurrency,
		logger:      observability.GetLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("worker")
	return w
}

// ProjectReport is the outcome for one project.
type ProjectReport struct {
	Filename   string
	Downloaded bool
	Uploaded   bool
	Error      string
}

// Report summarizes a job.
type Report struct {
	JobID           string
	Projects        []ProjectReport
	Downloaded      int
	Uploaded        int
	UploadSkipped   bool
	PartialFailures int
}

// Run executes the job described by raw.
func (w *Worker) Run(ctx context.Context, raw string) (Report, error) {
	report := Report{JobID: uuid.NewString()}
	log := w.logger.With(zap.String("job_id", report.JobID))

	payload, err := ParsePayload(raw)
	if err != nil {
		log.Error("Error parsing payload.", zap.Error(err))
		return report, err
	}
	log.Info("Worker started.", zap.Strings("payload_keys", payload.Keys()))

	if payload.AuthJSONBase64 != "" {
		if err := browser.RestoreStorageState(payload.AuthJSONBase64, w.authFile); err != nil {
			log.Warn("Ignoring session state from payload.", zap.Error(err))
		} else {
			log.Info("Session state restored from payload.", zap.String("path", w.authFile))
		}
	}

	creds := w.resolver.Resolve(credentials.Credentials{Email: payload.Email, Password: payload.Password}, payload.IsEncrypted)
	if !creds.Present() {
		log.Error("Overleaf credentials missing (neither in payload nor environment).")
		return report, credentials.ErrMissingCredentials
	}

	tasks := w.tasks(payload, log)
	if len(tasks) == 0 {
		log.Error("No valid projects to download.")
		return report, ErrNoProjects
	}

	log.Info("Starting batch download.", zap.Int("projects", len(tasks)))
	summary, runErr := w.runner.RunBatch(ctx, creds, tasks, mirror.BatchOptions{Headless: true, Concurrency: w.concurrency})
	if errors.Is(runErr, mirror.ErrAuthFailed) {
		log.Error("Login failed. Check your Overleaf credentials.")
		return report, runErr
	}

	w.deliver(ctx, summary, &report, log)
	return report, runErr
}

func (w *Worker) tasks(p *Payload, log *zap.Logger) []batch.Task {
	var tasks []batch.Task
	for _, proj := range p.Jobs() {
		if err := registry.ValidateNickname(proj.Filename); err != nil {
			log.Warn("Skipping project with unsafe filename.", zap.String("filename", proj.Filename))
			continue
		}
		tasks = append(tasks, batch.Task{
			Ref:  proj.ProjectID,
			Dest: filepath.Join(w.workDir, proj.Filename+".pdf"),
			Name: proj.Filename,
		})
	}
	return tasks
}

func (w *Worker) deliver(ctx context.Context, summary batch.Summary, report *Report, log *zap.Logger) {
	if w.sink == nil {
		log.Warn("R2 credentials missing, skipping upload.")
		report.UploadSkipped = true
	}

	for _, r := range summary.Results {
		pr := ProjectReport{Filename: r.Task.Name, Downloaded: r.Result.OK}
		switch {
		case !r.Result.OK:
			pr.Error = r.Result.Message
			log.Warn("Skipping upload as download failed.", zap.String("filename", r.Task.Name))
		case w.sink == nil:
			report.Downloaded++
		default:
			report.Downloaded++
			key := r.Task.Name + ".pdf"
			if err := w.sink.Upload(ctx, r.Task.Dest, key); err != nil {
				// The PDF exists locally; only publishing failed.
				pr.Error = fmt.Sprintf("upload failed: %v", err)
				report.PartialFailures++
				log.Error("Failed to upload to R2.", zap.String("key", key), zap.Error(err))
			} else {
				pr.Uploaded = true
				report.Uploaded++
			}
		}
		report.Projects = append(report.Projects, pr)
	}
}
