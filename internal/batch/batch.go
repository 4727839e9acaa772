// Package batch downloads many projects over a fixed pool of browser slots
// forked from one logged-in session.
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GeminiLight/OverLink/internal/observability"
	"github.com/GeminiLight/OverLink/internal/overleaf"
)

// DefaultConcurrency is the number of parallel slots when none is configured.
const DefaultConcurrency = 3

// ErrNoSuccess is returned when a non-empty batch produced no file at all.
var ErrNoSuccess = errors.New("batch: no project downloaded successfully")

// Task is one project to fetch.
type Task struct {
	// Ref is a project id, share token or URL.
	Ref string
	// Dest is the final path of the PDF.
	Dest string
	// Name labels the task in logs and status lines.
	Name string
}

// TaskResult pairs a task with its outcome.
type TaskResult struct {
	Task   Task
	Result overleaf.Result
}

// Summary aggregates a batch run. Results keep the order of the input tasks.
type Summary struct {
	Total     int
	Succeeded int
	Results   []TaskResult
}

// Slot downloads one project at a time.
type Slot interface {
	DownloadProject(ctx context.Context, ref, out string, onStatus overleaf.StatusFunc) overleaf.Result
	Close(ctx context.Context) error
}

// Opener creates a slot.
type Opener interface {
	OpenSlot(ctx context.Context) (Slot, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Slot, error)

func (f OpenerFunc) OpenSlot(ctx context.Context) (Slot, error) { return f(ctx) }

// SessionSlots forks slots from a logged-in session.
func SessionSlots(s *overleaf.Session) Opener {
	return OpenerFunc(func(ctx context.Context) (Slot, error) {
		slot, err := s.OpenSlot(ctx)
		if err != nil {
			return nil, err
		}
		return slot, nil
	})
}

// StatusFunc receives per-task status lines.
type StatusFunc func(task Task, msg string)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency bounds the number of parallel downloads. Values below one are ignored.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithStatus forwards per-task status lines.
func WithStatus(fn StatusFunc) Option {
	return func(o *Orchestrator) { o.status = fn }
}

// Orchestrator runs batches.
type Orchestrator struct {
	concurrency int
	logger      *zap.Logger
	status      StatusFunc
}

// New returns an orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		concurrency: DefaultConcurrency,
		logger:      observability.GetLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("batch")
	return o
}

// Run downloads every task. The caller must have logged in already; one
// task failing never stops the others. The returned error is ErrNoSuccess
// when nothing succeeded, or the slot error when no slot could be opened.
func (o *Orchestrator) Run(ctx context.Context, opener Opener, tasks []Task) (Summary, error) {
	summary := Summary{Total: len(tasks), Results: make([]TaskResult, len(tasks))}
	if len(tasks) == 0 {
		return summary, nil
	}
	log := o.logger.With(zap.String("batch_id", uuid.NewString()))

	slots, err := o.openSlots(ctx, opener, min(o.concurrency, len(tasks)), log)
	if err != nil {
		return summary, err
	}
	defer func() {
		for _, s := range slots {
			if err := s.Close(ctx); err != nil {
				log.Warn("Failed to close slot.", zap.Error(err))
			}
		}
	}()

	log.Info("Starting batch download.", zap.Int("projects", len(tasks)), zap.Int("slots", len(slots)))

	pool := make(chan Slot, len(slots))
	for _, s := range slots {
		pool <- s
	}

	var g errgroup.Group
	g.SetLimit(len(slots))
	for i, task := range tasks {
		g.Go(func() error {
			slot := <-pool
			defer func() { pool <- slot }()

			var onStatus overleaf.StatusFunc
			if o.status != nil {
				onStatus = func(msg string) { o.status(task, msg) }
			}
			res := slot.DownloadProject(ctx, task.Ref, task.Dest, onStatus)
			summary.Results[i] = TaskResult{Task: task, Result: res}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range summary.Results {
		if r.Result.OK {
			summary.Succeeded++
		}
	}
	log.Info(fmt.Sprintf("Batch complete. %d/%d successful.", summary.Succeeded, summary.Total))

	if summary.Succeeded == 0 {
		return summary, ErrNoSuccess
	}
	return summary, nil
}

// openSlots opens up to n slots. Partial success is enough to proceed.
func (o *Orchestrator) openSlots(ctx context.Context, opener Opener, n int, log *zap.Logger) ([]Slot, error) {
	slots := make([]Slot, 0, n)
	var firstErr error
	for range n {
		s, err := opener.OpenSlot(ctx)
		if err != nil {
			log.Warn("Failed to open slot.", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		slots = append(slots, s)
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("batch: no browser slot available: %w", firstErr)
	}
	return slots, nil
}
