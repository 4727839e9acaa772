package overleaf

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/GeminiLight/OverLink/internal/config"
)

// Pacer inserts the pauses between page actions.
type Pacer interface {
	Pause(ctx context.Context) error
}

// RandomPacer sleeps for a uniformly random duration in [Min, Max].
type RandomPacer struct {
	Min, Max time.Duration
}

// NewPacer builds the pacer described by cfg. Disabled pacing returns NoPacer.
func NewPacer(cfg config.PacingConfig) Pacer {
	if !cfg.Enabled {
		return NoPacer{}
	}
	return RandomPacer{Min: cfg.MinDelay, Max: cfg.MaxDelay}
}

func (p RandomPacer) Pause(ctx context.Context) error {
	d := p.Min
	if span := p.Max - p.Min; span > 0 {
		d += rand.N(span + 1)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoPacer never waits.
type NoPacer struct{}

func (NoPacer) Pause(ctx context.Context) error { return ctx.Err() }
