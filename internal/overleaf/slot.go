package overleaf

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/browser"
)

// Slot is an extra context and page forked from a logged-in session. It
// copies the session's live cookies but never writes the auth file, so
// several slots can download in parallel.
type Slot struct {
	session *Session
	context browser.Context
	page    browser.Page
}

// OpenSlot forks a new context from the session's browser, seeded with a
// snapshot of the session context. The auth file is only a fallback when the
// snapshot cannot be taken.
func (s *Session) OpenSlot(ctx context.Context) (*Slot, error) {
	s.mu.Lock()
	b, bc, st := s.browser, s.context, s.state
	s.mu.Unlock()
	if st != StateLoggedIn {
		return nil, fmt.Errorf("open slot in state %s: %w", st, ErrInvalidState)
	}

	opts := s.contextOptions()
	snapshot, err := bc.StorageState(ctx)
	switch {
	case err == nil:
		opts.StorageState = snapshot
	case browser.FileExists(s.authFile):
		s.logger.Warn("Failed to snapshot session, using auth file.", zap.Error(err))
		opts.StorageStatePath = s.authFile
	default:
		s.logger.Warn("Failed to snapshot session.", zap.Error(err))
	}
	slotCtx, err := b.NewContext(ctx, opts)
	if err != nil {
		return nil, err
	}
	page, err := slotCtx.NewPage(ctx)
	if err != nil {
		_ = slotCtx.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return &Slot{session: s, context: slotCtx, page: page}, nil
}

// DownloadProject behaves like Session.DownloadProject on the slot's page.
func (sl *Slot) DownloadProject(ctx context.Context, ref, out string, onStatus StatusFunc) Result {
	return sl.session.download(ctx, sl.page, ref, out, onStatus)
}

// Close releases the slot's context.
func (sl *Slot) Close(ctx context.Context) error {
	return sl.context.Close(context.WithoutCancel(ctx))
}
