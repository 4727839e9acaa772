package overleaf

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/browser"
	"github.com/GeminiLight/OverLink/internal/registry"
)

const (
	joinProjectText  = "OK, join project"
	downloadSelector = `[aria-label="Download PDF"]`
)

// DownloadProject saves the compiled PDF of ref to out. The file at out is
// replaced only once a complete, validated download is on disk.
func (s *Session) DownloadProject(ctx context.Context, ref, out string, onStatus StatusFunc) Result {
	page, err := s.activePage(StateStarted, StateLoggedIn)
	if err != nil {
		return failure(KindConfig, err.Error(), err)
	}
	return s.download(ctx, page, ref, out, onStatus)
}

func (s *Session) download(ctx context.Context, page browser.Page, ref, out string, onStatus StatusFunc) Result {
	url := registry.NormalizeProjectRef(ref)
	pid := registry.ProjectKey(url)
	log := s.logger.With(zap.String("project", pid), zap.String("output", out))

	log.Info("Processing project.", zap.String("url", url))
	onStatus.emit("Processing project: " + pid)

	if err := s.capture(ctx, page, url, out, log, onStatus); err != nil {
		log.Error("Failed to process project.", zap.Error(err))
		msg := fmt.Sprintf("Error processing: %v", err)
		onStatus.emit(msg)
		return failure(KindDownload, msg, err)
	}

	log.Info("Downloaded.")
	onStatus.emit("Download complete.")
	return success("Download complete.")
}

func (s *Session) capture(ctx context.Context, page browser.Page, url, out string, log *zap.Logger, onStatus StatusFunc) (err error) {
	onStatus.emit("Navigating to Overleaf project...")
	if err := page.Goto(ctx, url); err != nil {
		return err
	}
	if err := s.pacer.Pause(ctx); err != nil {
		return err
	}

	s.joinIfPrompted(ctx, page, log)

	onStatus.emit("Waiting for editor to load...")
	if err := page.WaitForSelector(ctx, downloadSelector, s.cfg.SelectorTimeout); err != nil {
		return err
	}

	tmp := out + ".tmp"
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	onStatus.emit("Initiating PDF download...")
	if err := page.Download(ctx, downloadSelector, tmp); err != nil {
		return err
	}
	if s.validate != nil {
		if err := s.validate(tmp); err != nil {
			return err
		}
	}
	return os.Rename(tmp, out)
}

// joinIfPrompted clicks through the link-sharing interstitial. Any failure
// here is ignored; the wait for the editor decides the outcome.
func (s *Session) joinIfPrompted(ctx context.Context, page browser.Page, log *zap.Logger) {
	visible, err := page.TextVisible(ctx, joinProjectText, s.cfg.JoinProbeTimeout)
	if err != nil || !visible {
		return
	}
	log.Info("Joining project...")
	if err := page.ClickText(ctx, joinProjectText); err != nil {
		log.Debug("Join click failed.", zap.Error(err))
		return
	}
	_ = s.pacer.Pause(ctx)
}
