package cdp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cdpb "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/browser"
)

const (
	urlPollInterval = 250 * time.Millisecond
	downloadTimeout = 2 * time.Minute
)

// Page is one chromedp tab.
type Page struct {
	ctx        context.Context
	cancel     context.CancelFunc
	navTimeout time.Duration
	downloads  string
	logger     *zap.Logger
}

var _ browser.Page = (*Page)(nil)

func pageSetup(opts browser.ContextOptions, st *browser.StorageState) []chromedp.Action {
	var actions []chromedp.Action
	if opts.UserAgent != "" {
		ua := emulation.SetUserAgentOverride(opts.UserAgent)
		if opts.Locale != "" {
			ua = ua.WithAcceptLanguage(opts.Locale)
		}
		actions = append(actions, ua)
	}
	if opts.Locale != "" {
		actions = append(actions, emulation.SetLocaleOverride().WithLocale(opts.Locale))
	}
	if st != nil {
		if script := localStorageScript(st.Origins); script != "" {
			actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
				_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
				return err
			}))
		}
	}
	return actions
}

// runBounded runs actions on the tab behind target while honouring both the
// caller's ctx and an optional timeout. Cancelling a derived context leaves
// the tab itself open.
func runBounded(ctx, target context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	var (
		rctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		rctx, cancel = context.WithTimeout(target, timeout)
	} else {
		rctx, cancel = context.WithCancel(target)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(rctx, actions...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", browser.ErrTimeout, err)
	}
	return err
}

func (p *Page) Goto(ctx context.Context, url string) error {
	if err := runBounded(ctx, p.ctx, p.navTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var loc string
	err := runBounded(ctx, p.ctx, 0, chromedp.Location(&loc))
	return loc, err
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	return runBounded(ctx, p.ctx, p.navTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (p *Page) Click(ctx context.Context, selector string) error {
	return runBounded(ctx, p.ctx, p.navTimeout, chromedp.Click(selector, chromedp.ByQuery))
}

func (p *Page) TextVisible(ctx context.Context, text string, timeout time.Duration) (bool, error) {
	err := runBounded(ctx, p.ctx, timeout, chromedp.WaitVisible(textXPath(text), chromedp.BySearch))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, browser.ErrTimeout):
		return false, nil
	default:
		return false, err
	}
}

func (p *Page) ClickText(ctx context.Context, text string) error {
	return runBounded(ctx, p.ctx, p.navTimeout, chromedp.Click(textXPath(text), chromedp.BySearch))
}

func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return runBounded(ctx, p.ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *Page) WaitForURL(ctx context.Context, match func(string) bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(urlPollInterval)
	defer ticker.Stop()
	for {
		loc, err := p.URL(ctx)
		if err != nil {
			return err
		}
		if match(loc) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: url still %s", browser.ErrTimeout, loc)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download clicks selector and waits for the download started by this tab
// to complete, then moves it from the staging directory to dest.
func (p *Page) Download(ctx context.Context, selector, dest string) error {
	lctx, stopListening := context.WithCancel(p.ctx)
	defer stopListening()

	frame := cdp.FrameID(chromedp.FromContext(p.ctx).Target.TargetID)
	var (
		mu   sync.Mutex
		guid string
	)
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	// Staging is shared by every tab, so only events for this frame's
	// download are considered.
	chromedp.ListenBrowser(lctx, func(ev any) {
		mu.Lock()
		defer mu.Unlock()
		switch ev := ev.(type) {
		case *cdpb.EventDownloadWillBegin:
			if ev.FrameID == frame && guid == "" {
				guid = ev.GUID
			}
		case *cdpb.EventDownloadProgress:
			if ev.GUID != guid {
				return
			}
			switch ev.State {
			case cdpb.DownloadProgressStateCompleted:
				finish(nil)
			case cdpb.DownloadProgressStateCanceled:
				finish(errors.New("download canceled by browser"))
			}
		}
	})

	if err := p.Click(ctx, selector); err != nil {
		return fmt.Errorf("download did not start: %w", err)
	}

	timer := time.NewTimer(downloadTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-timer.C:
		return fmt.Errorf("download did not finish: %w", browser.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	mu.Lock()
	staged := filepath.Join(p.downloads, guid)
	mu.Unlock()
	return moveFile(staged, dest)
}

func (p *Page) localStorage(ctx context.Context) (browser.OriginState, error) {
	var res struct {
		Origin string     `json:"origin"`
		Items  [][]string `json:"items"`
	}
	err := runBounded(ctx, p.ctx, 5*time.Second,
		chromedp.Evaluate(`({origin: location.origin, items: Object.entries(localStorage)})`, &res))
	if err != nil {
		return browser.OriginState{}, err
	}
	out := browser.OriginState{Origin: res.Origin, LocalStorage: make([]browser.NameValue, 0, len(res.Items))}
	for _, kv := range res.Items {
		if len(kv) == 2 {
			out.LocalStorage = append(out.LocalStorage, browser.NameValue{Name: kv[0], Value: kv[1]})
		}
	}
	return out, nil
}

// textXPath matches the innermost element whose own text contains text.
func textXPath(text string) string {
	return fmt.Sprintf(`//*[contains(normalize-space(text()), %s)]`, xpathLiteral(text))
}

func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, `'`) {
		return `'` + s + `'`
	}
	parts := strings.Split(s, `"`)
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = `"` + part + `"`
	}
	return `concat(` + strings.Join(quoted, `, '"', `) + `)`
}

// moveFile renames src to dst, copying when they sit on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open download: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy download: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
