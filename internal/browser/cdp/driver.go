// Package cdp drives Chrome over the DevTools protocol with chromedp. It is
// the fallback when the Playwright runtime cannot be installed.
package cdp

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	cdpb "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/browser"
)

// Driver launches a local Chrome through chromedp's exec allocator.
type Driver struct {
	logger *zap.Logger
}

var _ browser.Driver = (*Driver)(nil)

func NewDriver(logger *zap.Logger) *Driver {
	return &Driver{logger: logger.Named("chromedp")}
}

func (d *Driver) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Browser, error) {
	downloads, err := os.MkdirTemp("", "overlink-downloads-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create download dir: %w", err)
	}

	// The browser outlives the launching request, so it hangs off a
	// background context and is torn down by Close.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(d.logger.Sugar().Debugf),
		chromedp.WithErrorf(d.logger.Sugar().Warnf),
	)

	b := &Browser{
		ctx:       browserCtx,
		cancel:    browserCancel,
		alloc:     allocCancel,
		downloads: downloads,
		logger:    d.logger,
	}

	// The first Run allocates the process and must see the long-lived context.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	select {
	case err = <-started:
	case <-time.After(timeout):
		err = fmt.Errorf("browser did not start within %s", timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		_ = b.Close(context.Background())
		return nil, fmt.Errorf("failed to launch browser instance: %w", err)
	}
	d.logger.Info("Browser launched.", zap.Bool("headless", opts.Headless))
	return b, nil
}

func allocatorOptions(opts browser.LaunchOptions) []chromedp.ExecAllocatorOption {
	out := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if !opts.Headless {
		// Undo the flags chromedp.Headless adds by default.
		out = append(out,
			chromedp.Flag("headless", false),
			chromedp.Flag("hide-scrollbars", false),
			chromedp.Flag("mute-audio", false),
		)
	}
	for _, arg := range opts.Args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			out = append(out, chromedp.Flag(name, value))
		} else {
			out = append(out, chromedp.Flag(name, true))
		}
	}
	return out
}

// Browser is a Chrome process plus its download staging directory.
type Browser struct {
	ctx       context.Context
	cancel    context.CancelFunc
	alloc     context.CancelFunc
	downloads string
	logger    *zap.Logger

	closeOnce sync.Once
}

func (b *Browser) NewContext(ctx context.Context, opts browser.ContextOptions) (browser.Context, error) {
	cctx, cancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())
	// Creates the browser context and its first tab.
	if err := chromedp.Run(cctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	c := &Context{
		ctx:       cctx,
		cancel:    cancel,
		opts:      opts,
		downloads: b.downloads,
		logger:    b.logger,
	}

	id := chromedp.FromContext(cctx).BrowserContextID
	if err := c.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		bc := chromedp.FromContext(ctx)
		return cdpb.SetDownloadBehavior(cdpb.SetDownloadBehaviorBehaviorAllowAndName).
			WithBrowserContextID(id).
			WithDownloadPath(b.downloads).
			WithEventsEnabled(true).
			Do(cdp.WithExecutor(ctx, bc.Browser))
	})); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to enable downloads: %w", err)
	}

	st := opts.StorageState
	if st == nil && opts.StorageStatePath != "" {
		loaded, err := browser.LoadStorageState(opts.StorageStatePath)
		if err != nil {
			cancel()
			return nil, err
		}
		st = loaded
	}
	if st != nil {
		c.state = st
		if err := c.run(ctx, 0, setCookies(st.Cookies)); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to restore cookies: %w", err)
		}
	}
	return c, nil
}

// Close shuts Chrome down gracefully, then kills the allocator.
func (b *Browser) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		err = chromedp.Cancel(b.ctx)
		b.cancel()
		b.alloc()
		_ = os.RemoveAll(b.downloads)
	})
	return err
}
