// Package pw drives Chromium through playwright-go.
package pw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/browser"
)

const installTimeout = 5 * time.Minute

// defaultArgs keep Chromium stable inside containers and CI runners.
var defaultArgs = []string{
	"--disable-gpu",
	"--no-sandbox",
	"--disable-dev-shm-usage",
}

// Driver launches Chromium via the Playwright node runtime.
type Driver struct {
	install bool
	logger  *zap.Logger
}

var _ browser.Driver = (*Driver)(nil)

// NewDriver returns a driver. When install is set the Chromium build is
// downloaded on first launch if missing.
func NewDriver(install bool, logger *zap.Logger) *Driver {
	return &Driver{install: install, logger: logger.Named("playwright")}
}

func (d *Driver) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Browser, error) {
	if d.install {
		if err := d.ensureInstallation(ctx); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runtime, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright driver: %w", err)
	}

	launch := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     mergeArgs(defaultArgs, opts.Args),
	}
	if opts.Timeout > 0 {
		launch.Timeout = playwright.Float(millis(opts.Timeout))
	}
	b, err := runtime.Chromium.Launch(launch)
	if err != nil {
		_ = runtime.Stop()
		return nil, fmt.Errorf("failed to launch browser instance: %w", err)
	}
	d.logger.Info("Browser launched.", zap.String("version", b.Version()), zap.Bool("headless", opts.Headless))
	return &Browser{runtime: runtime, browser: b, logger: d.logger}, nil
}

func (d *Driver) ensureInstallation(ctx context.Context) error {
	d.logger.Debug("Verifying Playwright browser installation...")
	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	// Install blocks without a context, so race it against the deadline.
	done := make(chan error, 1)
	go func() {
		done <- playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to install playwright browsers: %w", err)
		}
		return nil
	case <-installCtx.Done():
		return fmt.Errorf("timeout waiting for Playwright installation: %w", installCtx.Err())
	}
}

// Browser wraps a launched Chromium and the runtime that owns it.
type Browser struct {
	runtime *playwright.Playwright
	browser playwright.Browser
	logger  *zap.Logger
}

func (b *Browser) NewContext(ctx context.Context, opts browser.ContextOptions) (browser.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := playwright.BrowserNewContextOptions{
		AcceptDownloads: playwright.Bool(true),
	}
	if opts.UserAgent != "" {
		o.UserAgent = playwright.String(opts.UserAgent)
	}
	if opts.Locale != "" {
		o.Locale = playwright.String(opts.Locale)
	}
	switch {
	case opts.StorageState != nil:
		seed, err := toPlaywrightState(opts.StorageState)
		if err != nil {
			return nil, err
		}
		o.StorageState = seed
	case opts.StorageStatePath != "":
		o.StorageStatePath = playwright.String(opts.StorageStatePath)
	}
	bc, err := b.browser.NewContext(o)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	if opts.NavigationTimeout > 0 {
		bc.SetDefaultNavigationTimeout(millis(opts.NavigationTimeout))
	}
	return &Context{ctx: bc}, nil
}

// Close shuts the browser, then the Playwright runtime.
func (b *Browser) Close(ctx context.Context) error {
	var errs []error
	if err := b.browser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
	}
	if err := b.runtime.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop playwright driver: %w", err))
	}
	return errors.Join(errs...)
}

// Context wraps a Playwright browser context.
type Context struct {
	ctx playwright.BrowserContext
}

func (c *Context) NewPage(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := c.ctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	return &Page{page: p}, nil
}

func (c *Context) StorageState(ctx context.Context) (*browser.StorageState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := c.ctx.StorageState()
	if err != nil {
		return nil, fmt.Errorf("failed to read storage state: %w", err)
	}
	return fromPlaywrightState(st)
}

func (c *Context) SaveStorageState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.ctx.StorageState(path); err != nil {
		return fmt.Errorf("failed to save storage state: %w", err)
	}
	return nil
}

func (c *Context) Close(ctx context.Context) error {
	return c.ctx.Close()
}

// Both formats share Playwright's storageState JSON layout, so conversion
// goes through the wire form.
func toPlaywrightState(st *browser.StorageState) (*playwright.OptionalStorageState, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var out playwright.OptionalStorageState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to convert storage state: %w", err)
	}
	return &out, nil
}

func fromPlaywrightState(st *playwright.StorageState) (*browser.StorageState, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	out := &browser.StorageState{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to convert storage state: %w", err)
	}
	if out.Origins == nil {
		out.Origins = []browser.OriginState{}
	}
	return out, nil
}

func mergeArgs(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, a := range append(append([]string{}, base...), extra...) {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func millis(d time.Duration) float64 {
	return float64(d.Milliseconds())
}
