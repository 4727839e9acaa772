// Package browser defines the small surface of browser automation the
// Overleaf session needs. Concrete drivers live in the pw (playwright-go)
// and cdp (chromedp) subpackages; browsertest provides a scriptable fake.
package browser

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by drivers when a wait exceeds its deadline.
var ErrTimeout = errors.New("browser: timed out")

// LaunchOptions configures a browser process.
type LaunchOptions struct {
	Headless bool
	Args     []string
	Timeout  time.Duration
}

// ContextOptions configures an isolated browsing context.
type ContextOptions struct {
	UserAgent string
	Locale    string
	// StorageStatePath, when non-empty, seeds cookies and local storage from
	// a Playwright storageState file.
	StorageStatePath string
	// StorageState seeds the context from an in-memory snapshot and takes
	// precedence over StorageStatePath.
	StorageState *StorageState
	// NavigationTimeout bounds every Goto on pages of this context.
	NavigationTimeout time.Duration
}

// Driver launches browsers.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser is a running browser process. Close tears down the process and the
// driver runtime behind it.
type Browser interface {
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)
	Close(ctx context.Context) error
}

// Context is an isolated set of cookies and storage.
type Context interface {
	NewPage(ctx context.Context) (Page, error)
	// StorageState snapshots the context's cookies and local storage.
	StorageState(ctx context.Context) (*StorageState, error)
	SaveStorageState(ctx context.Context, path string) error
	Close(ctx context.Context) error
}

// Page is one tab.
type Page interface {
	Goto(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// TextVisible reports whether an element with the given text becomes
	// visible before timeout. A timeout is not an error.
	TextVisible(ctx context.Context, text string, timeout time.Duration) (bool, error)
	ClickText(ctx context.Context, text string) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	// WaitForURL blocks until match accepts the current URL.
	WaitForURL(ctx context.Context, match func(string) bool, timeout time.Duration) error
	// Download clicks selector, captures the resulting download and writes it to dest.
	Download(ctx context.Context, selector, dest string) error
}
