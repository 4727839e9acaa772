// Package browsertest provides an in-memory browser.Driver whose pages follow
// a small script of Overleaf behaviour. Tests configure the script, run the
// code under test, and inspect the recorded calls.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/GeminiLight/OverLink/internal/browser"
)

// MinimalPDF is a small, structurally valid PDF document.
const MinimalPDF = "%PDF-1.4\n" +
	"1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n" +
	"2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n" +
	"3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>\nendobj\n" +
	"xref\n0 4\n" +
	"0000000000 65535 f \n" +
	"0000000009 00000 n \n" +
	"0000000058 00000 n \n" +
	"0000000115 00000 n \n" +
	"trailer\n<< /Size 4 /Root 1 0 R >>\n" +
	"startxref\n186\n%%EOF\n"

// Script decides how fake pages respond.
type Script struct {
	// LoggedIn makes /project stay on /project instead of redirecting to /login.
	LoggedIn bool
	// AcceptLogin makes submitting the login form succeed.
	AcceptLogin bool
	// JoinPrompt shows the "OK, join project" button on project pages.
	JoinPrompt bool
	// MissingDownload hides the Download PDF button.
	MissingDownload bool
	// DownloadBody is written by Download. Defaults to MinimalPDF.
	DownloadBody []byte
	// DownloadErr fails Download after the click.
	DownloadErr error
	// BlockGoto makes Goto block until its context is cancelled.
	BlockGoto bool
	// LaunchErr fails Launch.
	LaunchErr error
	// SnapshotErr fails Context.StorageState.
	SnapshotErr error
	// FailProjects fails navigation to any URL containing one of these strings.
	FailProjects []string
}

// Driver is a fake browser.Driver.
type Driver struct {
	Script Script

	mu       sync.Mutex
	launches int
	browsers []*Browser
	calls    []string
	filled   map[string]string
}

var _ browser.Driver = (*Driver)(nil)

// New returns a driver following script.
func New(script Script) *Driver {
	return &Driver{Script: script}
}

func (d *Driver) record(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
}

// Calls returns every recorded operation in order.
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// CallsWithPrefix filters Calls.
func (d *Driver) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range d.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Filled returns the last value typed into each selector on any page.
func (d *Driver) Filled() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.filled))
	for k, v := range d.filled {
		out[k] = v
	}
	return out
}

// Launches counts Launch calls.
func (d *Driver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches
}

// Browsers returns every browser launched so far.
func (d *Driver) Browsers() []*Browser {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Browser(nil), d.browsers...)
}

func (d *Driver) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Browser, error) {
	if d.Script.LaunchErr != nil {
		return nil, d.Script.LaunchErr
	}
	d.mu.Lock()
	d.launches++
	b := &Browser{driver: d, Options: opts}
	d.browsers = append(d.browsers, b)
	d.mu.Unlock()
	d.record("launch headless=%t", opts.Headless)
	return b, nil
}

// Browser is a fake browser.
type Browser struct {
	driver  *Driver
	Options browser.LaunchOptions

	mu       sync.Mutex
	contexts []*Context
	closes   int
}

func (b *Browser) NewContext(ctx context.Context, opts browser.ContextOptions) (browser.Context, error) {
	c := &Context{browser: b, Options: opts}
	b.mu.Lock()
	b.contexts = append(b.contexts, c)
	b.mu.Unlock()
	b.driver.record("context state=%q seeded=%t", opts.StorageStatePath, opts.StorageState != nil)
	return c, nil
}

func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closes++
	b.mu.Unlock()
	b.driver.record("browser close")
	return nil
}

// Closes counts Close calls.
func (b *Browser) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

// Contexts returns the contexts opened on this browser.
func (b *Browser) Contexts() []*Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Context(nil), b.contexts...)
}

// Context is a fake browsing context.
type Context struct {
	browser *Browser
	Options browser.ContextOptions

	mu     sync.Mutex
	closes int
	saves  []string
}

func (c *Context) NewPage(ctx context.Context) (browser.Page, error) {
	return &Page{driver: c.browser.driver, url: "about:blank"}, nil
}

// SessionCookie is the cookie every fake context reports as its state.
const SessionCookie = "overleaf_session2"

func fakeState() *browser.StorageState {
	return &browser.StorageState{
		Cookies: []browser.Cookie{{Name: SessionCookie, Value: "fake", Domain: ".overleaf.com", Path: "/", Expires: -1}},
		Origins: []browser.OriginState{},
	}
}

func (c *Context) StorageState(ctx context.Context) (*browser.StorageState, error) {
	c.browser.driver.record("snapshot")
	if err := c.browser.driver.Script.SnapshotErr; err != nil {
		return nil, err
	}
	return fakeState(), nil
}

func (c *Context) SaveStorageState(ctx context.Context, path string) error {
	c.mu.Lock()
	c.saves = append(c.saves, path)
	c.mu.Unlock()
	c.browser.driver.record("save %s", path)
	return browser.WriteStorageState(path, fakeState())
}

func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.browser.driver.record("context close")
	return nil
}

// Closes counts Close calls.
func (c *Context) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Saves lists the paths passed to SaveStorageState.
func (c *Context) Saves() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.saves...)
}

// Page is a fake tab implementing just enough of Overleaf's flow.
type Page struct {
	driver *Driver

	mu  sync.Mutex
	url string
}

func (p *Page) script() Script { return p.driver.Script }

func (p *Page) Goto(ctx context.Context, url string) error {
	p.driver.record("goto %s", url)
	s := p.script()
	if s.BlockGoto {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, f := range s.FailProjects {
		if strings.Contains(url, f) {
			return fmt.Errorf("navigation to %s failed: net::ERR_FAILED", url)
		}
	}
	if strings.HasSuffix(url, "/project") && !s.LoggedIn {
		url = "https://www.overleaf.com/login"
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	p.driver.record("fill %s", selector)
	d := p.driver
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.filled == nil {
		d.filled = map[string]string{}
	}
	d.filled[selector] = value
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	p.driver.record("click %s", selector)
	if strings.Contains(selector, `type="submit"`) && p.script().AcceptLogin {
		p.mu.Lock()
		p.url = "https://www.overleaf.com/project"
		p.mu.Unlock()
	}
	return nil
}

func (p *Page) TextVisible(ctx context.Context, text string, timeout time.Duration) (bool, error) {
	p.driver.record("probe %s", text)
	return p.script().JoinPrompt, nil
}

func (p *Page) ClickText(ctx context.Context, text string) error {
	p.driver.record("click-text %s", text)
	return nil
}

func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	p.driver.record("wait %s", selector)
	if p.script().MissingDownload {
		return fmt.Errorf("%w: %s not visible after %s", browser.ErrTimeout, selector, timeout)
	}
	return nil
}

func (p *Page) WaitForURL(ctx context.Context, match func(string) bool, timeout time.Duration) error {
	u, _ := p.URL(ctx)
	if match(u) {
		return nil
	}
	return fmt.Errorf("%w: url still %s", browser.ErrTimeout, u)
}

func (p *Page) Download(ctx context.Context, selector, dest string) error {
	p.driver.record("download %s", dest)
	s := p.script()
	if s.DownloadErr != nil {
		return s.DownloadErr
	}
	body := s.DownloadBody
	if body == nil {
		body = []byte(MinimalPDF)
	}
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return errors.Join(errors.New("fake download failed"), err)
	}
	return nil
}
