package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/browser"
)

// Context is one isolated browser context (an incognito profile).
type Context struct {
	ctx       context.Context
	cancel    context.CancelFunc
	opts      browser.ContextOptions
	state     *browser.StorageState
	downloads string
	logger    *zap.Logger

	mu        sync.Mutex
	firstUsed bool
	pages     []*Page
}

// run executes actions against the context's first tab, bounded by timeout
// and by the caller's ctx.
func (c *Context) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	return runBounded(ctx, c.ctx, timeout, actions...)
}

func (c *Context) NewPage(ctx context.Context) (browser.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tab := c.ctx
	cancel := context.CancelFunc(func() {})
	if c.firstUsed {
		tab, cancel = chromedp.NewContext(c.ctx)
		if err := chromedp.Run(tab); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open page: %w", err)
		}
	}
	c.firstUsed = true

	p := &Page{
		ctx:        tab,
		cancel:     cancel,
		navTimeout: c.opts.NavigationTimeout,
		downloads:  c.downloads,
		logger:     c.logger,
	}
	if err := runBounded(ctx, tab, 0, pageSetup(c.opts, c.state)...); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to prepare page: %w", err)
	}
	c.pages = append(c.pages, p)
	return p, nil
}

// StorageState collects the context's cookies and the local storage of
// every open page's origin in Playwright's storageState format.
func (c *Context) StorageState(ctx context.Context) (*browser.StorageState, error) {
	var cookies []*network.Cookie
	err := c.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		cc := chromedp.FromContext(ctx)
		var err error
		cookies, err = storage.GetCookies().
			WithBrowserContextID(cc.BrowserContextID).
			Do(cdp.WithExecutor(ctx, cc.Browser))
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	st := &browser.StorageState{Cookies: make([]browser.Cookie, 0, len(cookies)), Origins: []browser.OriginState{}}
	for _, ck := range cookies {
		expires := ck.Expires
		if ck.Session {
			expires = -1
		}
		st.Cookies = append(st.Cookies, browser.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  expires,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: ck.SameSite.String(),
		})
	}

	c.mu.Lock()
	pages := append([]*Page(nil), c.pages...)
	c.mu.Unlock()
	seen := map[string]bool{}
	for _, p := range pages {
		origin, err := p.localStorage(ctx)
		if err != nil {
			c.logger.Debug("Skipping local storage of page.", zap.Error(err))
			continue
		}
		if origin.Origin == "" || origin.Origin == "null" || seen[origin.Origin] {
			continue
		}
		seen[origin.Origin] = true
		st.Origins = append(st.Origins, origin)
	}
	return st, nil
}

func (c *Context) SaveStorageState(ctx context.Context, path string) error {
	st, err := c.StorageState(ctx)
	if err != nil {
		return err
	}
	return browser.WriteStorageState(path, st)
}

func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	pages := c.pages
	c.pages = nil
	c.mu.Unlock()
	for _, p := range pages {
		p.cancel()
	}
	err := chromedp.Cancel(c.ctx)
	c.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func setCookies(cookies []browser.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		params := make([]*network.CookieParam, 0, len(cookies))
		for _, ck := range cookies {
			p := &network.CookieParam{
				Name:     ck.Name,
				Value:    ck.Value,
				Domain:   ck.Domain,
				Path:     ck.Path,
				Secure:   ck.Secure,
				HTTPOnly: ck.HTTPOnly,
			}
			if ck.SameSite != "" {
				p.SameSite = network.CookieSameSite(ck.SameSite)
			}
			if ck.Expires > 0 {
				sec := int64(ck.Expires)
				t := cdp.TimeSinceEpoch(time.Unix(sec, 0))
				p.Expires = &t
			}
			params = append(params, p)
		}
		if len(params) == 0 {
			return nil
		}
		return network.SetCookies(params).Do(ctx)
	})
}

// localStorageScript seeds local storage for matching origins before any page script runs.
func localStorageScript(origins []browser.OriginState) string {
	if len(origins) == 0 {
		return ""
	}
	data, _ := json.Marshal(origins)
	return fmt.Sprintf(`(() => {
  const origins = %s;
  for (const o of origins) {
    if (o.origin !== location.origin) continue;
    for (const item of o.localStorage || []) {
      try { localStorage.setItem(item.name, item.value); } catch (e) {}
    }
  }
})();`, data)
}
