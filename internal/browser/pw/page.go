package pw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/GeminiLight/OverLink/internal/browser"
)

// Page adapts a Playwright page. Playwright calls are not context aware, so
// blocking calls close the page when ctx ends; the interrupted call then
// reports ctx.Err().
type Page struct {
	page playwright.Page
}

var _ browser.Page = (*Page)(nil)

func (p *Page) closePage() error { return p.page.Close() }

// interruptible runs call, closing the page through closePage if ctx ends
// first.
func interruptible(ctx context.Context, closePage func() error, call func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = closePage() })
	err := call()
	if !stop() {
		// The page was closed under the call.
		return ctx.Err()
	}
	return err
}

func (p *Page) Goto(ctx context.Context, url string) error {
	err := interruptible(ctx, p.closePage, func() error {
		_, err := p.page.Goto(url)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("navigation to %s failed: %w", url, translate(err))
	}
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.page.URL(), nil
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	return translate(interruptible(ctx, p.closePage, func() error {
		return p.page.Locator(selector).First().Fill(value)
	}))
}

func (p *Page) Click(ctx context.Context, selector string) error {
	return translate(interruptible(ctx, p.closePage, func() error {
		return p.page.Locator(selector).First().Click()
	}))
}

func (p *Page) TextVisible(ctx context.Context, text string, timeout time.Duration) (bool, error) {
	err := interruptible(ctx, p.closePage, func() error {
		return p.page.GetByText(text).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(millis(timeout)),
		})
	})
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, err
	case errors.Is(err, playwright.ErrTimeout):
		return false, nil
	default:
		return false, err
	}
}

func (p *Page) ClickText(ctx context.Context, text string) error {
	return translate(interruptible(ctx, p.closePage, func() error {
		return p.page.GetByText(text).First().Click()
	}))
}

func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return translate(interruptible(ctx, p.closePage, func() error {
		return p.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(millis(timeout)),
		})
	}))
}

func (p *Page) WaitForURL(ctx context.Context, match func(string) bool, timeout time.Duration) error {
	return translate(interruptible(ctx, p.closePage, func() error {
		return p.page.WaitForURL(match, playwright.PageWaitForURLOptions{
			Timeout: playwright.Float(millis(timeout)),
		})
	}))
}

func (p *Page) Download(ctx context.Context, selector, dest string) error {
	return interruptible(ctx, p.closePage, func() error {
		dl, err := p.page.ExpectDownload(func() error {
			return p.page.Locator(selector).First().Click()
		})
		if err != nil {
			return fmt.Errorf("download did not start: %w", translate(err))
		}
		if err := dl.SaveAs(dest); err != nil {
			return fmt.Errorf("failed to save download: %w", err)
		}
		return nil
	})
}

// translate maps Playwright timeouts onto browser.ErrTimeout.
func translate(err error) error {
	if err != nil && errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %v", browser.ErrTimeout, err)
	}
	return err
}
