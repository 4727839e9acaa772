// Package launcher picks the browser driver named in the configuration.
package launcher

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/browser"
	"github.com/GeminiLight/OverLink/internal/browser/cdp"
	"github.com/GeminiLight/OverLink/internal/browser/pw"
	"github.com/GeminiLight/OverLink/internal/config"
)

// New returns the driver for cfg.Driver.
func New(cfg config.BrowserConfig, logger *zap.Logger) (browser.Driver, error) {
	switch cfg.Driver {
	case config.DriverPlaywright, "":
		return pw.NewDriver(cfg.InstallBrowsers, logger), nil
	case config.DriverChromedp:
		return cdp.NewDriver(logger), nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
	}
}
