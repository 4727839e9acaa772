// File: internal/config/pacing_config.go
// PacingConfig holds the randomized delays inserted between page actions so
// that navigation and form filling follow a human cadence instead of firing
// back to back.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// DefaultUserAgent is the fixed desktop user agent every browsing context presents.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

// PacingConfig bounds the uniform random delay applied after navigations and between form fields.
type PacingConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	MinDelay time.Duration `mapstructure:"min_delay" yaml:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

func setPacingDefaults(v *viper.Viper) {
	v.SetDefault("browser.pacing.enabled", true)
	v.SetDefault("browser.pacing.min_delay", "1s")
	v.SetDefault("browser.pacing.max_delay", "3s")
}

// Validate checks that the delay window is well formed.
func (p PacingConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.MinDelay < 0 {
		return fmt.Errorf("min_delay must not be negative")
	}
	if p.MaxDelay < p.MinDelay {
		return fmt.Errorf("max_delay (%s) must not be shorter than min_delay (%s)", p.MaxDelay, p.MinDelay)
	}
	return nil
}
