// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Supported browser drivers.
const (
	DriverPlaywright = "playwright"
	DriverChromedp   = "chromedp"
)

// Supported registry backends.
const (
	RegistryFile     = "file"
	RegistryPostgres = "postgres"
)

// Config holds the entire application configuration. It is built once at
// process start and handed to every component that needs a piece of it.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Paths       PathsConfig       `mapstructure:"paths" yaml:"paths"`
	Batch       BatchConfig       `mapstructure:"batch" yaml:"batch"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Registry    RegistryConfig    `mapstructure:"registry" yaml:"registry"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Delivery    DeliveryConfig    `mapstructure:"delivery" yaml:"delivery"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch" yaml:"dispatch"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls how the automation session drives the browser.
type BrowserConfig struct {
	Driver          string   `mapstructure:"driver" yaml:"driver"`
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	InstallBrowsers bool     `mapstructure:"install_browsers" yaml:"install_browsers"`
	Args            []string `mapstructure:"args" yaml:"args"`
	UserAgent       string   `mapstructure:"user_agent" yaml:"user_agent"`
	Locale          string   `mapstructure:"locale" yaml:"locale"`
	ValidatePDF     bool     `mapstructure:"validate_pdf" yaml:"validate_pdf"`

	LaunchTimeout     time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	LoginTimeout      time.Duration `mapstructure:"login_timeout" yaml:"login_timeout"`
	SelectorTimeout   time.Duration `mapstructure:"selector_timeout" yaml:"selector_timeout"`
	JoinProbeTimeout  time.Duration `mapstructure:"join_probe_timeout" yaml:"join_probe_timeout"`

	Pacing PacingConfig `mapstructure:"pacing" yaml:"pacing"`
}

// PathsConfig locates every file the system reads or writes.
type PathsConfig struct {
	AuthFile     string `mapstructure:"auth_file" yaml:"auth_file"`
	PublicDir    string `mapstructure:"public_dir" yaml:"public_dir"`
	PDFDir       string `mapstructure:"pdf_dir" yaml:"pdf_dir"`
	RegistryFile string `mapstructure:"registry_file" yaml:"registry_file"`
	WorkDir      string `mapstructure:"work_dir" yaml:"work_dir"`
}

// BatchConfig bounds the fan-out of batch downloads.
type BatchConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	RateLimit       float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RegistryConfig selects where registry entries live.
type RegistryConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	DatabaseURL string `mapstructure:"database_url" yaml:"-"`
}

// CredentialsConfig holds the service account used for Overleaf logins.
// Secrets are never written back out by `config show`.
type CredentialsConfig struct {
	Email         string `mapstructure:"email" yaml:"-"`
	Password      string `mapstructure:"password" yaml:"-"`
	EncryptionKey string `mapstructure:"encryption_key" yaml:"-"`
	// Encrypted marks credentials arriving in HTTP payloads as iv:tag:content triples.
	Encrypted bool `mapstructure:"encrypted" yaml:"encrypted"`
}

// DeliveryConfig configures the object-storage sink.
type DeliveryConfig struct {
	R2 R2Config `mapstructure:"r2" yaml:"r2"`
}

// R2Config describes an S3-compatible bucket (Cloudflare R2 by default).
type R2Config struct {
	AccessKey string `mapstructure:"access_key" yaml:"-"`
	SecretKey string `mapstructure:"secret_key" yaml:"-"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Region    string `mapstructure:"region" yaml:"region"`
}

// Enabled reports whether both keys are present.
func (r R2Config) Enabled() bool {
	return r.AccessKey != "" && r.SecretKey != ""
}

// DispatchConfig configures the GitHub repository_dispatch trigger for cloud jobs.
type DispatchConfig struct {
	Token     string `mapstructure:"token" yaml:"-"`
	Owner     string `mapstructure:"owner" yaml:"owner"`
	Repo      string `mapstructure:"repo" yaml:"repo"`
	EventType string `mapstructure:"event_type" yaml:"event_type"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "overlink")
	v.SetDefault("logger.log_file", "logs/overlink.log")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.driver", DriverPlaywright)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.install_browsers", true)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.user_agent", DefaultUserAgent)
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.validate_pdf", true)
	v.SetDefault("browser.launch_timeout", "60s")
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.login_timeout", "60s")
	v.SetDefault("browser.selector_timeout", "60s")
	v.SetDefault("browser.join_probe_timeout", "3s")
	setPacingDefaults(v)

	// -- Paths --
	v.SetDefault("paths.auth_file", "auth.json")
	v.SetDefault("paths.public_dir", "public")
	v.SetDefault("paths.pdf_dir", "public/pdfs")
	v.SetDefault("paths.registry_file", "public/users.json")
	v.SetDefault("paths.work_dir", os.TempDir())

	// -- Batch --
	v.SetDefault("batch.concurrency", 3)

	// -- Server --
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.rate_limit", 1.0)
	v.SetDefault("server.rate_burst", 5)
	v.SetDefault("server.shutdown_timeout", "30s")

	// -- Registry --
	v.SetDefault("registry.backend", RegistryFile)

	// -- Credentials --
	v.SetDefault("credentials.encrypted", false)

	// -- Delivery --
	v.SetDefault("delivery.r2.bucket", "overlink")
	v.SetDefault("delivery.r2.region", "auto")

	// -- Dispatch --
	v.SetDefault("dispatch.event_type", "sync_job")
}

// bindWellKnownEnv maps the environment names the deployment already uses onto config keys.
func bindWellKnownEnv(v *viper.Viper) {
	bindings := map[string]string{
		"credentials.email":          "OVERLEAF_EMAIL",
		"credentials.password":       "OVERLEAF_PASSWORD",
		"credentials.encryption_key": "ENCRYPTION_KEY",
		"delivery.r2.access_key":     "R2_ACCESS_KEY",
		"delivery.r2.secret_key":     "R2_SECRET_KEY",
		"delivery.r2.bucket":         "R2_BUCKET",
		"delivery.r2.endpoint":       "R2_ENDPOINT",
		"dispatch.token":             "GITHUB_TOKEN",
		"dispatch.owner":             "GITHUB_OWNER",
		"dispatch.repo":              "GITHUB_REPO",
		"registry.database_url":      "DATABASE_URL",
	}
	for key, env := range bindings {
		// The prefixed form (OVERLINK_CREDENTIALS_EMAIL) stays valid alongside the short name.
		prefixed := "OVERLINK_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, env)
	}
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	bindWellKnownEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in every configured path.
func (c *Config) expandPaths() error {
	targets := []*string{
		&c.Paths.AuthFile,
		&c.Paths.PublicDir,
		&c.Paths.PDFDir,
		&c.Paths.RegistryFile,
		&c.Paths.WorkDir,
		&c.Logger.LogFile,
	}
	for _, p := range targets {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Browser.Driver {
	case DriverPlaywright, DriverChromedp:
	default:
		return fmt.Errorf("browser.driver must be %q or %q, got %q", DriverPlaywright, DriverChromedp, c.Browser.Driver)
	}
	if c.Batch.Concurrency <= 0 {
		return fmt.Errorf("batch.concurrency must be a positive integer")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst <= 0 {
		return fmt.Errorf("server.rate_limit and server.rate_burst must be positive")
	}
	switch c.Registry.Backend {
	case RegistryFile:
	case RegistryPostgres:
		if c.Registry.DatabaseURL == "" {
			return fmt.Errorf("registry.database_url is required for the postgres backend (DATABASE_URL)")
		}
	default:
		return fmt.Errorf("registry.backend must be %q or %q, got %q", RegistryFile, RegistryPostgres, c.Registry.Backend)
	}
	timeouts := map[string]time.Duration{
		"browser.launch_timeout":     c.Browser.LaunchTimeout,
		"browser.navigation_timeout": c.Browser.NavigationTimeout,
		"browser.login_timeout":      c.Browser.LoginTimeout,
		"browser.selector_timeout":   c.Browser.SelectorTimeout,
		"browser.join_probe_timeout": c.Browser.JoinProbeTimeout,
	}
	for key, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", key)
		}
	}
	if err := c.Browser.Pacing.Validate(); err != nil {
		return fmt.Errorf("browser.pacing configuration invalid: %w", err)
	}
	return nil
}
