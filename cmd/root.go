// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/browser"
	"github.com/GeminiLight/OverLink/internal/browser/launcher"
	"github.com/GeminiLight/OverLink/internal/config"
	"github.com/GeminiLight/OverLink/internal/credentials"
	"github.com/GeminiLight/OverLink/internal/observability"
)

// newDriver is swapped out in tests.
var newDriver = launcher.New

// app carries what PersistentPreRunE loaded to the subcommands.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
}

// NewRootCommand builds a fresh command tree. Each call returns independent
// flag state.
func NewRootCommand() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "overlink",
		Short:         "OverLink mirrors Overleaf CV PDFs to a public URL.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newSyncCmd(a),
		newServerCmd(a),
		newUserCmd(a),
		newWorkerCmd(a),
		newDispatchCmd(a),
		newLogsCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the CLI with the signal-aware ctx from main.
func Execute(ctx context.Context) error {
	return executeArgs(ctx, os.Args[1:])
}

func executeArgs(ctx context.Context, args []string) error {
	rootCmd := NewRootCommand()
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		}
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	observability.Sync()
	return err
}

// load reads .env, the config file and the environment, then starts logging.
func (a *app) load() error {
	// A missing .env is normal.
	_ = godotenv.Load()

	v := viper.New()
	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("OVERLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "overlink"})
		return fmt.Errorf("failed to load or validate config: %w", err)
	}
	observability.InitializeLogger(cfg.Logger)

	a.v = v
	a.cfg = cfg
	observability.GetLogger().Debug("Configuration loaded.", zap.String("file", v.ConfigFileUsed()))
	return nil
}

func (a *app) resolver() *credentials.Resolver {
	return credentials.NewResolver(
		credentials.Credentials{Email: a.cfg.Credentials.Email, Password: a.cfg.Credentials.Password},
		a.cfg.Credentials.EncryptionKey,
		observability.GetLogger().Named("credentials"),
	)
}

func (a *app) driver() (browser.Driver, error) {
	return newDriver(a.cfg.Browser, observability.GetLogger().Named("browser"))
}
