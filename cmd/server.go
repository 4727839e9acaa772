package cmd

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/api"
	"github.com/GeminiLight/OverLink/internal/config"
	"github.com/GeminiLight/OverLink/internal/mirror"
	"github.com/GeminiLight/OverLink/internal/observability"
	"github.com/GeminiLight/OverLink/internal/registry"
)

func newServerCmd(a *app) *cobra.Command {
	var (
		host   string
		port   int
		reload bool
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the HTTP API and the public PDF directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			if cmd.Flags().Changed("host") {
				a.cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}

			store, closeStore, err := registry.Open(ctx, a.cfg, logger.Named("registry"))
			if err != nil {
				return err
			}
			defer closeStore()

			driver, err := a.driver()
			if err != nil {
				return err
			}
			svc := mirror.NewService(a.cfg, driver, store, a.resolver())
			srv := api.NewServer(a.cfg, svc, store)

			if reload {
				a.watch(srv, logger)
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "listen host")
	cmd.Flags().IntVar(&port, "port", 8000, "listen port")
	cmd.Flags().BoolVar(&reload, "reload", false, "re-apply the log level and rate limit when the config file changes")
	return cmd
}

// watch re-reads the config file on change and applies its runtime-tunable
// parts. Invalid edits are logged and ignored.
func (a *app) watch(srv *api.Server, logger *zap.Logger) {
	if a.v.ConfigFileUsed() == "" {
		logger.Warn("--reload needs a config file; nothing to watch.")
		return
	}
	a.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := config.NewConfigFromViper(a.v)
		if err != nil {
			logger.Error("Ignoring invalid config change.", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := observability.SetLevel(cfg.Logger.Level); err != nil {
			logger.Warn("Ignoring invalid log level.", zap.Error(err))
		}
		srv.Reload(cfg)
		logger.Info("Configuration reloaded.", zap.String("file", e.Name))
	})
	a.v.WatchConfig()
	logger.Info("Watching config file.", zap.String("file", a.v.ConfigFileUsed()))
}
