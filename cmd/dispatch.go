package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GeminiLight/OverLink/internal/credentials"
	"github.com/GeminiLight/OverLink/internal/dispatch"
	"github.com/GeminiLight/OverLink/internal/observability"
	"github.com/GeminiLight/OverLink/internal/registry"
	"github.com/GeminiLight/OverLink/internal/worker"
)

// newDispatcher is swapped out in tests.
var newDispatcher = dispatch.New

func newDispatchCmd(a *app) *cobra.Command {
	var nickname string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Trigger the cloud worker for registered projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			d, err := newDispatcher(a.cfg.Dispatch, a.cfg.Credentials.EncryptionKey, dispatch.WithLogger(logger))
			if err != nil {
				return err
			}

			store, closeStore, err := registry.Open(ctx, a.cfg, logger.Named("registry"))
			if err != nil {
				return err
			}
			defer closeStore()

			entries, err := store.List(ctx)
			if err != nil {
				return err
			}
			var specs []worker.ProjectSpec
			for _, e := range entries {
				if nickname == "" || e.Username == nickname {
					specs = append(specs, worker.ProjectSpec{Filename: e.Username, ProjectID: e.URL})
				}
			}
			if len(specs) == 0 {
				if nickname != "" {
					return fmt.Errorf("user '%s' not found", nickname)
				}
				return dispatch.ErrNoProjects
			}

			err = d.Dispatch(ctx, dispatch.Request{
				Credentials: a.resolver().Resolve(credentials.Credentials{}, false),
				Projects:    specs,
				AuthFile:    a.cfg.Paths.AuthFile,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dispatched sync job for %d project(s).\n", len(specs))
			return nil
		},
	}
	cmd.Flags().StringVar(&nickname, "nickname", "", "only dispatch this user")
	return cmd
}
