package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/mirror"
	"github.com/GeminiLight/OverLink/internal/observability"
	"github.com/GeminiLight/OverLink/internal/registry"
)

func newSyncCmd(a *app) *cobra.Command {
	var setup, visible bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download the PDF of every registered project",
		Long: `Logs into Overleaf once and refreshes the PDF of every registry entry.

With --setup a visible browser opens for a one-off manual login; the session
is saved for later headless runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

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

			opts := mirror.SyncOptions{Setup: setup, Visible: visible}
			if setup {
				opts.Confirm = &stdinConfirmer{in: cmd.InOrStdin(), out: cmd.OutOrStdout()}
			}
			summary, err := svc.Sync(ctx, opts)
			if err != nil {
				return err
			}
			if !setup {
				logger.Info("Sync finished.", zap.Int("succeeded", summary.Succeeded), zap.Int("total", summary.Total))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&setup, "setup", false, "open a visible browser for a manual login and save the session")
	cmd.Flags().BoolVar(&visible, "visible", false, "run the batch with a visible browser")
	return cmd
}

// stdinConfirmer ends a manual login when the user presses Enter.
type stdinConfirmer struct {
	in  io.Reader
	out io.Writer
}

func (c *stdinConfirmer) AwaitConfirmation(ctx context.Context) error {
	fmt.Fprintln(c.out, "Press Enter in terminal after you have logged in...")
	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(c.in).ReadString('\n')
		if err == io.EOF {
			err = nil
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
