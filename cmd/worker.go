package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/delivery"
	"github.com/GeminiLight/OverLink/internal/mirror"
	"github.com/GeminiLight/OverLink/internal/observability"
	"github.com/GeminiLight/OverLink/internal/worker"
)

func newWorkerCmd(a *app) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one cloud sync job",
		Long: `Runs the job described by --payload, or by the "payload" environment
variable when the flag is absent, and uploads the PDFs to R2 when its keys
are configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			if !cmd.Flags().Changed("payload") {
				payload = os.Getenv("payload")
			}

			driver, err := a.driver()
			if err != nil {
				return err
			}
			resolver := a.resolver()
			svc := mirror.NewService(a.cfg, driver, nil, resolver)

			opts := []worker.Option{
				worker.WithWorkDir(a.cfg.Paths.WorkDir),
				worker.WithConcurrency(a.cfg.Batch.Concurrency),
				worker.WithLogger(logger),
			}
			if a.cfg.Delivery.R2.Enabled() {
				sink, err := delivery.NewR2Sink(ctx, a.cfg.Delivery.R2)
				if err != nil {
					return err
				}
				opts = append(opts, worker.WithSink(sink))
			}

			report, err := worker.New(svc, resolver, a.cfg.Paths.AuthFile, opts...).Run(ctx, payload)
			logger.Info("Worker finished.",
				zap.String("job_id", report.JobID),
				zap.Int("downloaded", report.Downloaded),
				zap.Int("uploaded", report.Uploaded),
				zap.Int("upload_failures", report.PartialFailures),
			)
			for _, p := range report.Projects {
				status := "ok"
				switch {
				case !p.Downloaded:
					status = "failed"
				case p.Error != "":
					status = "downloaded, not uploaded"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s.pdf: %s\n", p.Filename, status)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "job payload JSON (default: $payload)")
	return cmd
}
