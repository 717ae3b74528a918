package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"syncbridge/internal/service"
)

func newWorkerCmd() *cobra.Command {
	var opts service.RunOptions
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one worker invocation and print its result",
		Long: "Drains pending tasks until none are left or the runtime budget is spent. " +
			"Continuations are chained over HTTP when worker.trigger_url is set.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			a.useTrigger(a.httpTrigger())

			res := a.worker.Run(ctx, opts)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&opts.JobID, "job-id", "", "only claim tasks of this job")
	cmd.Flags().IntVar(&opts.MaxTasks, "max-tasks", 0, "stop after this many tasks (0 = no cap)")
	return cmd
}
