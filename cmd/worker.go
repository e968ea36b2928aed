package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrich/internal/queue"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Claim and process enrichment jobs until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, envOptions{Queue: true, Browser: true})
		if err != nil {
			return err
		}
		defer env.Close()

		stale := time.Duration(cfg.Queue.StaleAfterSecs) * time.Second
		n, err := env.Queue.ResetStale(ctx, stale)
		if err != nil {
			return err
		}
		if n > 0 {
			zap.L().Info("requeued stale jobs", zap.Int("count", n))
		}

		concurrency := workerConcurrency
		if concurrency == 0 {
			concurrency = cfg.Worker.Concurrency
		}
		poll := time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond

		zap.L().Info("worker started",
			zap.String("queue", cfg.Queue.Driver),
			zap.Int("concurrency", concurrency),
		)
		return queue.Run(ctx, env.Queue, env.Orchestrator.Handle, concurrency, poll)
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "parallel jobs (default from config)")
	rootCmd.AddCommand(migrateCmd, workerCmd)
}
