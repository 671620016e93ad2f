package main

import (
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/iac-studio/featurebranch/internal/queue/tasks"
	appErr "github.com/iac-studio/featurebranch/pkg/errors"
	"github.com/iac-studio/featurebranch/pkg/logger"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue the branch run for the worker instead of running it here",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := setup(cmd)
		if err != nil {
			return err
		}
		if cfg.RedisAddr == "" {
			return appErr.New(appErr.CodeInvalid, "REDIS_ADDR is required to enqueue")
		}
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		defer func() {
			if err := client.Close(); err != nil {
				logger.L().Warn("close queue client failed")
			}
		}()

		info, err := tasks.Enqueue(cmd.Context(), client, action, requestFrom(cfg, branchName),
			asynq.MaxRetry(cfg.RetryMaxAttempts-1),
			asynq.Timeout(cfg.RetryMaxElapsed+time.Minute),
		)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write([]byte(info.ID + "\n"))
		return err
	},
}
