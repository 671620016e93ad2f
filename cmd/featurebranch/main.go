package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iac-studio/featurebranch/internal/featurebranch"
	"github.com/iac-studio/featurebranch/internal/octopus"
	"github.com/iac-studio/featurebranch/pkg/config"
	appErr "github.com/iac-studio/featurebranch/pkg/errors"
	"github.com/iac-studio/featurebranch/pkg/logger"
)

var (
	branchName string
	action     string
)

var rootCmd = &cobra.Command{
	Use:   "featurebranch",
	Short: "Create or delete the Octopus resources backing a feature branch",
	Long: `Creates the environment, lifecycle and channel for a feature branch, or
cancels its running deployments and deletes them again.

The run result is printed to stdout as JSON. Logs go to stderr.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := setup(cmd)
		if err != nil {
			return err
		}
		runner, err := newRunner(cfg)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cmd.OutOrStdout(), runner, action, requestFrom(cfg, branchName))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&branchName, "branchName", "", "The name of the branch")
	rootCmd.PersistentFlags().StringVar(&action, "action", "", "create or delete")
	_ = rootCmd.MarkPersistentFlagRequired("branchName")
	_ = rootCmd.MarkPersistentFlagRequired("action")
	config.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(enqueueCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "featurebranch: %v\n", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

// setup loads configuration from the command's flags and the environment and
// initializes the global logger.
func setup(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "load config")
	}
	if _, err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "init logger")
	}
	return cfg, nil
}

func newRunner(cfg *config.Config) (*featurebranch.Runner, error) {
	client, err := octopus.New(cfg.OctopusURL, cfg.OctopusAPIKey,
		octopus.WithTimeout(cfg.HTTPTimeout),
		octopus.WithRateLimit(cfg.RequestRate, cfg.RequestBurst),
	)
	if err != nil {
		return nil, err
	}
	orch := featurebranch.NewOrchestrator(client, featurebranch.Options{
		PollInterval: cfg.TaskPollInterval,
		StrictScope:  cfg.StrictScope,
	})
	return featurebranch.NewRunner(orch, featurebranch.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		MaxElapsed:  cfg.RetryMaxElapsed,
		Delay:       cfg.RetryDelay,
	}), nil
}

func requestFrom(cfg *config.Config, branch string) featurebranch.Request {
	return featurebranch.Request{
		Space:       cfg.Space,
		Project:     cfg.Project,
		Branch:      branch,
		StepName:    cfg.StepName,
		PackageName: cfg.PackageName,
		Target:      cfg.Target,
	}
}

func run(ctx context.Context, out io.Writer, runner *featurebranch.Runner, action string, req featurebranch.Request) error {
	var (
		res any
		err error
	)
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "create":
		res, err = runner.Provision(ctx, req)
	case "delete":
		res, err = runner.Teardown(ctx, req)
	default:
		return appErr.New(appErr.CodeInvalid, "action must be create or delete").WithMeta("action", action)
	}
	if err != nil {
		logger.L().Error("feature branch run failed", zap.String("action", action), zap.Error(err))
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
