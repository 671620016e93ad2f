package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/iac-studio/featurebranch/internal/featurebranch"
	"github.com/iac-studio/featurebranch/internal/monitor"
	"github.com/iac-studio/featurebranch/internal/octopus"
	"github.com/iac-studio/featurebranch/internal/queue/tasks"
	"github.com/iac-studio/featurebranch/pkg/config"
	"github.com/iac-studio/featurebranch/pkg/logger"
)

func main() {
	fs := pflag.NewFlagSet("worker", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg := config.MustLoad(fs)
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.RedisAddr == "" {
		log.Fatal("REDIS_ADDR is required by the worker")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	client, err := octopus.New(cfg.OctopusURL, cfg.OctopusAPIKey,
		octopus.WithTimeout(cfg.HTTPTimeout),
		octopus.WithRateLimit(cfg.RequestRate, cfg.RequestBurst),
	)
	if err != nil {
		log.Fatal("invalid octopus client configuration", zap.Error(err))
	}
	orch := featurebranch.NewOrchestrator(client, featurebranch.Options{
		PollInterval: cfg.TaskPollInterval,
		StrictScope:  cfg.StrictScope,
	})
	runner := featurebranch.NewRunner(orch, featurebranch.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		MaxElapsed:  cfg.RetryMaxElapsed,
		Delay:       cfg.RetryDelay,
	})

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		},
		asynq.Config{
			Concurrency: cfg.AsynqConcurrency,
		},
	)

	handler := tasks.NewBranchTaskHandler(runner, featurebranch.Request{
		Space:       cfg.Space,
		Project:     cfg.Project,
		StepName:    cfg.StepName,
		PackageName: cfg.PackageName,
		Target:      cfg.Target,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeProvision, handler.HandleProvision)
	mux.HandleFunc(tasks.TypeTeardown, handler.HandleTeardown)

	errCh := make(chan error, 2)

	tasks.RegisterMetrics()
	var monSrv *http.Server
	if cfg.MetricsAddr != "" {
		monSrv = monitor.NewServer(cfg.MetricsAddr, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		go func() {
			logger.L().Info("monitor server starting", zap.String("addr", cfg.MetricsAddr))
			if err := monSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	go func() {
		logger.L().Info("asynq worker starting", zap.Int("concurrency", cfg.AsynqConcurrency))
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.L().Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.L().Error("worker stopped with error", zap.Error(err))
	}

	// Let in-flight branch runs finish.
	srv.Shutdown()

	if monSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := monSrv.Shutdown(shutdownCtx); err != nil {
			logger.L().Error("monitor server shutdown error", zap.Error(err))
		}
	}
}
