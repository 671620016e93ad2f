package featurebranch

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	appErr "github.com/iac-studio/featurebranch/pkg/errors"
)

// RetryPolicy bounds Runner. Whichever of MaxAttempts and MaxElapsed is hit
// first ends the retries.
type RetryPolicy struct {
	MaxAttempts int
	MaxElapsed  time.Duration
	Delay       time.Duration
}

// DefaultRetryPolicy is used for zero fields of a policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	MaxElapsed:  5 * time.Minute,
	Delay:       10 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = DefaultRetryPolicy.MaxElapsed
	}
	if p.Delay <= 0 {
		p.Delay = DefaultRetryPolicy.Delay
	}
	return p
}

// Retry runs fn until it succeeds, fails with anything other than a server
// communication fault, or the policy is exhausted. The last fault is returned.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(context.Context) error) error {
	policy = policy.withDefaults()
	b := retry.NewConstant(policy.Delay)
	b = retry.WithMaxDuration(policy.MaxElapsed, b)
	b = retry.WithMaxRetries(uint64(policy.MaxAttempts-1), b)

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil || !appErr.IsServerFault(err) {
			return err
		}
		logFor(ctx).Warn("run failed on a server fault",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Error(err),
		)
		return retry.RetryableError(err)
	})
}

// Runner wraps an Orchestrator and restarts whole runs on server faults.
// Restarting from the top is safe because every step skips work that is
// already done.
type Runner struct {
	orch   *Orchestrator
	policy RetryPolicy
}

func NewRunner(orch *Orchestrator, policy RetryPolicy) *Runner {
	return &Runner{orch: orch, policy: policy.withDefaults()}
}

// Provision runs Orchestrator.Provision under the retry policy.
func (r *Runner) Provision(ctx context.Context, req Request) (*Result, error) {
	ctx = ensureRunID(ctx)
	var res *Result
	err := Retry(ctx, r.policy, "provision", func(ctx context.Context) error {
		var err error
		res, err = r.orch.Provision(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Teardown runs Orchestrator.Teardown under the retry policy.
func (r *Runner) Teardown(ctx context.Context, req Request) (*TeardownResult, error) {
	ctx = ensureRunID(ctx)
	var res *TeardownResult
	err := Retry(ctx, r.policy, "teardown", func(ctx context.Context) error {
		var err error
		res, err = r.orch.Teardown(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
