package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/iac-studio/featurebranch/internal/featurebranch"
	appErr "github.com/iac-studio/featurebranch/pkg/errors"
	"github.com/iac-studio/featurebranch/pkg/logger"
)

// Task types served by the worker.
const (
	TypeProvision = "branch:provision"
	TypeTeardown  = "branch:teardown"
)

// BranchPayload is the task payload for provision/teardown tasks. Empty fields
// fall back to the worker's configured defaults.
type BranchPayload = featurebranch.Request

// NewProvisionTask builds a task that provisions the branch described by p.
func NewProvisionTask(p BranchPayload, opts ...asynq.Option) (*asynq.Task, error) {
	return newBranchTask(TypeProvision, p, opts...)
}

// NewTeardownTask builds a task that removes the branch described by p.
func NewTeardownTask(p BranchPayload, opts ...asynq.Option) (*asynq.Task, error) {
	return newBranchTask(TypeTeardown, p, opts...)
}

func newBranchTask(typename string, p BranchPayload, opts ...asynq.Option) (*asynq.Task, error) {
	if p.Branch == "" {
		return nil, appErr.New(appErr.CodeInvalid, "branch is required").WithMeta("type", typename)
	}
	pb, err := json.Marshal(p)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "encode task payload")
	}
	return asynq.NewTask(typename, pb, opts...), nil
}

// Enqueuer is the part of *asynq.Client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var _ Enqueuer = (*asynq.Client)(nil)

// Enqueue submits a provision ("create") or teardown ("delete") task.
func Enqueue(ctx context.Context, q Enqueuer, action string, p BranchPayload, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	var (
		task *asynq.Task
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "create":
		task, err = NewProvisionTask(p, opts...)
	case "delete":
		task, err = NewTeardownTask(p, opts...)
	default:
		return nil, appErr.New(appErr.CodeInvalid, "action must be create or delete").WithMeta("action", action)
	}
	if err != nil {
		return nil, err
	}
	info, err := q.EnqueueContext(ctx, task)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "enqueue task").WithMeta("type", task.Type())
	}
	logger.L().Info("enqueued branch task",
		zap.String("type", task.Type()),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
		zap.String("branch", p.Branch),
	)
	return info, nil
}

// BranchRunner runs the provisioning and teardown workflows.
// *featurebranch.Runner implements it.
type BranchRunner interface {
	Provision(ctx context.Context, req featurebranch.Request) (*featurebranch.Result, error)
	Teardown(ctx context.Context, req featurebranch.Request) (*featurebranch.TeardownResult, error)
}

var _ BranchRunner = (*featurebranch.Runner)(nil)

// BranchTaskHandler handles provision and teardown tasks.
type BranchTaskHandler struct {
	runner   BranchRunner
	defaults featurebranch.Request
}

func NewBranchTaskHandler(runner BranchRunner, defaults featurebranch.Request) *BranchTaskHandler {
	return &BranchTaskHandler{runner: runner, defaults: defaults}
}

func (h *BranchTaskHandler) HandleProvision(ctx context.Context, t *asynq.Task) (err error) {
	defer func(start time.Time) { observe(t.Type(), start, err) }(time.Now())

	req, ctx, err := h.decode(ctx, t)
	if err != nil {
		return err
	}
	log := logger.L().With(zap.String("run_id", featurebranch.RunID(ctx)), zap.String("branch", req.Branch))
	log.Info("handling provision task")

	res, err := h.runner.Provision(ctx, req)
	if err != nil {
		log.Error("provision failed", zap.Error(err))
		return retryable(err)
	}
	writeResult(t, res)
	return nil
}

func (h *BranchTaskHandler) HandleTeardown(ctx context.Context, t *asynq.Task) (err error) {
	defer func(start time.Time) { observe(t.Type(), start, err) }(time.Now())

	req, ctx, err := h.decode(ctx, t)
	if err != nil {
		return err
	}
	log := logger.L().With(zap.String("run_id", featurebranch.RunID(ctx)), zap.String("branch", req.Branch))
	log.Info("handling teardown task")

	res, err := h.runner.Teardown(ctx, req)
	if err != nil {
		log.Error("teardown failed", zap.Error(err))
		return retryable(err)
	}
	writeResult(t, res)
	return nil
}

// decode reads the payload, fills blanks from the defaults and tags ctx with
// the asynq task id so worker logs line up with the queue.
func (h *BranchTaskHandler) decode(ctx context.Context, t *asynq.Task) (featurebranch.Request, context.Context, error) {
	var p BranchPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid branch task payload", zap.String("type", t.Type()), zap.Error(err))
		return p, ctx, fmt.Errorf("invalid payload: %w: %w", err, asynq.SkipRetry)
	}
	if id, ok := asynq.GetTaskID(ctx); ok {
		ctx = featurebranch.WithRunID(ctx, id)
	}
	return h.withDefaults(p), ctx, nil
}

func (h *BranchTaskHandler) withDefaults(p BranchPayload) featurebranch.Request {
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&p.Space, h.defaults.Space)
	fill(&p.Project, h.defaults.Project)
	fill(&p.StepName, h.defaults.StepName)
	fill(&p.PackageName, h.defaults.PackageName)
	fill(&p.Target, h.defaults.Target)
	return p
}

// retryable leaves server faults to asynq's retry schedule. Anything else
// would fail the same way again.
func retryable(err error) error {
	if appErr.IsServerFault(err) {
		return err
	}
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

func writeResult(t *asynq.Task, v any) {
	w := t.ResultWriter()
	if w == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		logger.L().Warn("encode task result failed", zap.Error(err))
		return
	}
	if _, err := w.Write(b); err != nil {
		logger.L().Warn("write task result failed", zap.Error(err))
	}
}
