// Package featurebranch provisions and tears down the environment, lifecycle
// and channel that back a feature branch on an Octopus server.
//
// Every step looks a resource up by name before creating or deleting it, so a
// run that fails partway can be repeated from the start. Runner relies on this
// and retries whole runs rather than single steps.
package featurebranch

import (
	"context"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iac-studio/featurebranch/internal/octopus"
	appErr "github.com/iac-studio/featurebranch/pkg/errors"
	"github.com/iac-studio/featurebranch/pkg/logger"
)

// API is the resource protocol the workflow consumes. *octopus.Client implements it.
type API interface {
	List(ctx context.Context, path, partialName string) ([]octopus.Item, error)
	Query(ctx context.Context, path string, q url.Values, v any) error
	Get(ctx context.Context, path string, v any) error
	Create(ctx context.Context, path string, body, v any) error
	Update(ctx context.Context, path string, body any) error
	Delete(ctx context.Context, path string) error
	Action(ctx context.Context, path, action string) error
}

var _ API = (*octopus.Client)(nil)

// Request names the branch and the scope it lives in.
type Request struct {
	Space       string `json:"space" validate:"required"`
	Project     string `json:"project" validate:"required"`
	Branch      string `json:"branch" validate:"required"`
	StepName    string `json:"step_name"`
	PackageName string `json:"package_name"`
	// Target is an optional deployment target to attach the branch environment to.
	Target string `json:"target,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (r Request) normalized() Request {
	r.Space = strings.TrimSpace(r.Space)
	r.Project = strings.TrimSpace(r.Project)
	r.Branch = strings.TrimSpace(r.Branch)
	r.StepName = strings.TrimSpace(r.StepName)
	r.PackageName = strings.TrimSpace(r.PackageName)
	r.Target = strings.TrimSpace(r.Target)
	return r
}

func (r Request) validate(provisioning bool) error {
	if err := validate.Struct(r); err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "invalid branch request")
	}
	if provisioning && (r.StepName == "" || r.PackageName == "") {
		return appErr.New(appErr.CodeInvalid, "deployment step and package names are required to provision a branch")
	}
	return nil
}

// Result lists the identifiers a provisioning run converged on.
type Result struct {
	RunID         string `json:"run_id"`
	SpaceID       string `json:"space_id,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
	EnvironmentID string `json:"environment_id,omitempty"`
	LifecycleID   string `json:"lifecycle_id,omitempty"`
	ChannelID     string `json:"channel_id,omitempty"`
	TargetUpdated bool   `json:"target_updated"`
}

// TeardownResult summarises what a teardown run removed.
type TeardownResult struct {
	RunID              string `json:"run_id"`
	SpaceID            string `json:"space_id,omitempty"`
	ProjectID          string `json:"project_id,omitempty"`
	CancelledTasks     int    `json:"cancelled_tasks"`
	PollRounds         int    `json:"poll_rounds"`
	DeletedReleases    int    `json:"deleted_releases"`
	ChannelDeleted     bool   `json:"channel_deleted"`
	LifecycleDeleted   bool   `json:"lifecycle_deleted"`
	TargetUnassigned   bool   `json:"target_unassigned"`
	EnvironmentDeleted bool   `json:"environment_deleted"`
}

type runIDKey struct{}

// WithRunID tags ctx so every log line of a run carries the same id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run id stored in ctx.
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

func ensureRunID(ctx context.Context) context.Context {
	if RunID(ctx) != "" {
		return ctx
	}
	return WithRunID(ctx, uuid.NewString())
}

func logFor(ctx context.Context) *zap.Logger {
	if id := RunID(ctx); id != "" {
		return logger.L().With(zap.String("run_id", id))
	}
	return logger.L()
}
