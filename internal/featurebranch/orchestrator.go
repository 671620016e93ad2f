package featurebranch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iac-studio/featurebranch/internal/octopus"
	appErr "github.com/iac-studio/featurebranch/pkg/errors"
)

// Options tune an Orchestrator.
type Options struct {
	// PollInterval separates task cancellation rounds during teardown.
	PollInterval time.Duration
	// StrictScope fails a run before any mutation when the space or project
	// cannot be resolved. Otherwise the dependent steps are skipped.
	StrictScope bool
}

// Orchestrator runs the provisioning and teardown sequences once.
type Orchestrator struct {
	api         API
	locator     *Locator
	provisioner *Provisioner
	binder      *TargetBinder
	tasks       *TaskCanceller
	opts        Options
}

func NewOrchestrator(api API, opts Options) *Orchestrator {
	locator := NewLocator(api)
	return &Orchestrator{
		api:         api,
		locator:     locator,
		provisioner: NewProvisioner(api, locator),
		binder:      NewTargetBinder(api, locator),
		tasks:       NewTaskCanceller(api, locator),
		opts:        opts,
	}
}

// resolveScope looks up the space and project ids. In lenient mode a missing
// space or project yields empty ids and a nil error.
func (o *Orchestrator) resolveScope(ctx context.Context, req Request) (spaceID, projectID string, err error) {
	log := logFor(ctx)

	spaceID, found, err := o.locator.FindSpace(ctx, req.Space)
	if err != nil {
		return "", "", err
	}
	if !found {
		if o.opts.StrictScope {
			return "", "", appErr.New(appErr.CodeNotFound, "space not found").WithMeta("space", req.Space)
		}
		log.Warn("space not found, nothing will be changed", zap.String("space", req.Space))
		return "", "", nil
	}

	projectID, found, err = o.locator.Find(ctx, spaceID, octopus.Projects, req.Project)
	if err != nil {
		return "", "", err
	}
	if !found {
		if o.opts.StrictScope {
			return "", "", appErr.New(appErr.CodeNotFound, "project not found").
				WithMeta("space", req.Space).
				WithMeta("project", req.Project)
		}
		log.Warn("project not found, project scoped steps will be skipped", zap.String("project", req.Project))
	}
	return spaceID, projectID, nil
}

// Provision runs ResolveSpace, ResolveProject, EnsureEnvironment,
// EnsureLifecycle, EnsureChannel and the optional target binding in order.
// Each step reuses what already exists, so a failed run can simply be repeated.
func (o *Orchestrator) Provision(ctx context.Context, req Request) (*Result, error) {
	req = req.normalized()
	if err := req.validate(true); err != nil {
		return nil, err
	}
	ctx = ensureRunID(ctx)
	log := logFor(ctx).With(zap.String("branch", req.Branch))
	res := &Result{RunID: RunID(ctx)}

	spaceID, projectID, err := o.resolveScope(ctx, req)
	if err != nil {
		return nil, err
	}
	res.SpaceID, res.ProjectID = spaceID, projectID
	if spaceID == "" {
		return res, nil
	}

	if res.EnvironmentID, err = o.provisioner.EnsureEnvironment(ctx, spaceID, req.Branch); err != nil {
		return nil, err
	}
	if res.LifecycleID, err = o.provisioner.EnsureLifecycle(ctx, spaceID, res.EnvironmentID, req.Branch); err != nil {
		return nil, err
	}
	if projectID != "" {
		res.ChannelID, err = o.provisioner.EnsureChannel(ctx, spaceID, projectID, res.LifecycleID, req.StepName, req.PackageName, req.Branch)
		if err != nil {
			return nil, err
		}
	}
	if req.Target != "" {
		if res.TargetUpdated, err = o.binder.Assign(ctx, spaceID, res.EnvironmentID, req.Target); err != nil {
			return nil, err
		}
	}

	log.Info("feature branch provisioned",
		zap.String("environment_id", res.EnvironmentID),
		zap.String("lifecycle_id", res.LifecycleID),
		zap.String("channel_id", res.ChannelID),
	)
	return res, nil
}

// Teardown cancels the branch's running tasks and waits for them to stop,
// then deletes releases, the channel, the lifecycle, the target binding and
// the environment. Channel and lifecycle reference the environment, so they
// go first. Missing resources are skipped.
func (o *Orchestrator) Teardown(ctx context.Context, req Request) (*TeardownResult, error) {
	req = req.normalized()
	if err := req.validate(false); err != nil {
		return nil, err
	}
	ctx = ensureRunID(ctx)
	log := logFor(ctx).With(zap.String("branch", req.Branch))
	res := &TeardownResult{RunID: RunID(ctx)}

	spaceID, projectID, err := o.resolveScope(ctx, req)
	if err != nil {
		return nil, err
	}
	res.SpaceID, res.ProjectID = spaceID, projectID
	if spaceID == "" {
		return res, nil
	}

	if projectID != "" {
		res.PollRounds, res.CancelledTasks, err = o.tasks.WaitForQuiescence(ctx, spaceID, projectID, req.Branch, o.opts.PollInterval)
		if err != nil {
			return nil, err
		}
		if res.DeletedReleases, err = o.deleteReleases(ctx, spaceID, projectID, req.Branch); err != nil {
			return nil, err
		}
		if res.ChannelDeleted, err = o.deleteChannel(ctx, spaceID, projectID, req.Branch); err != nil {
			return nil, err
		}
	}
	if res.LifecycleDeleted, err = o.deleteNamed(ctx, spaceID, octopus.Lifecycles, req.Branch); err != nil {
		return nil, err
	}
	if res.TargetUnassigned, err = o.binder.Unassign(ctx, spaceID, req.Branch, req.Target); err != nil {
		return nil, err
	}
	if res.EnvironmentDeleted, err = o.deleteNamed(ctx, spaceID, octopus.Environments, req.Branch); err != nil {
		return nil, err
	}

	log.Info("feature branch removed",
		zap.Int("cancelled_tasks", res.CancelledTasks),
		zap.Int("deleted_releases", res.DeletedReleases),
		zap.Bool("channel_deleted", res.ChannelDeleted),
		zap.Bool("lifecycle_deleted", res.LifecycleDeleted),
		zap.Bool("environment_deleted", res.EnvironmentDeleted),
	)
	return res, nil
}

func (o *Orchestrator) deleteReleases(ctx context.Context, spaceID, projectID, branch string) (int, error) {
	channelID, found, err := o.locator.FindChannel(ctx, spaceID, projectID, branch)
	if err != nil || !found {
		return 0, err
	}
	var page struct {
		Items []octopus.Release `json:"Items"`
	}
	if err := o.api.Query(ctx, octopus.SpacePath(spaceID, octopus.Channels, channelID, octopus.Releases), nil, &page); err != nil {
		return 0, err
	}
	deleted := 0
	for _, r := range page.Items {
		if err := o.api.Delete(ctx, octopus.SpacePath(spaceID, octopus.Releases, r.ID)); err != nil {
			return deleted, err
		}
		logFor(ctx).Info("deleted release", zap.String("release_id", r.ID), zap.String("version", r.Version))
		deleted++
	}
	return deleted, nil
}

func (o *Orchestrator) deleteChannel(ctx context.Context, spaceID, projectID, branch string) (bool, error) {
	channelID, found, err := o.locator.FindChannel(ctx, spaceID, projectID, branch)
	if err != nil || !found {
		return false, err
	}
	if err := o.api.Delete(ctx, octopus.SpacePath(spaceID, octopus.Projects, projectID, octopus.Channels, channelID)); err != nil {
		return false, err
	}
	logFor(ctx).Info("deleted resource", zap.String("collection", octopus.Channels), zap.String("id", channelID))
	return true, nil
}

func (o *Orchestrator) deleteNamed(ctx context.Context, spaceID, collection, name string) (bool, error) {
	id, found, err := o.locator.Find(ctx, spaceID, collection, name)
	if err != nil || !found {
		return false, err
	}
	if err := o.api.Delete(ctx, octopus.SpacePath(spaceID, collection, id)); err != nil {
		return false, err
	}
	logFor(ctx).Info("deleted resource", zap.String("collection", collection), zap.String("id", id))
	return true, nil
}
