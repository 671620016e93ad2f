package featurebranch

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	"github.com/iac-studio/featurebranch/internal/octopus"
	appErr "github.com/iac-studio/featurebranch/pkg/errors"
)

// Provisioner creates a resource only when no resource with the same name exists.
type Provisioner struct {
	api     API
	locator *Locator
}

func NewProvisioner(api API, locator *Locator) *Provisioner {
	return &Provisioner{api: api, locator: locator}
}

// Ensure returns the id of the named resource in a space-scoped collection,
// creating it from build() when it is missing. build is only called on the
// create path, so it may depend on ids resolved earlier in the run.
func (p *Provisioner) Ensure(ctx context.Context, spaceID, collection, name string, build func() any) (string, error) {
	if spaceID == "" {
		return "", appErr.New(appErr.CodeInvalid, "space id is required").WithMeta("collection", collection)
	}
	lookup := func(ctx context.Context) (string, bool, error) {
		return p.locator.Find(ctx, spaceID, collection, name)
	}
	return p.ensure(ctx, octopus.SpacePath(spaceID, collection), collection, name, lookup, build)
}

// EnsureEnvironment creates the branch environment.
func (p *Provisioner) EnsureEnvironment(ctx context.Context, spaceID, branch string) (string, error) {
	return p.Ensure(ctx, spaceID, octopus.Environments, branch, func() any {
		return octopus.Environment{Name: branch}
	})
}

// EnsureLifecycle creates a single-phase lifecycle whose only target is the
// branch environment.
func (p *Provisioner) EnsureLifecycle(ctx context.Context, spaceID, environmentID, branch string) (string, error) {
	if environmentID == "" {
		return "", appErr.New(appErr.CodeInvalid, "environment id is required for the lifecycle phase")
	}
	return p.Ensure(ctx, spaceID, octopus.Lifecycles, branch, func() any {
		return LifecycleBody(spaceID, environmentID, branch)
	})
}

// EnsureChannel creates the project channel that routes branch releases
// through the branch lifecycle.
func (p *Provisioner) EnsureChannel(ctx context.Context, spaceID, projectID, lifecycleID, step, pkg, branch string) (string, error) {
	if spaceID == "" || projectID == "" {
		return "", appErr.New(appErr.CodeInvalid, "space and project ids are required for a channel")
	}
	if lifecycleID == "" {
		return "", appErr.New(appErr.CodeInvalid, "lifecycle id is required for a channel")
	}
	lookup := func(ctx context.Context) (string, bool, error) {
		return p.locator.FindChannel(ctx, spaceID, projectID, branch)
	}
	build := func() any {
		return ChannelBody(spaceID, projectID, lifecycleID, step, pkg, branch)
	}
	return p.ensure(ctx, octopus.ChannelsPath(spaceID, projectID), octopus.Channels, branch, lookup, build)
}

func (p *Provisioner) ensure(
	ctx context.Context,
	path, collection, name string,
	lookup func(context.Context) (string, bool, error),
	build func() any,
) (string, error) {
	log := logFor(ctx).With(zap.String("collection", collection), zap.String("name", name))

	id, found, err := lookup(ctx)
	if err != nil {
		return "", err
	}
	if found {
		log.Info("found existing resource", zap.String("id", id))
		return id, nil
	}

	var created octopus.Item
	if err := p.api.Create(ctx, path, build(), &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", appErr.New(appErr.CodeServerCommunication, "create response carried no id").
			WithMeta("path", path)
	}
	log.Info("created resource", zap.String("id", created.ID))
	return created.ID, nil
}

// LifecycleBody is the creation payload for a branch lifecycle.
func LifecycleBody(spaceID, environmentID, branch string) octopus.Lifecycle {
	keep := octopus.RetentionPolicy{ShouldKeepForever: true, QuantityToKeep: 0, Unit: "Days"}
	return octopus.Lifecycle{
		Name:    branch,
		SpaceID: spaceID,
		Phases: []octopus.Phase{{
			Name:                               branch,
			OptionalDeploymentTargets:          []string{environmentID},
			AutomaticDeploymentTargets:         []string{},
			MinimumEnvironmentsBeforePromotion: 0,
			IsOptionalPhase:                    false,
		}},
		ReleaseRetentionPolicy:  keep,
		TentacleRetentionPolicy: keep,
	}
}

// ChannelBody is the creation payload for a branch channel. Its single rule
// matches versions whose tag starts with the branch name and pins pkg to step.
func ChannelBody(spaceID, projectID, lifecycleID, step, pkg, branch string) octopus.Channel {
	return octopus.Channel{
		Name:        branch,
		ProjectID:   projectID,
		SpaceID:     spaceID,
		LifecycleID: lifecycleID,
		IsDefault:   false,
		Rules: []octopus.ChannelRule{{
			Tag:     TagPattern(branch),
			Actions: []string{step},
			ActionPackages: []octopus.ActionPackage{{
				DeploymentAction: step,
				PackageReference: pkg,
			}},
		}},
	}
}

// TagPattern matches pre-release tags prefixed by the branch name.
func TagPattern(branch string) string {
	return "^" + regexp.QuoteMeta(branch) + ".*$"
}
