package featurebranch

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/iac-studio/featurebranch/internal/octopus"
)

const environmentIDsField = "EnvironmentIds"

// TargetBinder adds or removes an environment from a deployment target.
//
// Updates rewrite the whole machine document. Two runs touching the same
// target at the same time can lose one of the edits; the server offers no
// version check on this endpoint.
type TargetBinder struct {
	api     API
	locator *Locator
}

func NewTargetBinder(api API, locator *Locator) *TargetBinder {
	return &TargetBinder{api: api, locator: locator}
}

// Assign adds environmentID to the target's environments. It reports whether
// the target was changed.
func (b *TargetBinder) Assign(ctx context.Context, spaceID, environmentID, targetName string) (bool, error) {
	if targetName == "" || environmentID == "" {
		return false, nil
	}
	return b.mutate(ctx, spaceID, targetName, environmentID, func(ids []string) ([]string, bool) {
		if slices.Contains(ids, environmentID) {
			return ids, false
		}
		return append(ids, environmentID), true
	})
}

// Unassign removes the branch environment, looked up by name, from the target.
func (b *TargetBinder) Unassign(ctx context.Context, spaceID, environmentName, targetName string) (bool, error) {
	if targetName == "" {
		return false, nil
	}
	environmentID, found, err := b.locator.Find(ctx, spaceID, octopus.Environments, environmentName)
	if err != nil || !found {
		return false, err
	}
	return b.mutate(ctx, spaceID, targetName, environmentID, func(ids []string) ([]string, bool) {
		if !slices.Contains(ids, environmentID) {
			return ids, false
		}
		return slices.DeleteFunc(ids, func(id string) bool { return id == environmentID }), true
	})
}

func (b *TargetBinder) mutate(
	ctx context.Context,
	spaceID, targetName, environmentID string,
	change func([]string) ([]string, bool),
) (bool, error) {
	log := logFor(ctx).With(zap.String("target", targetName), zap.String("environment_id", environmentID))

	machineID, found, err := b.locator.Find(ctx, spaceID, octopus.Machines, targetName)
	if err != nil {
		return false, err
	}
	if !found {
		log.Warn("deployment target not found, skipping")
		return false, nil
	}

	path := octopus.SpacePath(spaceID, octopus.Machines, machineID)
	var machine octopus.Document
	if err := b.api.Get(ctx, path, &machine); err != nil {
		return false, err
	}
	ids, changed := change(machine.Strings(environmentIDsField))
	if !changed {
		log.Info("deployment target already in desired state")
		return false, nil
	}
	machine.SetStrings(environmentIDsField, ids)
	if err := b.api.Update(ctx, path, machine); err != nil {
		return false, err
	}
	log.Info("updated deployment target environments", zap.Strings("environment_ids", ids))
	return true, nil
}
