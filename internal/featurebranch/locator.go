package featurebranch

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/iac-studio/featurebranch/internal/octopus"
)

// Locator resolves names to server ids. A missing resource is reported as
// found == false with a nil error; only failed requests return errors.
type Locator struct {
	api API
}

func NewLocator(api API) *Locator {
	return &Locator{api: api}
}

// FindSpace resolves a space name. Spaces are the only global collection.
func (l *Locator) FindSpace(ctx context.Context, name string) (string, bool, error) {
	return l.find(ctx, octopus.SpacesPath, "spaces", name)
}

// Find resolves name within a space-scoped collection. An empty spaceID
// short-circuits to not found without a request.
func (l *Locator) Find(ctx context.Context, spaceID, collection, name string) (string, bool, error) {
	if spaceID == "" {
		return "", false, nil
	}
	return l.find(ctx, octopus.SpacePath(spaceID, collection), collection, name)
}

// FindChannel resolves a channel inside a project.
func (l *Locator) FindChannel(ctx context.Context, spaceID, projectID, name string) (string, bool, error) {
	if spaceID == "" || projectID == "" {
		return "", false, nil
	}
	return l.find(ctx, octopus.ChannelsPath(spaceID, projectID), octopus.Channels, name)
}

func (l *Locator) find(ctx context.Context, path, collection, name string) (string, bool, error) {
	want := strings.TrimSpace(name)
	items, err := l.api.List(ctx, path, want)
	if err != nil {
		return "", false, err
	}
	// partialName is only a prefilter; "feature-1" also returns "feature-10".
	for _, it := range items {
		if it.Name == want {
			return it.ID, true, nil
		}
	}
	logFor(ctx).Debug("resource not found",
		zap.String("collection", collection),
		zap.String("name", want),
		zap.Int("candidates", len(items)),
	)
	return "", false, nil
}
