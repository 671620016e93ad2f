package octopus

import (
	"net/url"
	"strings"
)

// Collection names under a space.
const (
	Environments = "environments"
	Lifecycles   = "lifecycles"
	Projects     = "projects"
	Channels     = "channels"
	Machines     = "machines"
	Deployments  = "deployments"
	Releases     = "releases"
	Tasks        = "tasks"
)

// SpacesPath is the only collection that is not scoped by a space.
const SpacesPath = "/api/spaces"

// SpacePath joins escaped segments under /api/{spaceID}.
func SpacePath(spaceID string, segments ...string) string {
	var b strings.Builder
	b.WriteString("/api/")
	b.WriteString(url.PathEscape(spaceID))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// ChannelsPath is the project-scoped channel collection.
func ChannelsPath(spaceID, projectID string) string {
	return SpacePath(spaceID, Projects, projectID, Channels)
}

type Environment struct {
	ID   string `json:"Id,omitempty"`
	Name string `json:"Name"`
}

type RetentionPolicy struct {
	ShouldKeepForever bool   `json:"ShouldKeepForever"`
	QuantityToKeep    int    `json:"QuantityToKeep"`
	Unit              string `json:"Unit"`
}

type Phase struct {
	Name                               string   `json:"Name"`
	OptionalDeploymentTargets          []string `json:"OptionalDeploymentTargets"`
	AutomaticDeploymentTargets         []string `json:"AutomaticDeploymentTargets"`
	MinimumEnvironmentsBeforePromotion int      `json:"MinimumEnvironmentsBeforePromotion"`
	IsOptionalPhase                    bool     `json:"IsOptionalPhase"`
}

type Lifecycle struct {
	ID                      string          `json:"Id,omitempty"`
	Name                    string          `json:"Name"`
	SpaceID                 string          `json:"SpaceId"`
	Phases                  []Phase         `json:"Phases"`
	ReleaseRetentionPolicy  RetentionPolicy `json:"ReleaseRetentionPolicy"`
	TentacleRetentionPolicy RetentionPolicy `json:"TentacleRetentionPolicy"`
}

type ActionPackage struct {
	DeploymentAction string `json:"DeploymentAction"`
	PackageReference string `json:"PackageReference"`
}

type ChannelRule struct {
	Tag            string          `json:"Tag"`
	Actions        []string        `json:"Actions"`
	ActionPackages []ActionPackage `json:"ActionPackages"`
}

type Channel struct {
	ID          string        `json:"Id,omitempty"`
	Name        string        `json:"Name"`
	ProjectID   string        `json:"ProjectId"`
	SpaceID     string        `json:"SpaceId"`
	LifecycleID string        `json:"LifecycleId"`
	IsDefault   bool          `json:"IsDefault"`
	Rules       []ChannelRule `json:"Rules"`
}

type Deployment struct {
	ID        string `json:"Id"`
	TaskID    string `json:"TaskId"`
	ChannelID string `json:"ChannelId"`
	ProjectID string `json:"ProjectId"`
}

type Task struct {
	ID          string `json:"Id"`
	State       string `json:"State"`
	IsCompleted bool   `json:"IsCompleted"`
}

type Release struct {
	ID        string `json:"Id"`
	Version   string `json:"Version"`
	ChannelID string `json:"ChannelId"`
}

// Document is a full resource representation. Updates replace the whole
// document, so fields this package does not model must survive a round trip.
type Document map[string]any

// ID returns the server-assigned identifier.
func (d Document) ID() string {
	s, _ := d["Id"].(string)
	return s
}

// Strings returns a string list field, skipping non-string entries.
func (d Document) Strings(key string) []string {
	raw, _ := d[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// SetStrings replaces a string list field.
func (d Document) SetStrings(key string, values []string) {
	list := make([]any, len(values))
	for i, v := range values {
		list[i] = v
	}
	d[key] = list
}
