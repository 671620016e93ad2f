package octopus_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iac-studio/featurebranch/internal/octopus"
	"github.com/iac-studio/featurebranch/internal/octopus/octopustest"
	appErr "github.com/iac-studio/featurebranch/pkg/errors"
)

func newClient(t *testing.T, opts ...octopus.Option) (*octopus.Client, *octopustest.Server, string) {
	t.Helper()
	srv := octopustest.NewServer()
	t.Cleanup(srv.Close)
	spaceID := srv.AddSpace("Default")
	c, err := octopus.New(srv.URL+"/", octopustest.APIKey, opts...)
	require.NoError(t, err)
	return c, srv, spaceID
}

func TestNew(t *testing.T) {
	_, err := octopus.New("  ", "key")
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))

	c, err := octopus.New("octopus.example.com", "key")
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestClient_SendsAPIKey(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Octopus-ApiKey")
		_, _ = w.Write([]byte(`{"Items":[]}`))
	}))
	defer srv.Close()

	c, err := octopus.New(srv.URL, " API-123 ")
	require.NoError(t, err)
	_, err = c.List(context.Background(), octopus.SpacesPath, "Default")
	require.NoError(t, err)
	assert.Equal(t, "API-123", got)
}

func TestClient_ListSendsPrefilterAndCap(t *testing.T) {
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		_, _ = w.Write([]byte(`{"Items":[{"Id":"Environments-1","Name":"feature-1"},{"Id":"Environments-2","Name":"feature-10"}]}`))
	}))
	defer srv.Close()

	c, err := octopus.New(srv.URL, "key")
	require.NoError(t, err)
	items, err := c.List(context.Background(), octopus.SpacePath("Spaces-1", octopus.Environments), " feature-1 ")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "feature-1", query.Get("partialName"))
	assert.Equal(t, "1000", query.Get("take"))
	assert.Equal(t, octopus.Item{ID: "Environments-1", Name: "feature-1"}, items[0])
}

func TestClient_CreateGetUpdateDelete(t *testing.T) {
	c, srv, spaceID := newClient(t)
	ctx := context.Background()
	path := octopus.SpacePath(spaceID, octopus.Environments)

	var created octopus.Item
	require.NoError(t, c.Create(ctx, path, octopus.Environment{Name: "feature-1"}, &created))
	require.NotEmpty(t, created.ID)

	var doc octopus.Document
	require.NoError(t, c.Get(ctx, octopus.SpacePath(spaceID, octopus.Environments, created.ID), &doc))
	require.Equal(t, "feature-1", doc["Name"])

	doc["Description"] = "branch"
	require.NoError(t, c.Update(ctx, octopus.SpacePath(spaceID, octopus.Environments, created.ID), doc))
	stored, _ := srv.Doc(spaceID, octopus.Environments, created.ID)
	require.Equal(t, "branch", stored["Description"])

	require.NoError(t, c.Delete(ctx, octopus.SpacePath(spaceID, octopus.Environments, created.ID)))
	_, ok := srv.Doc(spaceID, octopus.Environments, created.ID)
	require.False(t, ok)
}

func TestClient_FaultCodes(t *testing.T) {
	c, srv, spaceID := newClient(t)
	ctx := context.Background()
	path := octopus.SpacePath(spaceID, octopus.Environments)

	srv.Fail(http.MethodGet, "/environments", http.StatusInternalServerError, 1)
	_, err := c.List(ctx, path, "feature-1")
	require.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
	require.False(t, appErr.IsServerFault(err))

	srv.Fail(http.MethodPost, "/environments", http.StatusBadRequest, 1)
	err = c.Create(ctx, path, octopus.Environment{Name: "feature-1"}, nil)
	require.True(t, appErr.IsServerFault(err))
	var apiErr octopus.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.Status)
	require.Equal(t, "injected fault", apiErr.Message)

	var ae *appErr.AppError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, http.StatusBadRequest, ae.Meta["status"])
	require.Equal(t, http.MethodPost, ae.Meta["method"])

	err = c.Delete(ctx, octopus.SpacePath(spaceID, octopus.Environments, "Environments-404"))
	require.True(t, appErr.IsServerFault(err))
}

func TestClient_RecoversAfterFaultsClear(t *testing.T) {
	c, srv, spaceID := newClient(t)
	ctx := context.Background()
	path := octopus.SpacePath(spaceID, octopus.Environments)

	srv.Fail(http.MethodGet, "/environments", http.StatusInternalServerError, -1)
	for i := 0; i < 2; i++ {
		_, err := c.List(ctx, path, "feature-1")
		require.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
	}

	srv.ClearFaults()
	_, err := c.List(ctx, path, "feature-1")
	require.NoError(t, err)
}

func TestClient_RejectsWrongKey(t *testing.T) {
	srv := octopustest.NewServer()
	defer srv.Close()
	c, err := octopus.New(srv.URL, "API-WRONG")
	require.NoError(t, err)

	_, err = c.List(context.Background(), octopus.SpacesPath, "Default")
	var apiErr octopus.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestClient_Action(t *testing.T) {
	c, srv, spaceID := newClient(t)
	_, taskID := srv.AddDeployment(spaceID, "Projects-1", "Channels-1", 1)

	err := c.Action(context.Background(), octopus.SpacePath(spaceID, octopus.Tasks, taskID), "cancel")
	require.NoError(t, err)

	task, _ := srv.Doc(spaceID, octopus.Tasks, taskID)
	require.Equal(t, true, task["IsCompleted"])
	require.Equal(t, 1, srv.CountCalls(http.MethodPost, "/tasks/"+taskID+"/cancel"))
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	c, _, _ := newClient(t, octopus.WithRateLimit(0.001, 1))
	ctx := context.Background()

	_, err := c.List(ctx, octopus.SpacesPath, "Default")
	require.NoError(t, err)

	// The burst is spent; the next request would wait far longer than the deadline.
	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = c.List(ctx, octopus.SpacesPath, "Default")
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
}

func TestSpacePath(t *testing.T) {
	assert.Equal(t, "/api/Spaces-1/projects/Projects-1/channels", octopus.ChannelsPath("Spaces-1", "Projects-1"))
	assert.Equal(t, "/api/Spaces-1/environments/a%2Fb", octopus.SpacePath("Spaces-1", octopus.Environments, "a/b"))
}

func TestDocumentStrings(t *testing.T) {
	d := octopus.Document{"EnvironmentIds": []any{"Environments-1", 3, "Environments-2"}}
	require.Equal(t, []string{"Environments-1", "Environments-2"}, d.Strings("EnvironmentIds"))

	d.SetStrings("EnvironmentIds", nil)
	require.Empty(t, d.Strings("EnvironmentIds"))
	require.Empty(t, octopus.Document{}.Strings("missing"))
}
