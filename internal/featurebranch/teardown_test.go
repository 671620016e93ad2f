package featurebranch

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iac-studio/featurebranch/internal/octopus"
)

func TestOrchestrator_Teardown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := branchRequest("feature-1")
	req.Target = "web-01"
	machineID := f.srv.AddMachine(f.spaceID, "web-01", "Environments-99")

	prov, err := f.orch.Provision(ctx, req)
	require.NoError(t, err)
	f.srv.AddRelease(f.spaceID, f.projectID, prov.ChannelID, "1.0.0-feature-1.1")
	f.srv.AddRelease(f.spaceID, f.projectID, prov.ChannelID, "1.0.0-feature-1.2")
	otherRelease := f.srv.AddRelease(f.spaceID, f.projectID, "Channels-99", "1.0.0")
	f.srv.ResetCalls()

	res, err := f.orch.Teardown(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 2, res.DeletedReleases)
	require.True(t, res.ChannelDeleted)
	require.True(t, res.LifecycleDeleted)
	require.True(t, res.TargetUnassigned)
	require.True(t, res.EnvironmentDeleted)
	require.Equal(t, 1, res.PollRounds)
	require.Zero(t, res.CancelledTasks)

	for _, c := range []string{octopus.Environments, octopus.Lifecycles, octopus.Channels} {
		_, ok := f.srv.Find(f.spaceID, c, "feature-1")
		require.False(t, ok, c)
	}
	releases := f.srv.Docs(f.spaceID, octopus.Releases)
	require.Len(t, releases, 1)
	require.Equal(t, otherRelease, releases[0].ID())

	m, _ := f.srv.Doc(f.spaceID, octopus.Machines, machineID)
	require.Equal(t, []string{"Environments-99"}, m.Strings("EnvironmentIds"))

	// channel -> lifecycle -> machine update -> environment
	var order []string
	for _, c := range f.srv.Calls() {
		if c.Method == http.MethodDelete || c.Method == http.MethodPut {
			order = append(order, c.Method+" "+c.Path)
		}
	}
	require.Len(t, order, 6)
	require.True(t, strings.Contains(order[2], "/channels/"), order[2])
	require.True(t, strings.Contains(order[3], "/lifecycles/"), order[3])
	require.True(t, strings.HasPrefix(order[4], http.MethodPut), order[4])
	require.True(t, strings.Contains(order[5], "/environments/"), order[5])
}

func TestOrchestrator_TeardownIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Provision(ctx, branchRequest("feature-1"))
	require.NoError(t, err)
	_, err = f.orch.Teardown(ctx, branchRequest("feature-1"))
	require.NoError(t, err)

	f.srv.ResetCalls()
	res, err := f.orch.Teardown(ctx, branchRequest("feature-1"))
	require.NoError(t, err)
	require.False(t, res.ChannelDeleted)
	require.False(t, res.LifecycleDeleted)
	require.False(t, res.EnvironmentDeleted)
	require.Zero(t, f.srv.CountCalls(http.MethodDelete, "/"))
	require.Zero(t, f.srv.CountCalls(http.MethodPost, "/"))
}

func TestOrchestrator_TeardownWaitsForTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prov, err := f.orch.Provision(ctx, branchRequest("feature-1"))
	require.NoError(t, err)
	// Tasks needing 2, 1 and 0 cancellations: rounds cancel 2, then 1, then none.
	_, slow := f.srv.AddDeployment(f.spaceID, f.projectID, prov.ChannelID, 2)
	_, fast := f.srv.AddDeployment(f.spaceID, f.projectID, prov.ChannelID, 1)
	f.srv.AddDeployment(f.spaceID, f.projectID, prov.ChannelID, 0)
	// Deployments on other channels are left alone.
	_, foreign := f.srv.AddDeployment(f.spaceID, f.projectID, "Channels-99", 5)

	res, err := f.orch.Teardown(ctx, branchRequest("feature-1"))
	require.NoError(t, err)
	require.Equal(t, 3, res.PollRounds)
	require.Equal(t, 3, res.CancelledTasks)
	require.True(t, res.ChannelDeleted)

	require.Equal(t, 2, f.srv.CountCalls(http.MethodPost, "/tasks/"+slow+"/cancel"))
	require.Equal(t, 1, f.srv.CountCalls(http.MethodPost, "/tasks/"+fast+"/cancel"))
	require.Zero(t, f.srv.CountCalls(http.MethodPost, "/tasks/"+foreign+"/cancel"))
}

func TestTaskCanceller_CancelActiveTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tc := NewTaskCanceller(f.client, NewLocator(f.client))

	t.Run("missing channel means nothing to cancel", func(t *testing.T) {
		n, err := tc.CancelActiveTasks(ctx, f.spaceID, f.projectID, "feature-1")
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("counts requests, not completions", func(t *testing.T) {
		prov, err := f.orch.Provision(ctx, branchRequest("feature-1"))
		require.NoError(t, err)
		f.srv.AddDeployment(f.spaceID, f.projectID, prov.ChannelID, 3)

		for i := 0; i < 3; i++ {
			n, err := tc.CancelActiveTasks(ctx, f.spaceID, f.projectID, "feature-1")
			require.NoError(t, err)
			require.Equal(t, 1, n)
		}
		n, err := tc.CancelActiveTasks(ctx, f.spaceID, f.projectID, "feature-1")
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("cancel failure surfaces", func(t *testing.T) {
		prov, err := f.orch.Provision(ctx, branchRequest("feature-2"))
		require.NoError(t, err)
		f.srv.AddDeployment(f.spaceID, f.projectID, prov.ChannelID, 1)
		f.srv.Fail(http.MethodPost, "/cancel", http.StatusInternalServerError, 1)

		_, err = tc.CancelActiveTasks(ctx, f.spaceID, f.projectID, "feature-2")
		require.Error(t, err)
	})
}

func TestTaskCanceller_WaitForQuiescenceHonoursContext(t *testing.T) {
	f := newFixture(t)
	prov, err := f.orch.Provision(context.Background(), branchRequest("feature-1"))
	require.NoError(t, err)
	f.srv.AddDeployment(f.spaceID, f.projectID, prov.ChannelID, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tc := NewTaskCanceller(f.client, NewLocator(f.client))
	_, _, err = tc.WaitForQuiescence(ctx, f.spaceID, f.projectID, "feature-1", 0)
	require.ErrorIs(t, err, context.Canceled)
}
