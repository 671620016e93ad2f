package featurebranch

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iac-studio/featurebranch/internal/octopus"
	appErr "github.com/iac-studio/featurebranch/pkg/errors"
)

func TestLocator_ExactMatch(t *testing.T) {
	f := newFixture(t)
	f.srv.Add(f.spaceID, octopus.Environments, octopus.Document{"Name": "feature-10"})
	f.srv.Add(f.spaceID, octopus.Environments, octopus.Document{"Name": "feature-1x"})
	want := f.srv.Add(f.spaceID, octopus.Environments, octopus.Document{"Name": "feature-1"})

	l := NewLocator(f.client)
	id, found, err := l.Find(context.Background(), f.spaceID, octopus.Environments, "feature-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, want, id)

	t.Run("trims the query", func(t *testing.T) {
		id, found, err := l.Find(context.Background(), f.spaceID, octopus.Environments, "  feature-1 ")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, want, id)
	})

	t.Run("near matches only", func(t *testing.T) {
		_, found, err := l.Find(context.Background(), f.spaceID, octopus.Environments, "feature")
		require.NoError(t, err)
		require.False(t, found)
	})
}

func TestLocator_AbsentSpaceShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.srv.ResetCalls()

	l := NewLocator(f.client)
	id, found, err := l.Find(context.Background(), "", octopus.Environments, "feature-1")
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, id)

	_, found, err = l.FindChannel(context.Background(), f.spaceID, "", "feature-1")
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, f.srv.Calls())
}

func TestLocator_FindSpace(t *testing.T) {
	f := newFixture(t)
	f.srv.AddSpace("Default Copy")

	l := NewLocator(f.client)
	id, found, err := l.FindSpace(context.Background(), "Default")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, f.spaceID, id)

	_, found, err = l.FindSpace(context.Background(), "Missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestLocator_ListFailureIsNotAbsence(t *testing.T) {
	f := newFixture(t)
	f.srv.Fail(http.MethodGet, "/environments", http.StatusInternalServerError, 1)

	l := NewLocator(f.client)
	_, found, err := l.Find(context.Background(), f.spaceID, octopus.Environments, "feature-1")
	require.Error(t, err)
	require.False(t, found)
	require.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
	require.False(t, appErr.IsServerFault(err))
}
