package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iac-studio/featurebranch/internal/octopus"
	"github.com/iac-studio/featurebranch/internal/octopus/octopustest"
	"github.com/iac-studio/featurebranch/pkg/config"
	appErr "github.com/iac-studio/featurebranch/pkg/errors"
	"github.com/iac-studio/featurebranch/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.InitWriter(io.Discard, "info", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

func testConfig(url string) *config.Config {
	return &config.Config{
		OctopusURL:       url,
		OctopusAPIKey:    octopustest.APIKey,
		Space:            "Default",
		Project:          "web-app",
		StepName:         "Deploy web",
		PackageName:      "web",
		HTTPTimeout:      5 * time.Second,
		RetryMaxAttempts: 1,
		RetryMaxElapsed:  time.Minute,
		RetryDelay:       time.Millisecond,
		TaskPollInterval: time.Millisecond,
		StrictScope:      true,
	}
}

func TestRun_CreateThenDelete(t *testing.T) {
	srv := octopustest.NewServer()
	defer srv.Close()
	spaceID := srv.AddSpace("Default")
	srv.AddProject(spaceID, "web-app")

	cfg := testConfig(srv.URL)
	runner, err := newRunner(cfg)
	require.NoError(t, err)
	req := requestFrom(cfg, "feature-1")

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, runner, "create", req))
	var created map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &created))
	require.NotEmpty(t, created["environment_id"])
	require.NotEmpty(t, created["channel_id"])
	_, ok := srv.Find(spaceID, octopus.Channels, "feature-1")
	require.True(t, ok)

	out.Reset()
	require.NoError(t, run(context.Background(), &out, runner, "Delete", req))
	var deleted map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &deleted))
	require.Equal(t, true, deleted["environment_deleted"])
	_, ok = srv.Find(spaceID, octopus.Environments, "feature-1")
	require.False(t, ok)
}

func TestRun_RejectsUnknownAction(t *testing.T) {
	srv := octopustest.NewServer()
	defer srv.Close()

	runner, err := newRunner(testConfig(srv.URL))
	require.NoError(t, err)

	var out bytes.Buffer
	err = run(context.Background(), &out, runner, "rebuild", requestFrom(testConfig(srv.URL), "feature-1"))
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
	require.Empty(t, out.String())
	require.Empty(t, srv.Calls())
}
