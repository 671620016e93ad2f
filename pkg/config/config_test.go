package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OCTOPUS_URL", "https://octopus.example.com")
	t.Setenv("OCTOPUS_API_KEY", "API-TEST")
	t.Setenv("OCTOPUS_SPACE", "Default")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	c, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, "https://octopus.example.com", c.OctopusURL)
	require.Equal(t, "info", c.LogLevel)
	require.Equal(t, "console", c.LogFormat)
	require.Equal(t, 3, c.RetryMaxAttempts)
	require.Equal(t, 10*time.Second, c.RetryDelay)
	require.Equal(t, 5*time.Minute, c.RetryMaxElapsed)
	require.Equal(t, 10*time.Second, c.TaskPollInterval)
	require.Equal(t, 30*time.Second, c.HTTPTimeout)
	require.True(t, c.StrictScope)
	require.Equal(t, 1, c.AsynqConcurrency)
	require.Equal(t, ":9090", c.MetricsAddr)
}

func TestLoadDurationsFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TASK_POLL_INTERVAL", "250ms")
	t.Setenv("RETRY_DELAY", "1s")
	t.Setenv("STRICT_SCOPE", "false")

	c, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, c.TaskPollInterval)
	require.Equal(t, time.Second, c.RetryDelay)
	require.False(t, c.StrictScope)
}

func TestFlagsOverrideEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OCTOPUS_PROJECT", "from-env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--octopusProject", "from-flag",
		"--targetName", "web-01",
	}))

	c, err := Load(fs)
	require.NoError(t, err)
	require.Equal(t, "from-flag", c.Project)
	require.Equal(t, "web-01", c.Target)
	require.Equal(t, "Default", c.Space)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OCTOPUS_URL", "")

	_, err := Load(nil)
	require.Error(t, err)

	setRequiredEnv(t)
	t.Setenv("LOG_FORMAT", "xml")
	_, err = Load(nil)
	require.Error(t, err)

	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("METRICS_ADDR", "not an address")
	_, err = Load(nil)
	require.Error(t, err)

	t.Setenv("METRICS_ADDR", "")
	t.Setenv("RETRY_DELAY", "soon")
	_, err = Load(nil)
	require.Error(t, err)
}

func TestLoadAcceptsSchemelessURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OCTOPUS_URL", "octopus.example.com")

	c, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, "octopus.example.com", c.OctopusURL)
}
