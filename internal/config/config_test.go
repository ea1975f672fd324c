package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ikoma.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "ikoma.db", cfg.DatabasePath)
	assert.Equal(t, 30*time.Second, cfg.Reconcile.Interval.Std())
	assert.Equal(t, 60*time.Second, cfg.Reconcile.ClaimTimeout.Std())
	assert.Equal(t, 120*time.Second, cfg.Reconcile.HeartbeatTimeout.Std())
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
databasePath: /var/lib/ikoma/ikoma.db
adminKey: secret
logLevel: debug
logFormat: json
reconcile:
  interval: 10s
  claimTimeout: 30
  heartbeatTimeout: 1m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "/var/lib/ikoma/ikoma.db", cfg.DatabasePath)
	assert.Equal(t, "secret", cfg.AdminKey)
	assert.Equal(t, 10*time.Second, cfg.Reconcile.Interval.Std())
	assert.Equal(t, 30*time.Second, cfg.Reconcile.ClaimTimeout.Std(), "bare numbers parse as seconds")
	assert.Equal(t, time.Minute, cfg.Reconcile.HeartbeatTimeout.Std())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
adminKey: from-file
`)
	t.Setenv("IKOMA_ADMIN_KEY", "from-env")
	t.Setenv("IKOMA_RECONCILE_INTERVAL_SEC", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen, "file value survives where env is unset")
	assert.Equal(t, "from-env", cfg.AdminKey)
	assert.Equal(t, 5*time.Second, cfg.Reconcile.Interval.Std())
}

func TestLoad_Rejections(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad log level", "logLevel: loud"},
		{"bad log format", "logFormat: xml"},
		{"bad duration", "reconcile:\n  interval: soon"},
		{"empty db path", `databasePath: ""`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
