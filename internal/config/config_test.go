package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mlxhost/internal/config"
)

func TestLoad_EnvironmentBindings(t *testing.T) {
	t.Setenv("SOCKET_PATH", "/tmp/env.sock")
	t.Setenv("AUTH_TOKEN", "secret")
	t.Setenv("DEVICE", "gpu")

	cfg, err := config.Load(config.LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, "/tmp/env.sock", cfg.SocketPath)
	require.Equal(t, "secret", cfg.AuthToken)
	require.Equal(t, "gpu", cfg.Device)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FlagWinsOverEnvironment(t *testing.T) {
	t.Setenv("SOCKET_PATH", "/tmp/env.sock")

	cfg, err := config.Load(config.LoadOptions{Socket: "/tmp/flag.sock"})
	require.NoError(t, err)
	require.Equal(t, "/tmp/flag.sock", cfg.SocketPath)
}

func TestLoad_DefaultsWhenUnset(t *testing.T) {
	t.Setenv("SOCKET_PATH", "")
	t.Setenv("AUTH_TOKEN", "")
	t.Setenv("DEVICE", "")

	cfg, err := config.Load(config.LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, config.DefaultSocketPath(), cfg.SocketPath)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "socket: /tmp/file.sock\nlog:\n  level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("SOCKET_PATH", "")
	cfg, err := config.Load(config.LoadOptions{ConfigFile: path})
	require.NoError(t, err)
	require.Equal(t, "/tmp/file.sock", cfg.SocketPath)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate_RejectsUnknownDevice(t *testing.T) {
	cfg := &config.Config{SocketPath: "/tmp/x.sock", Device: "tpu"}
	err := cfg.Validate()
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestSpawnSocketPath_UsesPid(t *testing.T) {
	path := config.SpawnSocketPath(1234)
	require.Contains(t, path, "mlx-host-1234.sock")
}
