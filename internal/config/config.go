// Package config resolves the host's endpoint and engine settings from
// flags, environment, and an optional YAML config file. Precedence is
// flag > environment > file > default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// SocketName is the well-known endpoint file name in the temp directory.
const SocketName = "mlx-host.sock"

// ErrInvalid marks configuration validation failures; the CLI maps it to the
// argument-error exit code.
var ErrInvalid = errors.New("invalid config")

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	SocketPath string    `mapstructure:"socket"`
	AuthToken  string    `mapstructure:"auth_token"`
	Device     string    `mapstructure:"device"`
	ModelsDir  string    `mapstructure:"models_dir"`
	Log        LogConfig `mapstructure:"log"`
}

type LoadOptions struct {
	// ConfigFile, when non-empty, is read as YAML.
	ConfigFile string

	// Socket is the --socket flag value; it wins over SOCKET_PATH.
	Socket string
}

// Load resolves the configuration. A .env file in the working directory is
// applied to the process environment first, blab-style, so SOCKET_PATH and
// friends can live there during development.
func Load(opts LoadOptions) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	_ = v.BindEnv("socket", "SOCKET_PATH")
	_ = v.BindEnv("auth_token", "AUTH_TOKEN")
	_ = v.BindEnv("device", "DEVICE")
	_ = v.BindEnv("models_dir", "MLXHOST_MODELS_DIR")

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, opts.ConfigFile, err)
		}
	}

	// GetString honors BindEnv for keys absent from the file; Unmarshal does
	// not, so the fields are read out explicitly.
	cfg := Config{
		SocketPath: v.GetString("socket"),
		AuthToken:  v.GetString("auth_token"),
		Device:     v.GetString("device"),
		ModelsDir:  v.GetString("models_dir"),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if opts.Socket != "" {
		cfg.SocketPath = opts.Socket
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath()
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = DefaultModelsDir()
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Device {
	case "", "cpu", "gpu":
	default:
		return fmt.Errorf("%w: device must be cpu or gpu, got %q", ErrInvalid, c.Device)
	}
	if c.SocketPath == "" {
		return fmt.Errorf("%w: socket path is empty", ErrInvalid)
	}
	return nil
}

// DefaultSocketPath is the host's well-known endpoint.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), SocketName)
}

// SpawnSocketPath is the per-client endpoint a spawning client defaults to,
// parameterized by its own pid so concurrent clients do not collide.
func SpawnSocketPath(pid int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("mlx-host-%d.sock", pid))
}

func DefaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mlxhost-models")
	}
	return filepath.Join(home, ".cache", "mlxhost", "models")
}
