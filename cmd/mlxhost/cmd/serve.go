package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mlxhost/internal/config"
	"mlxhost/internal/host"
	"mlxhost/internal/logging"
	"mlxhost/internal/mockengine"
)

type serveOptions struct {
	Socket    string
	ModelsDir string
	Device    string
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := logging.FromContext(ctx)

	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: globalConfigFile,
		Socket:     opts.Socket,
	})
	if err != nil {
		return err
	}
	cfg.ModelsDir = firstNonEmpty(opts.ModelsDir, cfg.ModelsDir)
	cfg.Device = firstNonEmpty(opts.Device, cfg.Device)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.ModelsDir, 0o755); err != nil {
		return err
	}

	// The built-in engine is the development mock; real deployments link an
	// engine implementing engine.Engine and wire it here.
	eng := mockengine.New(cfg.ModelsDir)
	if cfg.Device != "" {
		logger.Info("device preference", "device", cfg.Device)
	}

	if globalConfigFile != "" {
		go func() {
			_ = config.Watch(ctx, globalConfigFile, logger, func(next *config.Config) {
				logLevelVar.Set(logging.ParseLevel(next.Log.Level))
			})
		}()
	}

	srv := host.New(eng, host.Options{
		SocketPath: cfg.SocketPath,
		AuthToken:  cfg.AuthToken,
	})
	return srv.Run(ctx)
}
