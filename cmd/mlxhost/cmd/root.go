package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"mlxhost/internal/config"
	"mlxhost/internal/host"
	"mlxhost/internal/logging"
)

var (
	globalConfigFile string
	globalLogFormat  string
	globalLogLevel   string

	// logLevelVar backs the handler level so the config watcher can retune
	// it while the host runs.
	logLevelVar = new(slog.LevelVar)

	errArgs = errors.New("argument error")
)

func NewRootCmd() *cobra.Command {
	var opts serveOptions

	rootCmd := &cobra.Command{
		Use:           "mlxhost",
		Short:         "Local LLM inference host (framed-JSON RPC over a local socket)",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(logging.Options{
				Level:    globalLogLevel,
				Format:   globalLogFormat,
				LevelVar: logLevelVar,
			})
			if err != nil {
				return fmt.Errorf("%w: %v", errArgs, err)
			}
			cmd.SetContext(logging.WithLogger(cmd.Context(), logger))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	rootCmd.PersistentFlags().StringVar(&globalConfigFile, "config", "", "config file (yaml, optional)")
	rootCmd.PersistentFlags().StringVar(&globalLogFormat, "log-format", "text", "log format: text|json")
	rootCmd.PersistentFlags().StringVar(&globalLogLevel, "log-level", "info", "log level: debug|info|warn|error")

	rootCmd.Flags().StringVar(&opts.Socket, "socket", "", "socket path (default: SOCKET_PATH or temp dir)")
	rootCmd.Flags().StringVar(&opts.ModelsDir, "models-dir", "", "models cache directory")
	rootCmd.Flags().StringVar(&opts.Device, "device", "", "device preference: cpu|gpu")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errArgs, err)
	})

	rootCmd.AddCommand(NewConfigCmd())

	return rootCmd
}

// Execute runs the root command and maps failures to the documented exit
// codes: 1 for bind/listen failures, 2 for argument errors.
func Execute() {
	err := NewRootCmd().Execute()
	if err == nil {
		return
	}
	_, _ = fmt.Fprintln(os.Stderr, err.Error())
	switch {
	case errors.Is(err, errArgs), errors.Is(err, config.ErrInvalid):
		os.Exit(2)
	case errors.Is(err, host.ErrBind):
		os.Exit(1)
	default:
		os.Exit(1)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
