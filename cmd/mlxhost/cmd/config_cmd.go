package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mlxhost/internal/config"
	"mlxhost/internal/logging"
)

func NewConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect host configuration",
	}

	configCmd.AddCommand(newConfigPathCmd())
	configCmd.AddCommand(newConfigValidateCmd())
	return configCmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the resolved socket path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{ConfigFile: globalConfigFile})
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, cfg.SocketPath)
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	var file string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.FromContext(cmd.Context())
			cfg, err := config.Load(config.LoadOptions{
				ConfigFile: firstNonEmpty(file, globalConfigFile),
			})
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger.Info("config valid", "socket", cfg.SocketPath, "device", cfg.Device)
			fmt.Fprintln(os.Stdout, "ok")
			return nil
		},
	}
	validateCmd.Flags().StringVar(&file, "file", "", "config file path")
	return validateCmd
}
