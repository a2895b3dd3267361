package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("command_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "instancer",
		Short:         "Per-user dynamic challenge instance manager",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return nil
			}
			if err := os.Setenv("INSTANCER_CONFIG_FILE", configFile); err != nil {
				return fmt.Errorf("set config file: %w", err)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (overrides INSTANCER_CONFIG_FILE)")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(reconcileCmd())
	cmd.AddCommand(sweepCmd())
	cmd.AddCommand(portsCmd())
	cmd.AddCommand(instancesCmd())
	return cmd
}
