package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yuuki/ntbqp/internal/agent"
	"github.com/yuuki/ntbqp/internal/config"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ntbqp",
		Short: "NTB queue-pair transport node",
		Long: `ntbqp runs the NTB queue-pair transport on a simulated back-to-back
device pair and drives ping-pong traffic over its queue pairs.

Settings come from ntbqp.yaml (., $HOME/.ntbqp, /etc/ntbqp), NTBQP_*
environment variables and flags, in increasing order of precedence.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return fmt.Errorf("error loading configuration: %w", err)
			}

			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			if err := a.Run(context.Background()); err != nil {
				return fmt.Errorf("agent failed: %w", err)
			}
			log.Info().Msg("Agent shut down gracefully")
			return nil
		},
	}
	config.SetupFlags(cmd.Flags())
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "ntbqp.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefaultConfig(path); err != nil {
				return fmt.Errorf("error creating default config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created default configuration at %s\n", path)
			return nil
		},
	})
	return cmd
}
