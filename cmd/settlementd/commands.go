package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/perknet/settlement-node/config"
)

// Overridden at build time with -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to the home directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			home, err := cmd.Flags().GetString("home")
			if err != nil {
				return err
			}
			cfg, err := config.LoadDefault()
			if err != nil {
				return err
			}
			if err := config.Save(cfg, home); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config under %s\n", home)
			return nil
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the settlement node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			home, err := cmd.Flags().GetString("home")
			if err != nil {
				return err
			}
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			return runNode(cmd.Context(), cfg)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print settlementd version info",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nCommit:  %s\n", version, commit)
		},
	}
}
