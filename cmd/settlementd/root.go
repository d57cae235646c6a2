package main

import (
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "settlementd",
		Short: "Interaction settlement and purchase oracle daemon",
	}

	rootCmd.PersistentFlags().String("home", ".", "base directory for config and data")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}
