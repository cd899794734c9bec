package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blueprintd",
		Short: "blueprintd - Blueprint lifecycle orchestration engine",
		Long: `blueprintd drives network service blueprints through their lifecycle.

Each blueprint instance has a dedicated worker that runs one operation at a
time through the Init, Build, Configure and Destroy handler lists. Handlers
may hand work to an external executor and suspend until its callback arrives.

Features:
  - Blueprint types declared in a CUE catalog
  - Scripted handlers via Starlark
  - Address range reservations on managed networks
  - Admission policies via Rego
  - Configuration pushes over SSH
  - Snapshots to local disk or S3`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newBlueprintsCommand())
	rootCmd.AddCommand(newNetworksCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newRestoreCommand())

	return rootCmd
}
