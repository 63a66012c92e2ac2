package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	userID     string
	jsonOutput bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "dockyard",
		Short: "Dockyard - container deployments on your own servers",
		Long: `Dockyard registers local and remote servers, groups deployable resources
under projects and environments, and drives each resource through a
deploy/stop/remove lifecycle on the chosen server's Docker engine.

Resources:
  - Services, websites and plain Docker images
  - Git repositories, built from their Dockerfile when present
  - Compose stacks
  - Databases (postgres, mysql, mariadb, mongodb, redis)`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default $DOCKYARD_CONFIG)")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", os.Getenv("DOCKYARD_USER"), "caller identity (default $DOCKYARD_USER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newServerCommand())
	rootCmd.AddCommand(newProjectCommand())
	rootCmd.AddCommand(newEnvCommand())
	rootCmd.AddCommand(newResourceCommand())

	return rootCmd
}

func requireUser() (string, error) {
	if userID == "" {
		return "", fmt.Errorf("caller identity required: pass --user or set DOCKYARD_USER")
	}
	return userID, nil
}
