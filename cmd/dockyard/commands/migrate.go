package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and bootstrap the local server",
		Example: `  # Migrate the database named in the config file
  dockyard migrate --config /etc/dockyard/dockyard.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			version, dirty, err := a.store.SchemaVersion(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read schema version: %w", err)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"database": a.cfg.Database.Path,
					"version":  version,
					"dirty":    dirty,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Database %s at schema version %d\n", a.cfg.Database.Path, version)
			return nil
		},
	}
	return cmd
}
