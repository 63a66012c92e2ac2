package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	cmd.AddCommand(newProjectCreateCommand())
	cmd.AddCommand(newProjectListCommand())

	return cmd
}

func newProjectCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create NAME",
		Short: "Create a project owned by the caller",
		Example: `  dockyard project create shop --user alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			project, err := a.catalog.CreateProject(cmd.Context(), user, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), project)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Created project %s (%s)\n", project.Name, project.ID)
			return nil
		},
	}
}

func newProjectListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the caller's projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			projects, err := a.catalog.ListProjects(cmd.Context(), user)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), projects)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "NAME", "STATUS", "CREATED")
			for _, p := range projects {
				row(tw, p.ID, p.Name, p.Status, p.CreatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
}
