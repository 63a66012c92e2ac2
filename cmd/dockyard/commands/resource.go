package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/dockyard/pkg/engine"
)

var resourceProjectID string

func newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resource",
		Aliases: []string{"res"},
		Short:   "Manage and deploy resources",
		Long: `Manage resources and drive their lifecycle.

A resource moves from CREATED to DEPLOYING and then RUNNING or FAILED. A
running resource can be stopped, and a stopped or failed resource deployed
again. A failed stop leaves the resource in ERROR until it is stopped
successfully. Removing a resource tears down its deployment first.`,
	}

	cmd.PersistentFlags().StringVarP(&resourceProjectID, "project", "p", "", "project ID (required)")
	_ = cmd.MarkPersistentFlagRequired("project")

	cmd.AddCommand(newResourceCreateCommand())
	cmd.AddCommand(newResourceListCommand())
	cmd.AddCommand(newResourceGetCommand())
	cmd.AddCommand(newResourceDeployCommand())
	cmd.AddCommand(newResourceStopCommand())
	cmd.AddCommand(newResourceRemoveCommand())
	cmd.AddCommand(newResourceStatusCommand())
	cmd.AddCommand(newResourceLogsCommand())

	return cmd
}

func newResourceCreateCommand() *cobra.Command {
	var (
		name       string
		kind       string
		envID      string
		serverID   string
		kindConfig string
		configFile string
		vars       []string
		secrets    []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a resource without deploying it",
		Example: `  # A plain image on the local server
  dockyard resource create --project 6a1e... --env 90b2... --server 3c4d... \
    --name web --kind docker-image --kind-config '{"image":"nginx:1.27","port":80}'

  # A database with its password kept secret
  dockyard resource create --project 6a1e... --env 90b2... --server 3c4d... \
    --name db --kind database --kind-config-file db.json --secret POSTGRES_PASSWORD=s3cret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}

			raw := []byte(kindConfig)
			if configFile != "" {
				if kindConfig != "" {
					return fmt.Errorf("--kind-config and --kind-config-file are mutually exclusive")
				}
				raw, err = os.ReadFile(configFile)
				if err != nil {
					return fmt.Errorf("failed to read kind config: %w", err)
				}
			}
			if len(raw) == 0 {
				raw = []byte("{}")
			}
			if !json.Valid(raw) {
				return fmt.Errorf("kind config is not valid JSON")
			}

			spec := engine.ResourceSpec{
				Name:          name,
				Kind:          engine.ResourceKind(kind),
				EnvironmentID: envID,
				ServerID:      serverID,
				Config:        json.RawMessage(raw),
			}
			for _, set := range []struct {
				values []string
				secret bool
			}{{vars, false}, {secrets, true}} {
				for _, s := range set.values {
					v, err := parseVar(s, set.secret)
					if err != nil {
						return err
					}
					spec.Variables = append(spec.Variables, v)
				}
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.orch.Create(cmd.Context(), user, resourceProjectID, spec)
			if err != nil {
				return err
			}
			// Listings mask the database password, so it is only ever shown here.
			if db, ok := res.Config.(engine.DatabaseConfig); ok && db.Password != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Database password (shown once): %s\n", db.Password)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Created resource %s (%s)\n", res.Name, res.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "resource name (required)")
	cmd.Flags().StringVar(&kind, "kind", "", "resource kind (required)")
	cmd.Flags().StringVar(&envID, "env", "", "environment ID (required)")
	cmd.Flags().StringVar(&serverID, "server", "", "target server ID (required)")
	cmd.Flags().StringVar(&kindConfig, "kind-config", "", "kind configuration as JSON")
	cmd.Flags().StringVar(&configFile, "kind-config-file", "", "file holding the kind configuration as JSON")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "variable KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&secrets, "secret", nil, "secret variable KEY=VALUE (repeatable)")
	for _, f := range []string{"name", "kind", "env", "server"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newResourceListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List resources in a project",
		Args:  cobra.NoArgs,
		RunE: runResource(func(cmd *cobra.Command, a *app, user, _ string) error {
			resources, err := a.orch.List(cmd.Context(), user, resourceProjectID)
			if err != nil {
				return err
			}
			return printResources(cmd.OutOrStdout(), resources)
		}),
	}
}

func newResourceGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a resource",
		Args:  cobra.ExactArgs(1),
		RunE: runResource(func(cmd *cobra.Command, a *app, user, id string) error {
			res, err := a.orch.Get(cmd.Context(), user, resourceProjectID, id)
			if err != nil {
				return err
			}
			return printResource(cmd.OutOrStdout(), res)
		}),
	}
}

func newResourceDeployCommand() *cobra.Command {
	var async bool

	cmd := &cobra.Command{
		Use:   "deploy ID",
		Short: "Deploy a resource to its server",
		Long: `Deploy a resource. The resource must be CREATED, STOPPED or FAILED.

Without --async the command waits for the deployment to finish. With --async
it returns once the resource is DEPLOYING; the deployment still completes
before the command exits.`,
		Args: cobra.ExactArgs(1),
		RunE: runResource(func(cmd *cobra.Command, a *app, user, id string) error {
			deploy := a.orch.Deploy
			if async {
				deploy = a.orch.DeployAsync
			}
			res, err := deploy(cmd.Context(), user, resourceProjectID, id)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), res)
			}
			switch res.Status {
			case engine.StatusRunning:
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Resource %s running (%s)\n", res.Name, deref(res.ContainerID, "-"))
			case engine.StatusFailed:
				fmt.Fprintf(cmd.OutOrStdout(), "✗ Resource %s failed: %s\n", res.Name, deref(res.Error, "unknown error"))
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "Resource %s is %s\n", res.Name, res.Status)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&async, "async", false, "return once the deployment has started")
	return cmd
}

func newResourceStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop ID",
		Short: "Stop a running resource",
		Args:  cobra.ExactArgs(1),
		RunE: runResource(func(cmd *cobra.Command, a *app, user, id string) error {
			res, err := a.orch.Stop(cmd.Context(), user, resourceProjectID, id)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Resource %s is %s\n", res.Name, res.Status)
			return nil
		}),
	}
}

func newResourceRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID",
		Aliases: []string{"remove"},
		Short:   "Tear down and delete a resource",
		Args:    cobra.ExactArgs(1),
		RunE: runResource(func(cmd *cobra.Command, a *app, user, id string) error {
			if err := a.orch.Remove(cmd.Context(), user, resourceProjectID, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed resource %s\n", id)
			return nil
		}),
	}
}

func newResourceStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show the lifecycle status of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: runResource(func(cmd *cobra.Command, a *app, user, id string) error {
			report, err := a.orch.Status(cmd.Context(), user, resourceProjectID, id)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s", report.Status)
			if report.Error != nil {
				fmt.Fprintf(cmd.OutOrStdout(), ": %s", *report.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		}),
	}
}

func newResourceLogsCommand() *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "logs ID",
		Short: "Print recent container output",
		Args:  cobra.ExactArgs(1),
		RunE: runResource(func(cmd *cobra.Command, a *app, user, id string) error {
			if tail < 0 {
				return fmt.Errorf("--tail must not be negative")
			}
			out, err := a.orch.Logs(cmd.Context(), user, resourceProjectID, id, tail)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		}),
	}
	cmd.Flags().IntVar(&tail, "tail", 0, "number of lines (default from config)")
	return cmd
}

// runResource resolves the caller and opens the app around fn. The resource
// ID is the first argument when present.
func runResource(fn func(cmd *cobra.Command, a *app, user, id string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		user, err := requireUser()
		if err != nil {
			return err
		}
		var id string
		if len(args) > 0 {
			id = args[0]
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, user, id)
	}
}
