package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/dockyard/pkg/engine"
)

var envProjectID string

func newEnvCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "env",
		Aliases: []string{"environment"},
		Short:   "Manage project environments and their variables",
	}

	cmd.PersistentFlags().StringVarP(&envProjectID, "project", "p", "", "project ID (required)")
	_ = cmd.MarkPersistentFlagRequired("project")

	cmd.AddCommand(newEnvCreateCommand())
	cmd.AddCommand(newEnvListCommand())
	cmd.AddCommand(newEnvSetVarCommand())

	return cmd
}

func newEnvCreateCommand() *cobra.Command {
	var envType string

	cmd := &cobra.Command{
		Use:     "create NAME",
		Short:   "Create an environment in a project",
		Example: `  dockyard env create --project 6a1e... production --type production`,
		Args:    cobra.ExactArgs(1),
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

			env, err := a.catalog.CreateEnvironment(cmd.Context(), user, envProjectID, args[0], envType)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), env)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Created environment %s (%s)\n", env.Name, env.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&envType, "type", "", "environment type label")
	return cmd
}

func newEnvListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List environments in a project",
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

			envs, err := a.catalog.ListEnvironments(cmd.Context(), user, envProjectID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), envs)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "NAME", "TYPE", "VARIABLES")
			for _, e := range envs {
				row(tw, e.ID, e.Name, e.Type, len(e.Variables))
			}
			return tw.Flush()
		},
	}
}

func newEnvSetVarCommand() *cobra.Command {
	var (
		envID  string
		secret bool
	)

	cmd := &cobra.Command{
		Use:   "set-var KEY=VALUE",
		Short: "Set an environment variable",
		Long: `Set a variable on an environment. Resources in the environment receive it
on their next deployment unless they override the key themselves.

Secret values are masked in every listing and redacted from stored errors.`,
		Example: `  dockyard env set-var --project 6a1e... --env 90b2... DATABASE_URL=postgres://db --secret`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			v, err := parseVar(args[0], secret)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.catalog.SetVariable(cmd.Context(), user, envProjectID, envID, v); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Set %s\n", v.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&envID, "env", "", "environment ID (required)")
	cmd.Flags().BoolVar(&secret, "secret", false, "mark the value as secret")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

// parseVar splits KEY=VALUE. The value may itself contain '='.
func parseVar(s string, secret bool) (engine.EnvVar, error) {
	key, value, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return engine.EnvVar{}, fmt.Errorf("invalid variable %q: expected KEY=VALUE", s)
	}
	return engine.EnvVar{Key: key, Value: value, Secret: secret}, nil
}
