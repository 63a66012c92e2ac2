package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/dockyard/pkg/engine"
)

func newServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage deployment servers",
		Long: `Manage the servers resources are deployed to.

The local server is created automatically and cannot be removed. Remote
servers are reached over SSH and must pass a connectivity check before they
are registered.`,
	}

	cmd.AddCommand(newServerAddCommand())
	cmd.AddCommand(newServerListCommand())
	cmd.AddCommand(newServerCheckCommand())
	cmd.AddCommand(newServerUpdateCommand())
	cmd.AddCommand(newServerRemoveCommand())

	return cmd
}

// connectionFlags are shared by add and update.
type connectionFlags struct {
	host           string
	port           int
	username       string
	authMethod     string
	privateKeyPath string
	password       string
	build          bool
	swarmManager   bool
	swarmWorker    bool
	kinds          []string
}

func (f *connectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.host, "host", "", "SSH host name or address")
	cmd.Flags().IntVar(&f.port, "port", 22, "SSH port")
	cmd.Flags().StringVar(&f.username, "username", "", "SSH user")
	cmd.Flags().StringVar(&f.authMethod, "auth", string(engine.AuthKey), "authentication method (key, password)")
	cmd.Flags().StringVar(&f.privateKeyPath, "key-path", "", "private key file for key authentication")
	cmd.Flags().StringVar(&f.password, "password", "", "password for password authentication")
	cmd.Flags().BoolVar(&f.build, "build", false, "mark as a build server")
	cmd.Flags().BoolVar(&f.swarmManager, "swarm-manager", false, "mark as a swarm manager")
	cmd.Flags().BoolVar(&f.swarmWorker, "swarm-worker", false, "mark as a swarm worker")
	cmd.Flags().StringSliceVar(&f.kinds, "kinds", nil, "resource kinds accepted by the server (default all)")
}

func toKinds(values []string) []engine.ResourceKind {
	kinds := make([]engine.ResourceKind, 0, len(values))
	for _, v := range values {
		kinds = append(kinds, engine.ResourceKind(strings.TrimSpace(v)))
	}
	return kinds
}

func newServerAddCommand() *cobra.Command {
	var f connectionFlags

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Register a remote server",
		Example: `  # Register a server using an SSH key
  dockyard server add edge-1 --host 10.0.0.5 --username deploy --key-path ~/.ssh/id_ed25519`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().Str("name", args[0]).Str("host", f.host).Msg("Registering server")
			srv, err := a.servers.Create(cmd.Context(), engine.ServerSpec{
				Name:           args[0],
				Host:           f.host,
				Port:           f.port,
				Username:       f.username,
				AuthMethod:     engine.AuthMethod(f.authMethod),
				PrivateKeyPath: f.privateKeyPath,
				Password:       f.password,
				IsBuildServer:  f.build,
				IsSwarmManager: f.swarmManager,
				IsSwarmWorker:  f.swarmWorker,
				SupportedKinds: toKinds(f.kinds),
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), srv)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Registered server %s (%s)\n", srv.Name, srv.ID)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newServerListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			servers, err := a.servers.List(cmd.Context())
			if err != nil {
				return err
			}
			return printServers(cmd.OutOrStdout(), servers)
		},
	}
}

func newServerCheckCommand() *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "check ID",
		Short: "Check that a server is reachable",
		Long: `Check that a server accepts an SSH session.

The stored status is only changed with --save.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var check *engine.ConnectionCheck
			if save {
				_, check, err = a.servers.RefreshStatus(cmd.Context(), args[0])
			} else {
				check, err = a.servers.CheckConnection(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), check)
			}
			if check.Online {
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Server %s is online\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✗ Server %s is offline: %s\n", args[0], check.Error)
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "persist the resulting status")
	return cmd
}

func newServerUpdateCommand() *cobra.Command {
	var (
		f    connectionFlags
		name string
	)

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change a server",
		Long: `Change a server. Only the flags given are applied.

Changing connection fields of a remote server re-runs the connectivity
check against the new settings before they are saved.`,
		Example: `  # Move a server to a new port
  dockyard server update 1f0c... --port 2222`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var upd engine.ServerUpdate
			flags := cmd.Flags()
			if flags.Changed("name") {
				upd.Name = &name
			}
			if flags.Changed("host") {
				upd.Host = &f.host
			}
			if flags.Changed("port") {
				upd.Port = &f.port
			}
			if flags.Changed("username") {
				upd.Username = &f.username
			}
			if flags.Changed("auth") {
				method := engine.AuthMethod(f.authMethod)
				upd.AuthMethod = &method
			}
			if flags.Changed("key-path") {
				upd.PrivateKeyPath = &f.privateKeyPath
			}
			if flags.Changed("password") {
				upd.Password = &f.password
			}
			if flags.Changed("build") {
				upd.IsBuildServer = &f.build
			}
			if flags.Changed("swarm-manager") {
				upd.IsSwarmManager = &f.swarmManager
			}
			if flags.Changed("swarm-worker") {
				upd.IsSwarmWorker = &f.swarmWorker
			}
			if flags.Changed("kinds") {
				kinds := toKinds(f.kinds)
				upd.SupportedKinds = &kinds
			}

			srv, err := a.servers.Update(cmd.Context(), args[0], upd)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), srv)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Updated server %s\n", srv.Name)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "new server name")
	return cmd
}

func newServerRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID",
		Aliases: []string{"remove"},
		Short:   "Remove a server with no resources",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.servers.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed server %s\n", args[0])
			return nil
		},
	}
}
