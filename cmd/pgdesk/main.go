package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(nil)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot wires every subcommand. configure, when set, adjusts the
// command before it runs; tests use it to redirect output and paths.
func buildRoot(configure func(*command)) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)

	cmd := newCommand(globalFlags)
	if configure != nil {
		configure(&cmd)
	}

	root.AddCommand(
		createEnsureCommand(cmd),
		createStatusCommand(cmd),
		createStopCommand(cmd),
		createServeCommand(cmd),
		createStrategyCommand(cmd),
		createElevationCommand(cmd),
		createHistoryCommand(cmd),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "pgdesk",
		Short: "Embedded PostgreSQL lifecycle manager",
		Long: `pgdesk sets up, starts and supervises the PostgreSQL server bundled
with a desktop application.

Examples:
  pgdesk ensure                      # set up on first run, then start
  pgdesk ensure --mode=service --yes
  pgdesk status
  pgdesk serve                       # control API on 127.0.0.1:54300/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().BoolVar(&flags.NoColor, "no-color", false, "disable colored output")
	return root
}

func createEnsureCommand(c command) *cobra.Command {
	f := &EnsureFlags{}
	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Make the database ready and print connection details",
		Long: `Run the ensure state machine: resolve paths, initialize on first run,
verify or recover an existing installation, allocate a port and start
the server.

Examples:
  pgdesk ensure
  pgdesk ensure --mode=user_session --yes
  pgdesk ensure --recover
  pgdesk ensure --api-url=http://127.0.0.1:54300/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Ensure(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Mode, "mode", "", "run mode on first run: user_session or service")
	cmd.Flags().BoolVarP(&f.Yes, "yes", "y", false, "accept defaults without asking")
	cmd.Flags().BoolVar(&f.Recover, "recover", false, "move an unusable data folder aside without asking")
	cmd.Flags().BoolVar(&f.ShowPassword, "show-password", false, "print the connection string with its password")
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "ensure through a running control API")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 0, "control API request timeout")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the database server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "query a running control API")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 0, "control API request timeout")
	return cmd
}

func createStopCommand(c command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a login-session database server",
		Long: `Stop the database server started for this login session.
A server installed as a system service keeps running; use
"pgdesk strategy stop --mode=service" to stop it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "stop through a running control API")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 0, "control API request timeout")
	return cmd
}

func createServeCommand(c command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Ensure the database and serve the control API",
		Long: `Ensure the database, then serve the loopback control API until
interrupted. On exit a login-session server is stopped.

Examples:
  pgdesk serve
  pgdesk serve --listen=127.0.0.1:54310
  pgdesk serve --daemonize --pidfile=/tmp/pgdesk.pid`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "control API address (loopback only)")
	cmd.Flags().BoolVar(&f.NoEnsure, "no-ensure", false, "serve without ensuring the database first")
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to this file")
	cmd.Flags().BoolVar(&f.NonBlocking, "non-blocking", false, "return once the API is listening")
	_ = cmd.Flags().MarkHidden("non-blocking")
	return cmd
}

func createStrategyCommand(c command) *cobra.Command {
	f := &StrategyFlags{}
	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Manage the OS registration that keeps the database running",
		Long: `Manage the login task (user_session) or system service (service).
Service operations need administrator rights.

Examples:
  pgdesk strategy status
  pgdesk strategy install --mode=service
  pgdesk strategy remove --mode=user_session`,
	}
	cmd.PersistentFlags().StringVar(&f.Mode, "mode", "", "user_session or service (default: the installation's mode)")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the registration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StrategyStatus(cmd.Context(), *f)
		},
	}
	cmd.AddCommand(status)
	for _, op := range []struct{ name, short string }{
		{"install", "Register the database server with the OS"},
		{"remove", "Remove the OS registration"},
		{"start", "Start the registered server"},
		{"stop", "Stop the registered server"},
	} {
		name := op.name
		cmd.AddCommand(&cobra.Command{
			Use:   name,
			Short: op.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.StrategyOp(cmd.Context(), name, *f)
			},
		})
	}
	return cmd
}

func createElevationCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "elevation",
		Short: "Report whether this process has administrator rights",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Elevation()
		},
	}
}

func createHistoryCommand(c command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.History(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of events to show")
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "query a running control API")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 0, "control API request timeout")
	return cmd
}
