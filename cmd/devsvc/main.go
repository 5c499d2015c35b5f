package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// APIUrl switches service commands to a running daemon.
	APIUrl      string
	APITimeout  time.Duration
	APIToken    string
	APIUser     string
	APIPassword string
	JSON        bool
}

func buildRoot() *cobra.Command { return newRoot(os.Stdout, os.Stderr) }

func newRoot(out, errOut io.Writer) *cobra.Command {
	flags := &GlobalFlags{}
	c := &command{flags: flags, out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "devsvc",
		Short: "Local development server supervisor and batch runner",
		Long: `devsvc starts the local development servers on free ports, records them in a
registry, checks their health and runs command batches.

Without --api-url commands act directly on this machine and the registry
configured in the config file. With --api-url they go through a running
'devsvc serve' daemon.

Examples:
  devsvc start --all
  devsvc status
  devsvc health md-server
  devsvc serve --config devsvc.toml
  devsvc batch exec --command 'convert "$BATCH_ITEM"' --items a.md,b.md`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (e.g. http://127.0.0.1:8080/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 2*time.Minute, "request timeout")
	root.PersistentFlags().StringVar(&flags.APIToken, "api-token", os.Getenv("DEVSVC_API_TOKEN"), "bearer token for a daemon with [server.auth] (env DEVSVC_API_TOKEN)")
	root.PersistentFlags().StringVar(&flags.APIUser, "api-user", os.Getenv("DEVSVC_API_USER"), "basic auth user for a daemon with [server.auth] (env DEVSVC_API_USER)")
	root.PersistentFlags().StringVar(&flags.APIPassword, "api-password", "", "basic auth password (env DEVSVC_API_PASSWORD)")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print JSON instead of text")

	root.AddCommand(
		createServeCommand(c),
		createStartCommand(c),
		createStopCommand(c),
		createStatusCommand(c),
		createHealthCommand(c),
		createPortCommand(c),
		createBatchCommand(c),
		createHashPasswordCommand(c),
	)
	return root
}

func createServeCommand(c *command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the devsvc daemon (HTTP API and health monitor)",
		Long: `Run the HTTP API, the periodic health monitor and resource sampling.
Registry rows of the configured environment are reset to inactive at startup.

Examples:
  devsvc serve
  devsvc serve --config devsvc.toml --start-all
  devsvc serve --daemonize --pidfile /tmp/devsvc.pid --logfile /tmp/devsvc.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon pid here")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to this file")
	cmd.Flags().BoolVar(&f.StartAll, "start-all", false, "start every service once the API is up")
	cmd.Flags().BoolVar(&f.StopOnExit, "stop-on-exit", false, "stop every service when the daemon exits")
	return cmd
}

func createStartCommand(c *command) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start [name...]",
		Short: "Start services",
		Long: `Start services on free ports. Each service gets its preferred port when it is
free, otherwise the lowest free port of the configured range.

Examples:
  devsvc start md-server
  devsvc start --all
  devsvc start git-server --wait 15s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Names = args
			return c.Start(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.All, "all", false, "start every service in table order")
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "wait up to this long for started services to become healthy")
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop [name...]",
		Short: "Stop services",
		Long: `Stop services. Every process whose command line matches the service's
process pattern is terminated, including ones started outside devsvc.

Examples:
  devsvc stop md-server
  devsvc stop --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Names = args
			return c.Stop(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.All, "all", false, "stop every service")
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name...]",
		Short: "Show service status from the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), args)
		},
	}
}

func createHealthCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "health [name...]",
		Short: "Probe service health endpoints",
		Long: `Probe health endpoints and record the result. Without names every
service is checked. Exits non-zero when a probed service is unhealthy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Health(cmd.Context(), args)
		},
	}
}

func createPortCommand(c *command) *cobra.Command {
	f := &PortFlags{}
	cmd := &cobra.Command{
		Use:   "port [name]",
		Short: "Show service ports or find a free port",
		Long: `Without arguments list the ports of live services. With a name print that
service's port. With --find print a free port of the configured range.

Examples:
  devsvc port
  devsvc port md-server
  devsvc port --find --preferred 3010`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.Name = args[0]
			}
			return c.Port(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Find, "find", false, "find a free port instead of listing")
	cmd.Flags().IntVar(&f.Preferred, "preferred", 0, "port to try first with --find")
	return cmd
}

func createHashPasswordCommand(c *command) *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for server.auth.password_hash",
		Long: `Read a password from the first line of stdin and print its bcrypt hash.

Example:
  printf '%s\n' "$PASSWORD" | devsvc hash-password`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.HashPassword(cmd.InOrStdin(), cost)
		},
	}
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (default 10)")
	return cmd
}
