package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	// Backends register themselves in init.
	_ "github.com/jbweber/vmctl/internal/provider/digitalocean"
	_ "github.com/jbweber/vmctl/internal/provider/ec2"
	_ "github.com/jbweber/vmctl/internal/provider/hetzner"
	_ "github.com/jbweber/vmctl/internal/provider/libvirt"
	_ "github.com/jbweber/vmctl/internal/provider/linode"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	if tdErr := a.teardown(ctx); tdErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", tdErr)
	}
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "vmctl",
		Short: "vmctl - one VM lifecycle across providers",
		Long: `vmctl creates, rebuilds, starts, stops and deletes virtual machines on
Linode, libvirt, DigitalOcean, Hetzner Cloud and EC2 through one set of
commands.

Instances are addressed by label. Every command waits for the provider to
confirm the target state unless --async is given.`,
		Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return a.setup(cmd) },
	}

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "configuration file (default $VMCTL_CONFIG or ~/.config/vmctl/config.yaml)")
	f.StringVar(&a.backendName, "backend", "", "backend to use (overrides the configuration)")
	f.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	f.StringVar(&a.logFormat, "log-format", "", "log format: console or json")
	f.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")

	root.AddCommand(
		newNewCmd(a),
		newRebuildCmd(a),
		newPowerCmd(a, "start", "Boot an instance"),
		newPowerCmd(a, "stop", "Shut an instance down"),
		newPowerCmd(a, "delete", "Delete an instance and its disks"),
		newListCmd(a),
		newTemplatesCmd(a),
		newImageCmd(a),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the vmctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "vmctl %s (commit: %s)\n", version, commit)
			return err
		},
	}
	// No configuration needed.
	cmd.PersistentPreRunE = func(*cobra.Command, []string) error { return nil }
	return cmd
}
