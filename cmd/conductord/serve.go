package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/eleven-am/conductor"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	conductorID string
	group       string
	bindAddr    string
	dataDir     string
	metrics     string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conductor",
		Long: `Run the conductor until interrupted.

The conductor serves peer RPCs on its bind address, fails nodes whose
ramdisk callbacks time out and takes over workflows orphaned by other
conductors.`,
		Example: `  conductord serve --config conductor.yaml
  conductord serve --id conductor-1 --bind 0.0.0.0:6385 --data-dir /var/lib/conductor`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.conductorID, "id", "", "conductor ID, defaults to the host name")
	cmd.Flags().StringVar(&opts.group, "group", "", "conductor group this conductor serves")
	cmd.Flags().StringVar(&opts.bindAddr, "bind", "", "address for peer RPCs")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "directory for node state, empty keeps it in memory")
	cmd.Flags().StringVar(&opts.metrics, "metrics-addr", "", "serve metrics and health checks on this address")
	return cmd
}

func runServe(cmd *cobra.Command, root *rootOptions, opts *serveOptions) error {
	config, err := root.loadConfig()
	if err != nil {
		return err
	}
	opts.apply(cmd, config)

	logger, err := newLogger(config.Log, root.debug, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	config.Logger = logger

	c, err := conductor.NewWithConfig(config)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		_ = c.Stop()
		return err
	}
	logger.Info("conductor is ready", "conductor_id", c.ConductorID(), "addr", c.Addr())

	<-ctx.Done()
	logger.Info("shutting down conductor", "conductor_id", c.ConductorID())
	return c.Stop()
}

// apply lets explicitly set flags override the file configuration.
func (o *serveOptions) apply(cmd *cobra.Command, config *conductor.Config) {
	flags := cmd.Flags()
	if flags.Changed("id") {
		config.ConductorID = o.conductorID
	}
	if flags.Changed("group") {
		config.ConductorGroup = o.group
	}
	if flags.Changed("bind") {
		config.BindAddr = o.bindAddr
	}
	if flags.Changed("data-dir") {
		config.DataDir = o.dataDir
	}
	if flags.Changed("metrics-addr") {
		config.Observability.Enabled = true
		config.Observability.Addr = o.metrics
	}
}
