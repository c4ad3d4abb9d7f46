// Package commands implements the flowrund command line.
package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/flowrun/internal/server"
)

// Version is set at build time with -ldflags "-X ...commands.Version=...".
var Version = "dev"

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "flowrund",
		Short:        "Flow run engine with pausable runs and a durable job queue",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(
		newServeCommand(&configFile),
		newWorkerCommand(&configFile),
		newAPICommand(&configFile),
		newVersionCommand(),
	)
	return rootCmd
}

func newServeCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and process jobs in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *configFile, true, true)
		},
	}
}

func newWorkerCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process jobs without serving HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *configFile, false, true)
		},
	}
}

func newAPICommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the HTTP API; jobs are left to worker processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *configFile, true, false)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flowrund %s\n", Version)
		},
	}
}

func run(parent context.Context, configFile string, serveHTTP, dispatch bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configFile)
	if err != nil {
		return err
	}
	defer a.Close()

	a.log.Info("flowrund starting",
		"version", Version,
		"backend", a.cfg.Store.Backend,
		"http", serveHTTP,
		"dispatch", dispatch,
	)

	g, ctx := errgroup.WithContext(ctx)
	if dispatch {
		g.Go(func() error { return a.bundle.Run(ctx) })
	} else {
		g.Go(func() error { return a.bundle.RunServices(ctx) })
	}
	if serveHTTP {
		rc := a.bundle.RouterConfig()
		rc.ServiceName = a.cfg.Tracing.ServiceName
		srv := server.NewServer(a.cfg.Server.Addr, rc)
		a.log.Info("http listening", "addr", a.cfg.Server.Addr)
		g.Go(func() error { return srv.Run(ctx) })
	}

	err = g.Wait()
	a.log.Info("flowrund stopped")
	return err
}
