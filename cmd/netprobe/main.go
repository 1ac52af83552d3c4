package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NodePath81/netprobe/internal/app"
	"github.com/NodePath81/netprobe/internal/config"
	"github.com/NodePath81/netprobe/internal/util"
	"github.com/NodePath81/netprobe/internal/version"
)

const defaultConfigPath = "probe.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var watch bool
	root := &cobra.Command{
		Use:           "netprobe [config]",
		Short:         "netprobe - network reachability prober",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProber(resolvePath(cmd, configPath, args), watch)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	root.Flags().BoolVar(&watch, "watch", false, "Reload when the config file changes")

	run := &cobra.Command{
		Use:   "run [config]",
		Short: "Start the prober",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProber(resolvePath(cmd, configPath, args), watch)
		},
	}
	run.Flags().BoolVar(&watch, "watch", false, "Reload when the config file changes")

	check := &cobra.Command{
		Use:   "check [config]",
		Short: "Validate config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkConfig(cmd, resolvePath(cmd, configPath, args))
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	}

	root.AddCommand(run, check, versionCmd)
	return root
}

// resolvePath lets a positional argument stand in for --config unless the
// flag was given explicitly.
func resolvePath(cmd *cobra.Command, flagValue string, args []string) string {
	if len(args) > 0 && !cmd.Flags().Changed("config") {
		return args[0]
	}
	return flagValue
}

func runProber(configPath string, watch bool) error {
	logger := util.NewLogger()
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if watch {
		go func() {
			if err := supervisor.Watch(ctx, 0); err != nil {
				logger.Error("config watch failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("reload requested")
			_ = supervisor.Restart()
			continue
		}
		logger.Info("shutdown requested", "signal", sig.String())
		break
	}
	cancel()
	supervisor.Stop()
	return nil
}

func checkConfig(cmd *cobra.Command, path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config valid: %d dns, %d icmp, %d compound probes\n",
		len(cfg.Probes.DNS), len(cfg.Probes.ICMP), len(cfg.Compound))
	return nil
}
