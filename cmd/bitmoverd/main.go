// Command bitmoverd relays PCAP files from a local staging filesystem
// to a remote HTTP ingestion endpoint under a disk-space budget.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bitmover/bitmover/internal/config"
	"github.com/bitmover/bitmover/internal/fsseam"
	"github.com/bitmover/bitmover/internal/supervisor"
)

// version is injected at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bitmoverd",
		Short: "relay PCAP files to a remote ingestion endpoint under a disk budget",
	}

	var configPath string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the daemon until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "/etc/bitmover/bitmover.ini", "path to the INI configuration file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print bitmoverd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("bitmoverd " + version)
		},
	}

	root.AddCommand(runCmd, versionCmd)
	return root
}

func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := supervisor.BuildLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	log.Info("starting bitmoverd", "version", version, "base_dir", cfg.BaseDir, "remote", cfg.RemoteHostURL)

	fs := fsseam.New()
	sup := supervisor.New(cfg, fs, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = sup.Run(ctx)
	log.Info("bitmoverd stopped", "err", err)
	return err
}
