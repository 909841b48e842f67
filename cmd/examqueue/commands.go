// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ExamQueue/pkg/logging"
	"github.com/AleutianAI/ExamQueue/services/queue"
	"github.com/AleutianAI/ExamQueue/services/queue/config"
	"github.com/AleutianAI/ExamQueue/services/queue/handlers"
	"github.com/AleutianAI/ExamQueue/services/queue/persistence"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cliOptions holds flag values shared by the subcommands.
type cliOptions struct {
	configPath string

	port      int
	staticDir string
	backend   string
	stateFile string
	logLevel  string
	logJSON   bool
	logDir    string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:   "examqueue",
		Short: "Exam call queue server for waiting-room displays",
		Long: `examqueue keeps the exam call queue, absentee lists and notes in
memory and pushes every change to connected displays in real time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Path to a YAML config file (environment variables override it)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newSnapshotCmd(opts),
		newIPsCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig resolves the config file and environment, then applies the
// flags the user actually set.
func loadConfig(cmd *cobra.Command, opts *cliOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = opts.port
	}
	if flags.Changed("static-dir") {
		cfg.StaticDir = opts.staticDir
	}
	if flags.Changed("backend") {
		cfg.Snapshot.Backend = opts.backend
	}
	if flags.Changed("state-file") {
		cfg.Snapshot.Path = opts.stateFile
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flags.Changed("log-json") {
		cfg.LogJSON = opts.logJSON
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func addSnapshotFlags(cmd *cobra.Command, opts *cliOptions) {
	cmd.Flags().StringVar(&opts.backend, "backend", "", "Snapshot backend: file, badger, gcs or none")
	cmd.Flags().StringVar(&opts.stateFile, "state-file", "", "Snapshot file (file backend) or directory (badger backend)")
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			level, err := logging.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			format := logging.FormatAuto
			if cfg.LogJSON {
				format = logging.FormatJSON
			}
			logger := logging.New(logging.Config{
				Level:   level,
				Format:  format,
				Service: "examqueue",
				LogDir:  opts.logDir,
			})
			defer logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := queue.New(ctx, cfg, logger.Slog())
			if err != nil {
				return fmt.Errorf("failed to create queue service: %w", err)
			}

			for _, ip := range handlers.LocalIPv4s() {
				logger.Slog().Info("Reachable on the LAN", "url", fmt.Sprintf("http://%s:%d/", ip, cfg.Port))
			}
			return svc.Run(ctx)
		},
	}
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "HTTP port")
	cmd.Flags().StringVar(&opts.staticDir, "static-dir", "", "Directory served under /ui")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	cmd.Flags().BoolVar(&opts.logJSON, "log-json", false, "Force JSON logs on stderr")
	cmd.Flags().StringVar(&opts.logDir, "log-dir", "", "Also write JSON logs to this directory")
	addSnapshotFlags(cmd, opts)
	return cmd
}

// =============================================================================
// snapshot
// =============================================================================

func newSnapshotCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect or import saved queue state",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the saved state as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			store, err := persistence.Open(ctx, cfg.Snapshot, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			v, err := store.Load(ctx)
			if errors.Is(err, persistence.ErrNoSnapshot) {
				fmt.Fprintln(cmd.ErrOrStderr(), "No snapshot saved yet.")
				return nil
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}
	addSnapshotFlags(show, opts)

	importCmd := &cobra.Command{
		Use:   "import [state.json]",
		Short: "Load a snapshot or legacy state file into the configured backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			v, err := persistence.Decode(data)
			if err != nil {
				return fmt.Errorf("failed to decode %s: %w", args[0], err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			store, err := persistence.Open(ctx, cfg.Snapshot, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Save(ctx, v); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s into the %s backend.\n", args[0], cfg.Snapshot.Backend)
			return nil
		},
	}
	addSnapshotFlags(importCmd, opts)

	cmd.AddCommand(show, importCmd)
	return cmd
}

// =============================================================================
// ips / version
// =============================================================================

func newIPsCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ips",
		Short: "List the URLs other devices on the LAN can use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			ips := handlers.LocalIPv4s()
			if len(ips) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No LAN addresses found.")
				return nil
			}
			for _, ip := range ips {
				fmt.Fprintf(cmd.OutOrStdout(), "http://%s:%d/\n", ip, cfg.Port)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "HTTP port")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "examqueue %s\n", version)
		},
	}
}
