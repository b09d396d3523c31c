// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/autobrr/qremote/internal/buildinfo"
	"github.com/autobrr/qremote/internal/config"
	"github.com/autobrr/qremote/internal/domain"
	"github.com/autobrr/qremote/internal/metrics"
	"github.com/autobrr/qremote/internal/qbittorrent"
	"github.com/autobrr/qremote/internal/settings"
)

const shutdownTimeout = 15 * time.Second

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "qremote",
		Short: "A remote control client for qBittorrent",
		Long: `qremote - keeps a live local view of a qBittorrent server and
sends torrent commands to it, with several saved connection profiles.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunRunCommand())
	rootCmd.AddCommand(RunListCommand())
	for _, action := range []qbittorrent.Action{
		qbittorrent.ActionPause,
		qbittorrent.ActionResume,
		qbittorrent.ActionRecheck,
		qbittorrent.ActionDelete,
		qbittorrent.ActionIncreasePriority,
		qbittorrent.ActionDecreasePriority,
	} {
		rootCmd.AddCommand(RunTorrentActionCommand(action))
	}
	rootCmd.AddCommand(RunAddCommand())
	rootCmd.AddCommand(RunProfileCommand())
	rootCmd.AddCommand(RunPreferencesCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// application bundles what every command needs after config is loaded.
type application struct {
	cfg         *config.AppConfig
	store       *settings.FileStore
	metrics     *metrics.MetricsManager
	coordinator *qbittorrent.Coordinator
}

func newApplication(configDir string) (*application, error) {
	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}
	cfg.ApplyLogConfig()

	app := &application{
		cfg:   cfg,
		store: settings.NewFileStore(cfg.GetSettingsPath()),
	}

	opts := qbittorrent.CoordinatorOptions{
		ConnectAttempts: cfg.Config.ConnectAttempts,
		FallbackTimeout: cfg.RequestTimeout(),
	}
	if cfg.Config.MetricsEnabled {
		app.metrics = metrics.NewMetricsManager()
		opts.Recorder = app.metrics
	}

	app.coordinator, err = qbittorrent.NewCoordinator(app.store, opts)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func (a *application) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.coordinator.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to close coordinator cleanly")
	}
}

func RunRunCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "run [items...]",
		Short: "Connect to the active profile and follow its torrents",
		Long: `Connect to the active profile and keep its torrent list in sync.

Any magnet links, URLs or .torrent paths given as arguments are added once the
connection is up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(configDir)
			if err != nil {
				return err
			}

			log.Info().Str("version", buildinfo.Version).Msg("Starting qremote")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
			defer stop()

			app.cfg.RegisterReloadListener(func(conf *domain.Config) {
				log.Info().Str("logLevel", conf.LogLevel).Msg("Configuration reloaded")
			})

			events, unsubscribe := app.coordinator.Subscribe(0)
			defer unsubscribe()

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				logEvents(gctx, events)
				return nil
			})

			if app.metrics != nil {
				metricsServer := metrics.NewMetricsServer(
					app.metrics,
					app.cfg.Config.MetricsHost,
					app.cfg.Config.MetricsPort,
					app.cfg.MetricsBasicAuthUsers(),
				)
				g.Go(metricsServer.Start)
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					return metricsServer.Stop(shutdownCtx)
				})
			}

			app.coordinator.Enqueue(args...)

			if err := app.coordinator.Start(gctx); err != nil {
				// The sync loop keeps reconnecting on its own unless the failure is terminal
				log.Error().Err(err).Str("profile", app.coordinator.ActiveProfile()).Msg("Initial connection failed")
			}

			<-gctx.Done()
			log.Info().Msg("Shutting down")
			app.close()

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/qremote/ or %APPDATA%\\qremote\\). Can also be a direct path to a .toml file")

	return command
}

func logEvents(ctx context.Context, events <-chan qbittorrent.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case qbittorrent.EventSnapshot:
				changes := ev.Update.Changes
				if changes.Empty() && !changes.FullUpdate {
					continue
				}
				log.Info().
					Str("profile", ev.Profile).
					Int64("rid", changes.Rid).
					Bool("fullUpdate", changes.FullUpdate).
					Bool("optimistic", changes.Optimistic).
					Int("added", len(changes.Added)).
					Int("updated", len(changes.Updated)).
					Int("removed", len(changes.Removed)).
					Int("torrents", len(ev.Update.Snapshot.Torrents)).
					Msg("Torrents changed")
			case qbittorrent.EventCommand:
				result := ev.Result
				event := log.Info()
				if result.Status == qbittorrent.CommandFailed {
					event = log.Warn().Err(result.Err).Str("kind", string(result.Kind))
				}
				event.
					Str("profile", ev.Profile).
					Str("command", result.ID).
					Str("action", string(result.Action)).
					Str("status", string(result.Status)).
					Msg("Command finished")
			case qbittorrent.EventStatus:
				status := ev.Status
				event := log.Info()
				if status.Degraded {
					event = log.Warn().Err(status.LastError)
				}
				event.
					Str("profile", ev.Profile).
					Str("state", status.State.String()).
					Bool("degraded", status.Degraded).
					Msg("Connection status")
			}
		}
	}
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of qremote",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/qremote/config.toml
- Windows: %APPDATA%\qremote\config.toml

You can specify either a directory path or a direct file path:
- Directory: qremote generate-config --config-dir /path/to/config/
- File: qremote generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func readPassword(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print(prompt)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(password), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return "", fmt.Errorf("failed to read password from stdin: %w", err)
	}
	return password, nil
}
