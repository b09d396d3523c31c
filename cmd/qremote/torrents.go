// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/autobrr/qremote/internal/qbittorrent"
)

// oneShot is a short-lived connection to a single profile used by commands
// that do one thing and exit. It never changes the persisted active profile.
type oneShot struct {
	session    *qbittorrent.SessionManager
	engine     *qbittorrent.SyncEngine
	dispatcher *qbittorrent.Dispatcher
}

func (a *application) openProfile(ctx context.Context, name string) (*oneShot, error) {
	current := a.coordinator.Settings()
	if name == "" {
		name = current.ActiveProfile
	}
	profile, ok := current.Profile(name)
	if !ok {
		return nil, errors.Wrapf(qbittorrent.ErrUnknownProfile, "%q", name)
	}

	session, err := qbittorrent.NewSessionManager(profile, qbittorrent.SessionOptions{
		ConnectAttempts: a.cfg.Config.ConnectAttempts,
		FallbackTimeout: a.cfg.RequestTimeout(),
	})
	if err != nil {
		return nil, err
	}
	engine := qbittorrent.NewSyncEngine(session, qbittorrent.EngineOptions{})
	conn := &oneShot{
		session:    session,
		engine:     engine,
		dispatcher: qbittorrent.NewDispatcher(session, engine, nil),
	}

	if _, err := session.Connect(ctx); err != nil {
		conn.close()
		return nil, err
	}
	if _, err := engine.Poll(ctx); err != nil {
		conn.close()
		return nil, err
	}
	return conn, nil
}

func (c *oneShot) close() {
	c.engine.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	c.session.Disconnect(ctx)
}

func RunListCommand() *cobra.Command {
	var (
		configDir string
		profile   string
		opts      qbittorrent.FilterOptions
	)

	command := &cobra.Command{
		Use:   "list",
		Short: "Print the torrents of a profile",
		Long: `Connect, fetch the full torrent list once and print the torrents
matching the given filters.

Status filters: ` + strings.Join(qbittorrent.FilterChoices, ", "),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(configDir)
			if err != nil {
				return err
			}
			defer app.close()

			if !cmd.Flags().Changed("filter") {
				opts.Status = app.coordinator.Settings().DefaultFilter
			}

			conn, err := app.openProfile(cmd.Context(), profile)
			if err != nil {
				return err
			}
			defer conn.close()

			torrents, err := qbittorrent.FilterTorrents(conn.engine.Snapshot(), opts)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HASH\tNAME\tSTATE\tPROGRESS\tSIZE\tRATIO\tCATEGORY")
			for _, t := range torrents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\t%.2f\t%s\n",
					t.Hash, t.Name, t.State, t.Progress*100, formatBytes(t.Size), t.Ratio, t.Category)
			}
			return w.Flush()
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&profile, "profile", "", "profile to use instead of the active one")
	command.Flags().StringVar(&opts.Status, "filter", "", "status filter")
	command.Flags().StringVar(&opts.Tracker, "tracker", "", "only torrents with a tracker on this host")
	command.Flags().StringVar(&opts.Search, "search", "", "fuzzy name search, or a glob when it contains * ? or [")
	command.Flags().StringVar(&opts.Expr, "expr", "", `boolean expression over torrent fields, e.g. 'Ratio > 2 && Category == "tv"'`)

	return command
}

func RunTorrentActionCommand(action qbittorrent.Action) *cobra.Command {
	var (
		configDir   string
		profile     string
		deleteFiles bool
		yes         bool
	)

	command := &cobra.Command{
		Use:   string(action) + " <hash>...",
		Short: fmt.Sprintf("Send %s for the given torrents", action),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(configDir)
			if err != nil {
				return err
			}
			defer app.close()

			if action == qbittorrent.ActionDelete && app.coordinator.Settings().ConfirmDelete && !yes {
				prompt := fmt.Sprintf("Delete %d torrent(s)? [y/N] ", len(args))
				if deleteFiles {
					prompt = fmt.Sprintf("Delete %d torrent(s) and their files? [y/N] ", len(args))
				}
				if !confirm(prompt) {
					cmd.Println("Aborted.")
					return nil
				}
			}

			conn, err := app.openProfile(cmd.Context(), profile)
			if err != nil {
				return err
			}
			defer conn.close()

			result, err := conn.dispatcher.Issue(cmd.Context(), qbittorrent.Command{
				Action:      action,
				Hashes:      args,
				DeleteFiles: deleteFiles,
			})
			if err != nil {
				return err
			}
			cmd.Printf("%s: %s (%d torrent(s))\n", result.Action, result.Status, len(result.Hashes))
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&profile, "profile", "", "profile to use instead of the active one")
	if action == qbittorrent.ActionDelete {
		command.Flags().BoolVar(&deleteFiles, "delete-files", false, "also delete downloaded data")
		command.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	}

	return command
}

func RunAddCommand() *cobra.Command {
	var (
		configDir string
		profile   string
		options   qbittorrent.AddOptions
	)

	command := &cobra.Command{
		Use:   "add <magnet|url|file>...",
		Short: "Add torrents from magnet links, URLs or .torrent files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(configDir)
			if err != nil {
				return err
			}
			defer app.close()

			conn, err := app.openProfile(cmd.Context(), profile)
			if err != nil {
				return err
			}
			defer conn.close()

			var failed int
			for _, item := range args {
				source := qbittorrent.NormalizeOpenItem(item)
				if source == "" {
					continue
				}
				result, err := conn.dispatcher.Issue(cmd.Context(), qbittorrent.Command{
					Action:  qbittorrent.ActionAdd,
					Source:  source,
					Options: options,
				})
				if err != nil {
					failed++
					cmd.PrintErrf("%s: %v\n", item, err)
					continue
				}
				cmd.Printf("%s: %s\n", item, result.Status)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d torrent(s) could not be added", failed, len(args))
			}
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&profile, "profile", "", "profile to use instead of the active one")
	command.Flags().StringVar(&options.Category, "category", "", "category for the new torrents")
	command.Flags().StringVar(&options.SavePath, "savepath", "", "download directory")
	command.Flags().BoolVar(&options.Paused, "paused", false, "add without starting")

	return command
}

func confirm(prompt string) bool {
	fmt.Fprint(os.Stderr, prompt)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
