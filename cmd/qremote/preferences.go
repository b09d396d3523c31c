// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/autobrr/qremote/internal/qbittorrent"
	"github.com/autobrr/qremote/internal/settings"
)

func RunPreferencesCommand() *cobra.Command {
	var (
		configDir     string
		refresh       int
		autoRefresh   bool
		defaultFilter string
		confirmDelete bool
	)

	command := &cobra.Command{
		Use:   "preferences",
		Short: "Show or change refresh and display preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(configDir)
			if err != nil {
				return err
			}
			defer app.close()

			flags := cmd.Flags()
			if flags.Changed("default-filter") && !slices.Contains(qbittorrent.FilterChoices, defaultFilter) {
				return fmt.Errorf("unknown filter %q, expected one of: %s", defaultFilter, strings.Join(qbittorrent.FilterChoices, ", "))
			}

			if flags.Changed("refresh") || flags.Changed("auto-refresh") || flags.Changed("default-filter") || flags.Changed("confirm-delete") {
				err := app.coordinator.UpdatePreferences(func(s *settings.Settings) {
					if flags.Changed("refresh") {
						s.RefreshSeconds = refresh
					}
					if flags.Changed("auto-refresh") {
						s.AutoRefresh = autoRefresh
					}
					if flags.Changed("default-filter") {
						s.DefaultFilter = defaultFilter
					}
					if flags.Changed("confirm-delete") {
						s.ConfirmDelete = confirmDelete
					}
				})
				if err != nil {
					return err
				}
			}

			current := app.coordinator.Settings()
			cmd.Printf("refresh:        %ds\n", current.RefreshSeconds)
			cmd.Printf("auto refresh:   %t\n", current.AutoRefresh)
			cmd.Printf("default filter: %s\n", current.DefaultFilter)
			cmd.Printf("confirm delete: %t\n", current.ConfirmDelete)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")
	command.Flags().IntVar(&refresh, "refresh", settings.DefaultRefreshSeconds, fmt.Sprintf("seconds between polls (minimum %d)", settings.MinRefreshSeconds))
	command.Flags().BoolVar(&autoRefresh, "auto-refresh", true, "poll on a timer")
	command.Flags().StringVar(&defaultFilter, "default-filter", settings.DefaultFilter, "status filter used by list when --filter is not given")
	command.Flags().BoolVar(&confirmDelete, "confirm-delete", true, "ask before deleting torrents")

	return command
}
