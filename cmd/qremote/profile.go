// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/autobrr/qremote/internal/models"
)

func RunProfileCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "profile",
		Short: "Manage saved connection profiles",
	}

	command.PersistentFlags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")

	command.AddCommand(runProfileListCommand(&configDir))
	command.AddCommand(runProfileAddCommand(&configDir))
	command.AddCommand(runProfileRemoveCommand(&configDir))
	command.AddCommand(runProfileRenameCommand(&configDir))
	command.AddCommand(runProfileUseCommand(&configDir))
	command.AddCommand(runProfileMoveCommand(&configDir))

	return command
}

func runProfileListCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(*configDir)
			if err != nil {
				return err
			}
			defer app.close()

			active := app.coordinator.ActiveProfile()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "\tNAME\tHOST\tUSERNAME\tVERIFY SSL\tTIMEOUT")
			for _, p := range app.coordinator.Profiles() {
				marker := ""
				if p.Name == active {
					marker = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%ds\n", marker, p.Name, p.Host, p.Username, p.VerifySSL, p.Timeout)
			}
			return w.Flush()
		},
	}
}

func runProfileAddCommand(configDir *string) *cobra.Command {
	var (
		host          string
		username      string
		password      string
		noVerifySSL   bool
		timeout       int
		basicUsername string
		basicPassword string
		use           bool
	)

	command := &cobra.Command{
		Use:   "add <name>",
		Short: "Save a new connection profile",
		Long: `Save a new connection profile.

If the name is taken, a numbered variant such as "Seedbox (2)" is used. The
password is prompted for when --password is not given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(*configDir)
			if err != nil {
				return err
			}
			defer app.close()

			if !cmd.Flags().Changed("password") {
				password, err = readPassword("Enter qBittorrent password: ")
				if err != nil {
					return err
				}
			}
			if basicUsername != "" && !cmd.Flags().Changed("basic-password") {
				basicPassword, err = readPassword("Enter HTTP basic auth password: ")
				if err != nil {
					return err
				}
			}

			profile, err := app.coordinator.AddProfile(models.Profile{
				Name:          app.coordinator.UniqueName(args[0]),
				Host:          host,
				Username:      username,
				Password:      password,
				VerifySSL:     !noVerifySSL,
				Timeout:       timeout,
				BasicUsername: basicUsername,
				BasicPassword: basicPassword,
			})
			if err != nil {
				return err
			}
			cmd.Printf("Profile %q saved\n", profile.Name)

			if use && app.coordinator.ActiveProfile() != profile.Name {
				return setActiveProfile(cmd.Context(), app, profile.Name)
			}
			return nil
		},
	}

	command.Flags().StringVar(&host, "host", models.DefaultHost, "qBittorrent WebUI address")
	command.Flags().StringVar(&username, "username", models.DefaultUsername, "WebUI username")
	command.Flags().StringVar(&password, "password", "", "WebUI password (prompted when omitted)")
	command.Flags().BoolVar(&noVerifySSL, "insecure", false, "skip TLS certificate verification")
	command.Flags().IntVar(&timeout, "timeout", models.DefaultTimeout, "request timeout in seconds")
	command.Flags().StringVar(&basicUsername, "basic-username", "", "HTTP basic auth username for a reverse proxy")
	command.Flags().StringVar(&basicPassword, "basic-password", "", "HTTP basic auth password (prompted when omitted)")
	command.Flags().BoolVar(&use, "use", false, "make the new profile active")

	return command
}

func runProfileRemoveCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete a saved profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(*configDir)
			if err != nil {
				return err
			}
			defer app.close()

			if err := app.coordinator.RemoveProfile(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("Profile %q removed\n", args[0])
			return nil
		},
	}
}

func runProfileRenameCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a saved profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(*configDir)
			if err != nil {
				return err
			}
			defer app.close()

			if err := app.coordinator.RenameProfile(args[0], strings.TrimSpace(args[1])); err != nil {
				return err
			}
			cmd.Printf("Profile %q renamed to %q\n", args[0], strings.TrimSpace(args[1]))
			return nil
		},
	}
}

func runProfileUseCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "use <name>",
		Short: "Make a profile the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(*configDir)
			if err != nil {
				return err
			}
			defer app.close()

			return setActiveProfile(cmd.Context(), app, args[0])
		},
	}
}

func runProfileMoveCommand(configDir *string) *cobra.Command {
	var position int

	command := &cobra.Command{
		Use:   "move <name>",
		Short: "Change a profile's position in the list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(*configDir)
			if err != nil {
				return err
			}
			defer app.close()

			// Positions are 1-based on the command line
			return app.coordinator.MoveProfile(args[0], position-1)
		},
	}

	command.Flags().IntVar(&position, "to", 1, "new 1-based position")

	return command
}

// setActiveProfile switches to name and verifies the connection. A failed
// connection still leaves the profile selected.
func setActiveProfile(ctx context.Context, app *application, name string) error {
	if err := app.coordinator.SwitchTo(ctx, name); err != nil {
		if app.coordinator.ActiveProfile() == name {
			fmt.Printf("Profile %q is now active but could not connect: %v\n", name, err)
			return nil
		}
		return err
	}
	fmt.Printf("Profile %q is now active\n", name)
	return nil
}
