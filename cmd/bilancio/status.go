package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type statusOutput struct {
	Connected        bool   `json:"connected"`
	State            string `json:"state"`
	OfflineAvailable bool   `json:"offlineAvailable"`
	Pending          int    `json:"pending"`
}

func statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and queue status",
		Long:  `Probe the remote service once, replaying queued writes if it is reachable, and show the resulting sync state.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, connected, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(app)

			pending, err := app.Coordinator.PendingCount(ctx)
			if err != nil {
				return fmt.Errorf("failed to count pending operations: %w", err)
			}
			out := statusOutput{
				Connected:        connected,
				State:            app.Coordinator.State().String(),
				OfflineAvailable: app.Coordinator.OfflineAvailable(),
				Pending:          pending,
			}
			if asJSON {
				return writeJSON(os.Stdout, out)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintf(w, "Remote:\t%s\n", cfg.RemoteBaseURL)
			fmt.Fprintf(w, "Connected:\t%s\n", connectedLabel(out.Connected))
			fmt.Fprintf(w, "State:\t%s\n", out.State)
			if out.OfflineAvailable {
				fmt.Fprintf(w, "Offline cache:\t%s\n", successStyle.Render("available"))
			} else {
				fmt.Fprintf(w, "Offline cache:\t%s\n", errorStyle.Render("unavailable"))
			}
			fmt.Fprintf(w, "Pending:\t%d\n", out.Pending)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}
