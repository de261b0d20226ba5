package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"bilancio/internal/cli"
)

func syncCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued writes against the remote service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, connected, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(app)

			if !connected {
				pending, _ := app.Coordinator.PendingCount(ctx)
				return fmt.Errorf("remote service %s is unreachable, %d operations stay queued", cfg.RemoteBaseURL, pending)
			}

			// Connecting already replayed the queue; this pass picks up
			// anything a failed operation left behind.
			result, err := app.Coordinator.Replay(ctx)
			if err != nil && !result.Stopped {
				return err
			}
			if asJSON {
				return writeJSON(os.Stdout, result)
			}

			summary := fmt.Sprintf("Applied: %d  Failed: %d  Conflicts: %d  Remaining: %d",
				len(result.Applied), len(result.Failed), len(result.Conflicts), result.Remaining)
			if result.Remaining == 0 && len(result.Conflicts) == 0 {
				fmt.Println(successStyle.Render(summary))
			} else {
				fmt.Println(warningStyle.Render(summary))
			}
			for _, c := range result.Conflicts {
				fmt.Println(errorStyle.Render(fmt.Sprintf("  conflict #%d %s %s %s: %s",
					c.Operation.Sequence, c.Operation.Kind, c.Operation.Collection, c.Operation.EntityID, c.Error)))
			}
			if result.Stopped {
				return fmt.Errorf("replay stopped: %w", result.StopErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the replay result as JSON")
	return cmd
}

func pendingCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List writes waiting to be replayed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			// Listing reads the local queue only, no probe needed.
			app, err := cli.NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeApp(app)

			ops, err := app.Coordinator.PendingOperations(ctx)
			if err != nil {
				return fmt.Errorf("failed to list pending operations: %w", err)
			}
			if asJSON {
				return writeJSON(os.Stdout, ops)
			}
			if len(ops) == 0 {
				fmt.Println(subtleStyle.Render("No pending operations."))
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				headerStyle.Render("SEQ"), headerStyle.Render("KIND"), headerStyle.Render("COLLECTION"),
				headerStyle.Render("ENTITY"), headerStyle.Render("ATTEMPTS"), headerStyle.Render("LAST ERROR"))
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				strings.Repeat("-", 3), strings.Repeat("-", 6), strings.Repeat("-", 12),
				strings.Repeat("-", 12), strings.Repeat("-", 8), strings.Repeat("-", 20))
			for _, op := range ops {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
					op.Sequence, op.Kind, op.Collection, op.EntityID, op.Attempts, op.LastError)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print operations as JSON")
	return cmd
}
