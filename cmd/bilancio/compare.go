package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"bilancio/internal/core"
)

func compareCmd() *cobra.Command {
	var (
		from, to string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "compare <category-id>...",
		Short: "Compare category totals over the same period",
		Long: `Add each category to a comparison and show its amount and share of the
combined total. At most five categories can be compared at once.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rng, err := parseRange(from, to)
			if err != nil {
				return err
			}

			app, _, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(app)

			for _, id := range args {
				if _, err := app.Reports.AddSelection(ctx, id, rng); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
			}
			view, err := app.Reports.Comparison(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(os.Stdout, view)
			}
			if view.Degraded {
				fmt.Println(warningStyle.Render("Remote unreachable, showing cached data"))
			}

			shares := make(map[string]string, len(view.Shares))
			for _, s := range view.Shares {
				shares[s.SelectionID] = s.Percentage.StringFixed(2) + "%"
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				headerStyle.Render("CATEGORY"), headerStyle.Render("AMOUNT"), headerStyle.Render("SHARE"))
			for _, sel := range view.Selections {
				fmt.Fprintf(w, "%s\t%s\t%s\n", sel.Label, core.FormatAmount(sel.Amount), shares[sel.ID])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "first day included (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last day included (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the comparison as JSON")
	return cmd
}
