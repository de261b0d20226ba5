package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"bilancio/internal/core"
)

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Hierarchical category reports",
		Long:  `Aggregate transactions through the category hierarchy. Reports use the remote data when reachable and the local cache otherwise.`,
	}

	cmd.AddCommand(reportTreeCmd())
	cmd.AddCommand(reportTotalCmd())
	return cmd
}

func reportTreeCmd() *cobra.Command {
	var (
		typeFlag string
		from, to string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show totals for every category, children rolled into parents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rng, err := parseRange(from, to)
			if err != nil {
				return err
			}
			t := core.CategoryType(strings.ToLower(typeFlag))

			app, _, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(app)

			tree, err := app.Reports.Tree(ctx, t, rng)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(os.Stdout, tree)
			}

			if tree.Degraded {
				fmt.Println(warningStyle.Render("Remote unreachable, showing cached data"))
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
			defer w.Flush()
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n",
				headerStyle.Render("CATEGORY"), headerStyle.Render("TYPE"),
				headerStyle.Render("DIRECT"), headerStyle.Render("TOTAL"))
			for _, row := range tree.Rows {
				name := strings.Repeat("  ", row.Depth) + row.Name
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", name, row.Type,
					core.FormatAmount(row.Direct), core.FormatAmount(row.Total))
			}
			fmt.Fprintf(w, "TOTAL\t\t\t%s\t\n", core.FormatAmount(tree.Total))
			for _, issue := range tree.Issues {
				fmt.Fprintln(os.Stderr, subtleStyle.Render("excluded: "+issue))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&typeFlag, "type", "", "category type (income, expense); empty shows both with a net total")
	cmd.Flags().StringVar(&from, "from", "", "first day included (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last day included (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func reportTotalCmd() *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "total <category-id>",
		Short: "Show the rolled-up total of one category",
		Args:  cobra.ExactArgs(1),
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

			total, err := app.Reports.TotalFor(ctx, args[0], rng)
			if err != nil {
				return err
			}
			fmt.Println(core.FormatAmount(total))
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "first day included (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last day included (YYYY-MM-DD)")
	return cmd
}

func parseRange(from, to string) (core.DateRange, error) {
	var start, end core.Date
	var err error
	if from != "" {
		if start, err = core.ParseDate(from); err != nil {
			return core.DateRange{}, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if to != "" {
		if end, err = core.ParseDate(to); err != nil {
			return core.DateRange{}, fmt.Errorf("invalid --to: %w", err)
		}
	}
	return core.NewDateRange(start, end)
}
