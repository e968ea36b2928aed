package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/lead-enrich/internal/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show today's paid API usage against the daily limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		gate := usage.NewGate(st, cfg.Usage.Limits)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "METRIC\tUSED\tLIMIT")
		for _, m := range usage.Metrics {
			count, limit, err := gate.Usage(ctx, m)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%d\t%d\n", m, count, limit)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(usageCmd)
}
