package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/internal/report"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export ranked leads to an XLSX workbook",
	Long: `Writes every lead with its latest website check, mobile performance,
verdict and score to a spreadsheet, highest score first.

Examples:
  export --out leads.xlsx
  export --out tier-a.xlsx --tier A --has-website=false`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		out, _ := f.GetString("out")
		tier, _ := f.GetString("tier")
		minRating, _ := f.GetFloat64("min-rating")
		limit, _ := f.GetInt("limit")

		filter := report.Filter{
			Tier:      model.Tier(tier),
			MinRating: minRating,
			Limit:     limit,
		}
		if f.Changed("has-website") {
			v, _ := f.GetBool("has-website")
			filter.HasWebsite = &v
		}
		if f.Changed("needs-intervention") {
			v, _ := f.GetBool("needs-intervention")
			filter.NeedsIntervention = &v
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := report.Export(ctx, st, filter, out)
		if err != nil {
			return err
		}
		fmt.Printf("exported %d leads to %s\n", n, out)
		return nil
	},
}

func init() {
	f := exportCmd.Flags()
	f.String("out", "leads.xlsx", "output workbook path")
	f.String("tier", "", "only leads in this tier (A, B or C)")
	f.Float64("min-rating", 0, "minimum Google rating")
	f.Bool("has-website", false, "filter on whether the lead has a website")
	f.Bool("needs-intervention", false, "filter on the model verdict")
	f.Int("limit", report.DefaultLimit, "max leads read")
	rootCmd.AddCommand(exportCmd)
}
