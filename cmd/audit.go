package main

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-enrich/internal/model"
)

var (
	auditAll         bool
	auditIDs         string
	auditLimit       int
	auditConcurrency int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Run PageSpeed audits for many leads",
	Long: `Runs the mobile and desktop PageSpeed audit for each lead, skipping
strategies with a fresh cached result.

Examples:
  audit --all --limit 200
  audit --ids 3f1c...,9a07...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditAll == (auditIDs != "") {
			return eris.New("audit: exactly one of --all or --ids is required")
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx, envOptions{})
		if err != nil {
			return err
		}
		defer env.Close()

		var ids []string
		if auditAll {
			leads, err := env.Store.ListLeads(ctx, model.LeadFilter{Limit: auditLimit})
			if err != nil {
				return err
			}
			for _, l := range leads {
				if l.Website() != "" {
					ids = append(ids, l.ID)
				}
			}
		} else {
			for id := range strings.SplitSeq(auditIDs, ",") {
				if id = strings.TrimSpace(id); id != "" {
					ids = append(ids, id)
				}
			}
		}

		concurrency := auditConcurrency
		if concurrency == 0 {
			concurrency = cfg.PSI.Concurrency
		}
		res, err := env.Handlers.BatchAudit(ctx, ids, concurrency)
		if err != nil {
			return err
		}
		fmt.Printf("audited=%d skipped=%d quota_exceeded=%d failed=%d\n",
			res.Audited, res.Skipped, res.Quota, res.Failed)
		return nil
	},
}

func init() {
	f := auditCmd.Flags()
	f.BoolVar(&auditAll, "all", false, "audit every lead with a website")
	f.StringVar(&auditIDs, "ids", "", "comma-separated lead ids")
	f.IntVar(&auditLimit, "limit", 1000, "max leads read with --all")
	f.IntVar(&auditConcurrency, "concurrency", 0, "parallel audits (default from config)")
	rootCmd.AddCommand(auditCmd)
}
