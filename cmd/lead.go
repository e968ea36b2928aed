package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/internal/pipeline"
	"github.com/sells-group/lead-enrich/internal/queue"
	"github.com/sells-group/lead-enrich/internal/usage"
	"github.com/sells-group/lead-enrich/internal/website"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <lead-id>",
	Short: "Enqueue the enrichment chain for a lead",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, envOptions{Queue: true})
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Store.GetLead(ctx, args[0]); err != nil {
			return eris.Wrap(err, "trigger")
		}
		added, err := env.Orchestrator.Trigger(ctx, args[0])
		if err != nil {
			return err
		}
		if !added {
			fmt.Printf("lead %s already has a pending %s job\n", args[0], pipeline.StageWebsiteCheck)
			return nil
		}
		fmt.Printf("enqueued %s for lead %s\n", pipeline.StageWebsiteCheck, args[0])
		return nil
	},
}

var checkWebsiteCmd = &cobra.Command{
	Use:   "check-website <lead-id>",
	Short: "Check a lead's website and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(cmd.Context(), envOptions{}, pipeline.StageWebsiteCheck, args[0],
			func(ctx context.Context, env *appEnv) (any, error) {
				return env.Store.GetWebsiteCheck(ctx, args[0])
			})
	},
}

var uxAuditCmd = &cobra.Command{
	Use:   "ux-audit <lead-id>",
	Short: "Run the mobile UX friction audit for a lead",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, envOptions{Browser: true})
		if err != nil {
			return err
		}
		defer env.Close()

		lead, err := env.Store.GetLead(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "ux-audit")
		}
		target := website.Normalize(lead.Website())
		if check, err := env.Store.GetWebsiteCheck(ctx, lead.ID); err == nil && check != nil && check.ResolvedURL != "" {
			target = check.ResolvedURL
		}
		if target == "" {
			return eris.Errorf("ux-audit: lead %s has no website", lead.ID)
		}
		if err := env.Gate.Require(ctx, usage.MetricCaptureScreenshot, 1); err != nil {
			return eris.Wrap(err, "ux-audit")
		}

		res, err := env.UxAuditor.Audit(ctx, lead.ID, target)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark <lead-id>",
	Short: "Compare a lead against nearby competitors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(cmd.Context(), envOptions{}, pipeline.StageCompetitorBenchmark, args[0],
			func(ctx context.Context, env *appEnv) (any, error) {
				return env.Store.LatestBenchmark(ctx, args[0])
			})
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score <lead-id>",
	Short: "Score a lead from its latest enrichment records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(cmd.Context(), envOptions{}, pipeline.StageScore, args[0],
			func(ctx context.Context, env *appEnv) (any, error) {
				return env.Store.LatestScore(ctx, args[0])
			})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <lead-id> <label>",
	Short: "Set a lead's sales-stage label",
	Long: "Set a lead's sales-stage label, e.g. contacted or won. The pipeline " +
		"never overwrites a label outside new, enriching and scored.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		label := strings.TrimSpace(args[1])
		if label == "" {
			return eris.New("status: empty label")
		}
		if err := st.UpdateLeadStatus(ctx, args[0], model.LeadStatus(label)); err != nil {
			return eris.Wrap(err, "status")
		}
		fmt.Printf("lead %s is now %s\n", args[0], label)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(triggerCmd, checkWebsiteCmd, uxAuditCmd, benchmarkCmd, scoreCmd, statusCmd)
}

// runStage runs one stage handler inline for leadID, without enqueueing
// successors, then prints whatever result returns.
func runStage(ctx context.Context, opts envOptions, stage pipeline.Stage, leadID string, result func(context.Context, *appEnv) (any, error)) error {
	env, err := initEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer env.Close()

	handler, ok := env.Handlers.Funcs()[stage]
	if !ok {
		return eris.Errorf("no handler for stage %s", stage)
	}
	outcome, _, err := handler(ctx, &queue.Job{Stage: string(stage), LeadID: leadID})
	if err != nil {
		return err
	}
	zap.L().Info("stage finished",
		zap.String("stage", string(stage)),
		zap.String("lead_id", leadID),
		zap.String("outcome", string(outcome)),
	)

	v, err := result(ctx, env)
	if err != nil {
		return err
	}
	return printJSON(v)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
