package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-enrich/internal/queue"
)

const defaultAuditConcurrency = 2

// BatchResult counts batch audit outcomes.
type BatchResult struct {
	Audited int64
	Skipped int64
	Quota   int64
	Failed  int64
}

// BatchAudit runs the performance audit for many leads with at most
// concurrency in flight. A failed lead is logged and does not stop the
// others.
func (h *Handlers) BatchAudit(ctx context.Context, leadIDs []string, concurrency int) (*BatchResult, error) {
	if concurrency <= 0 {
		concurrency = defaultAuditConcurrency
	}
	zap.L().Info("pipeline: batch audit",
		zap.Int("leads", len(leadIDs)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var audited, skipped, quota, failed atomic.Int64
	for _, id := range leadIDs {
		g.Go(func() error {
			log := zap.L().With(zap.String("lead_id", id))
			outcome, _, err := h.PerformanceAudit(gctx, &queue.Job{Stage: string(StagePerformanceAudit), LeadID: id})
			if err != nil {
				failed.Add(1)
				log.Error("pipeline: audit failed", zap.Error(err))
				return nil
			}
			switch outcome {
			case OutcomeDone:
				audited.Add(1)
			case OutcomeQuotaExceeded:
				quota.Add(1)
			default:
				skipped.Add(1)
			}
			log.Info("pipeline: audit finished", zap.String("outcome", string(outcome)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "pipeline: batch audit")
	}

	res := &BatchResult{
		Audited: audited.Load(),
		Skipped: skipped.Load(),
		Quota:   quota.Load(),
		Failed:  failed.Load(),
	}
	zap.L().Info("pipeline: batch audit complete",
		zap.Int64("audited", res.Audited),
		zap.Int64("skipped", res.Skipped),
		zap.Int64("quota_exceeded", res.Quota),
		zap.Int64("failed", res.Failed),
	)
	return res, nil
}
