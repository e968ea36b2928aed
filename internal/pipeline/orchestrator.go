package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrich/internal/queue"
)

// HandlerFunc runs one stage for a job. leadIDs is only meaningful for
// DISCOVER, where it names the saved leads still waiting for a website
// check.
type HandlerFunc func(ctx context.Context, job *queue.Job) (outcome Outcome, leadIDs []string, err error)

// Orchestrator dispatches queued jobs to stage handlers and enqueues the
// stages that follow.
type Orchestrator struct {
	queue    queue.Queue
	handlers map[Stage]HandlerFunc
}

// NewOrchestrator creates an Orchestrator over q.
func NewOrchestrator(q queue.Queue, handlers map[Stage]HandlerFunc) *Orchestrator {
	return &Orchestrator{queue: q, handlers: handlers}
}

// Handle satisfies queue.Handler. A handler error is returned so the queue
// redelivers the job; successors are only enqueued after a clean run.
func (o *Orchestrator) Handle(ctx context.Context, job *queue.Job) error {
	stage := Stage(job.Stage)
	log := zap.L().With(
		zap.String("stage", job.Stage),
		zap.String("lead_id", job.LeadID),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
	)

	h, ok := o.handlers[stage]
	if !ok {
		return eris.Errorf("pipeline: no handler for stage %q", job.Stage)
	}

	start := time.Now()
	outcome, leadIDs, err := h(ctx, job)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		log.Error("pipeline: stage failed", zap.Int64("duration_ms", duration), zap.Error(err))
		return eris.Wrapf(err, "pipeline: %s", job.Stage)
	}
	log.Info("pipeline: stage complete",
		zap.String("outcome", string(outcome)),
		zap.Int64("duration_ms", duration),
	)

	_, err = o.Advance(ctx, job, outcome, leadIDs)
	return err
}

// Advance enqueues the successors of job for outcome and returns how many
// new jobs were added. DISCOVER fans out over leadIDs; every other stage
// continues with the job's own lead.
func (o *Orchestrator) Advance(ctx context.Context, job *queue.Job, outcome Outcome, leadIDs []string) (int, error) {
	next := Next(Stage(job.Stage), outcome)
	if len(next) == 0 {
		return 0, nil
	}

	targets := []string{job.LeadID}
	if Stage(job.Stage) == StageDiscover {
		targets = leadIDs
	}

	added := 0
	for _, stage := range next {
		for _, leadID := range targets {
			ok, err := o.Enqueue(ctx, stage, leadID)
			if err != nil {
				return added, err
			}
			if ok {
				added++
			}
		}
	}
	return added, nil
}

// Enqueue adds a per-lead stage job. It returns false when an identical job
// is already pending or running.
func (o *Orchestrator) Enqueue(ctx context.Context, stage Stage, leadID string) (bool, error) {
	if leadID == "" {
		return false, eris.Errorf("pipeline: enqueue %s: empty lead id", stage)
	}
	added, err := o.queue.Enqueue(ctx, queue.Job{
		Stage:     string(stage),
		LeadID:    leadID,
		DedupeKey: DedupeKey(stage, leadID),
	})
	if err != nil {
		return false, eris.Wrapf(err, "pipeline: enqueue %s for %s", stage, leadID)
	}
	if !added {
		zap.L().Debug("pipeline: job already pending",
			zap.String("stage", string(stage)),
			zap.String("lead_id", leadID),
		)
	}
	return added, nil
}

// Trigger restarts the chain for a lead at WEBSITE_CHECK.
func (o *Orchestrator) Trigger(ctx context.Context, leadID string) (bool, error) {
	return o.Enqueue(ctx, StageWebsiteCheck, leadID)
}

// EnqueueDiscover adds a discovery job for a text query.
func (o *Orchestrator) EnqueueDiscover(ctx context.Context, query string) (bool, error) {
	if query == "" {
		return false, eris.New("pipeline: empty discovery query")
	}
	added, err := o.queue.Enqueue(ctx, queue.Job{
		Stage:     string(StageDiscover),
		Payload:   map[string]string{PayloadQuery: query},
		DedupeKey: DiscoverKey(query),
	})
	return added, eris.Wrapf(err, "pipeline: enqueue discovery %q", query)
}
