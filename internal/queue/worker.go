package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one claimed job. A returned error schedules a
// redelivery.
type Handler func(ctx context.Context, job *Job) error

// Run claims jobs from q and hands them to concurrency workers until ctx is
// cancelled. When the queue is empty the dispatcher waits pollInterval
// before claiming again. Every job is completed or failed after its
// handler returns, and handler panics are converted to failures.
func Run(ctx context.Context, q Queue, handler Handler, concurrency int, pollInterval time.Duration) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	log := zap.L().With(zap.String("component", "queue.worker"))
	log.Info("worker pool started",
		zap.Int("concurrency", concurrency),
		zap.Duration("poll_interval", pollInterval),
	)

	jobs := make(chan *Job)
	g, gCtx := errgroup.WithContext(ctx)

	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for job := range jobs {
				process(gCtx, q, handler, job, log)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			job, err := q.Claim(gCtx)
			if err != nil {
				if gCtx.Err() != nil {
					return nil
				}
				log.Error("queue: claim failed", zap.Error(err))
			}
			if job != nil {
				select {
				case jobs <- job:
					continue
				case <-gCtx.Done():
					// Claimed but never started; it is requeued by ResetStale.
					return nil
				}
			}

			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()
	log.Info("worker pool stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func process(ctx context.Context, q Queue, handler Handler, job *Job, log *zap.Logger) {
	jlog := log.With(
		zap.String("job_id", job.ID),
		zap.String("stage", job.Stage),
		zap.String("lead_id", job.LeadID),
		zap.Int("attempt", job.Attempts),
	)
	start := time.Now()

	err := safeHandle(ctx, handler, job)

	// Acknowledge even when the worker is shutting down.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err != nil {
		jlog.Warn("job failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		if ferr := q.Fail(ackCtx, job.ID, err.Error()); ferr != nil {
			jlog.Error("queue: record failure", zap.Error(ferr))
		}
		return
	}
	if cerr := q.Complete(ackCtx, job.ID); cerr != nil {
		jlog.Error("queue: complete job", zap.Error(cerr))
		return
	}
	jlog.Debug("job done", zap.Duration("elapsed", time.Since(start)))
}

func safeHandle(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
