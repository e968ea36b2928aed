package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrich/internal/db"
)

// Postgres is a queue over the jobs table. Claims use FOR UPDATE SKIP
// LOCKED so any number of workers can poll the same table. The table is
// created by the store's migrations.
type Postgres struct {
	pool        db.Pool
	maxAttempts int
	now         func() time.Time
}

// NewPostgres creates a Postgres queue on an existing pool.
func NewPostgres(pool db.Pool, maxAttempts int) *Postgres {
	return &Postgres{pool: pool, maxAttempts: maxAttempts, now: time.Now}
}

func (q *Postgres) Enqueue(ctx context.Context, job Job) (bool, error) {
	prepare(&job, q.maxAttempts, q.now())

	payload := []byte("{}")
	var err error
	if len(job.Payload) > 0 {
		payload, err = json.Marshal(job.Payload)
	}
	if err != nil {
		return false, eris.Wrap(err, "queue: marshal payload")
	}

	tag, err := q.pool.Exec(ctx, `
		INSERT INTO jobs (id, stage, lead_id, payload, dedupe_key, max_attempts, run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dedupe_key) WHERE status IN ('queued', 'running') DO NOTHING`,
		job.ID, job.Stage, job.LeadID, payload, job.DedupeKey, job.MaxAttempts, job.RunAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "queue: enqueue %s", job.DedupeKey)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Postgres) Claim(ctx context.Context) (*Job, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, started_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' AND run_at <= now()
			ORDER BY run_at, queued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, stage, lead_id, payload, dedupe_key, attempts, max_attempts, last_error, run_at, started_at`)

	var (
		job     Job
		payload []byte
	)
	err := row.Scan(&job.ID, &job.Stage, &job.LeadID, &payload, &job.DedupeKey,
		&job.Attempts, &job.MaxAttempts, &job.LastError, &job.RunAt, &job.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim")
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, eris.Wrapf(err, "queue: decode payload for job %s", job.ID)
		}
	}
	return &job, nil
}

func (q *Postgres) Complete(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'done', finished_at = now() WHERE id = $1`, id)
	return eris.Wrapf(err, "queue: complete job %s", id)
}

func (q *Postgres) Fail(ctx context.Context, id, reason string) error {
	var status string
	err := q.pool.QueryRow(ctx, `
		UPDATE jobs SET
			last_error = $2,
			status = CASE WHEN attempts < max_attempts THEN 'queued' ELSE 'failed' END,
			run_at = CASE WHEN attempts < max_attempts
				THEN now() + make_interval(secs => attempts * $3::double precision)
				ELSE run_at END,
			finished_at = CASE WHEN attempts < max_attempts THEN NULL ELSE now() END
		WHERE id = $1
		RETURNING status`,
		id, reason, BackoffStep.Seconds(),
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Errorf("queue: unknown job %s", id)
	}
	return eris.Wrapf(err, "queue: fail job %s", id)
}

func (q *Postgres) ResetStale(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = 'queued', run_at = now()
		WHERE status = 'running' AND started_at < now() - make_interval(secs => $1::double precision)`,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "queue: reset stale jobs")
	}
	return int(tag.RowsAffected()), nil
}

// Close is a no-op. The pool belongs to the store.
func (q *Postgres) Close() error { return nil }
