package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	keyQueued     = "leadgen:jobs:queued"
	keyProcessing = "leadgen:jobs:processing"
	keyDelayed    = "leadgen:jobs:delayed"
	keyDead       = "leadgen:jobs:dead"
	keyJobPrefix  = "leadgen:job:"
	keyDedupe     = "leadgen:dedupe:"
)

// DefaultDedupeTTL expires dedupe keys whose job was lost without being
// completed or failed.
const DefaultDedupeTTL = 24 * time.Hour

// Redis is a list-based queue. Queued ids live in a list, claimed ids move
// atomically to a processing list with BLMOVE, and backoff redeliveries
// wait in a sorted set scored by due time.
type Redis struct {
	client      *redis.Client
	maxAttempts int
	dedupeTTL   time.Duration
	block       time.Duration
	now         func() time.Time
}

// NewRedisFromURL connects to redisURL and verifies it with a ping.
func NewRedisFromURL(ctx context.Context, redisURL string, maxAttempts int) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, eris.Wrap(err, "queue: parse redis url")
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "queue: connect to redis")
	}
	return NewRedis(client, maxAttempts), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, maxAttempts int) *Redis {
	return &Redis{
		client:      client,
		maxAttempts: maxAttempts,
		dedupeTTL:   DefaultDedupeTTL,
		block:       time.Second,
		now:         time.Now,
	}
}

func jobKey(id string) string { return keyJobPrefix + id }
func dedupeKey(key string) string { return keyDedupe + key }
func score(t time.Time) float64 { return float64(t.UnixMilli()) }
func scoreString(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (q *Redis) Enqueue(ctx context.Context, job Job) (bool, error) {
	prepare(&job, q.maxAttempts, q.now())

	ok, err := q.client.SetNX(ctx, dedupeKey(job.DedupeKey), job.ID, q.dedupeTTL).Result()
	if err != nil {
		return false, eris.Wrapf(err, "queue: reserve dedupe key %s", job.DedupeKey)
	}
	if !ok {
		return false, nil
	}

	data, err := json.Marshal(job)
	if err != nil {
		return false, eris.Wrap(err, "queue: marshal job")
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, 0)
	if job.RunAt.After(q.now()) {
		pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: score(job.RunAt), Member: job.ID})
	} else {
		pipe.LPush(ctx, keyQueued, job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		_ = q.client.Del(ctx, dedupeKey(job.DedupeKey)).Err()
		return false, eris.Wrapf(err, "queue: enqueue %s", job.DedupeKey)
	}
	return true, nil
}

// promoteDue moves delayed jobs whose backoff has elapsed onto the queue.
func (q *Redis) promoteDue(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: scoreString(q.now()),
	}).Result()
	if err != nil {
		return eris.Wrap(err, "queue: read delayed jobs")
	}
	for _, id := range due {
		removed, err := q.client.ZRem(ctx, keyDelayed, id).Result()
		if err != nil {
			return eris.Wrap(err, "queue: take delayed job")
		}
		// Another worker promoted it first.
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, keyQueued, id).Err(); err != nil {
			return eris.Wrap(err, "queue: promote delayed job")
		}
	}
	return nil
}

func (q *Redis) Claim(ctx context.Context) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	id, err := q.client.BLMove(ctx, keyQueued, keyProcessing, "RIGHT", "LEFT", q.block).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim")
	}

	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		zap.L().Warn("queue: dropping job with missing body", zap.String("job_id", id))
		_ = q.client.LRem(ctx, keyProcessing, 1, id).Err()
		return nil, nil
	}
	job.Attempts++
	job.StartedAt = q.now()
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Redis) load(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "queue: load job %s", id)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, eris.Wrapf(err, "queue: decode job %s", id)
	}
	return &job, nil
}

func (q *Redis) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "queue: marshal job")
	}
	return eris.Wrapf(q.client.Set(ctx, jobKey(job.ID), data, 0).Err(), "queue: save job %s", job.ID)
}

func (q *Redis) Complete(ctx context.Context, id string) error {
	job, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, keyProcessing, 1, id)
	pipe.Del(ctx, jobKey(id))
	if job != nil {
		pipe.Del(ctx, dedupeKey(job.DedupeKey))
	}
	_, err = pipe.Exec(ctx)
	return eris.Wrapf(err, "queue: complete job %s", id)
}

func (q *Redis) Fail(ctx context.Context, id, reason string) error {
	job, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return eris.Errorf("queue: unknown job %s", id)
	}
	job.LastError = reason

	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "queue: marshal job")
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, keyProcessing, 1, id)
	pipe.Set(ctx, jobKey(id), data, 0)
	if job.Attempts < job.MaxAttempts {
		due := q.now().Add(Backoff(job.Attempts))
		pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: score(due), Member: id})
	} else {
		pipe.LPush(ctx, keyDead, id)
		pipe.Del(ctx, dedupeKey(job.DedupeKey))
	}
	_, err = pipe.Exec(ctx)
	return eris.Wrapf(err, "queue: fail job %s", id)
}

func (q *Redis) ResetStale(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := q.client.LRange(ctx, keyProcessing, 0, -1).Result()
	if err != nil {
		return 0, eris.Wrap(err, "queue: list processing jobs")
	}
	cutoff := q.now().Add(-olderThan)
	n := 0
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil {
			return n, err
		}
		if job != nil && job.StartedAt.After(cutoff) {
			continue
		}
		removed, err := q.client.LRem(ctx, keyProcessing, 1, id).Result()
		if err != nil {
			return n, eris.Wrap(err, "queue: release stale job")
		}
		if removed == 0 || job == nil {
			continue
		}
		if err := q.client.LPush(ctx, keyQueued, id).Err(); err != nil {
			return n, eris.Wrap(err, "queue: requeue stale job")
		}
		n++
	}
	return n, nil
}

// Close closes the underlying client.
func (q *Redis) Close() error {
	return q.client.Close()
}
