package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// Memory is an in-process queue for tests and single-binary local runs.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]*memJob
	live        map[string]string // dedupe key -> job id
	seq         int
	maxAttempts int
	now         func() time.Time
}

type memJob struct {
	Job
	status Status
	seq    int
}

// NewMemory creates an empty in-memory queue.
func NewMemory(maxAttempts int) *Memory {
	return &Memory{
		jobs:        make(map[string]*memJob),
		live:        make(map[string]string),
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func (m *Memory) Enqueue(_ context.Context, job Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepare(&job, m.maxAttempts, m.now())
	if _, ok := m.live[job.DedupeKey]; ok {
		return false, nil
	}
	if _, ok := m.jobs[job.ID]; ok {
		return false, eris.Errorf("queue: duplicate job id %s", job.ID)
	}
	m.seq++
	m.jobs[job.ID] = &memJob{Job: job, status: StatusQueued, seq: m.seq}
	m.live[job.DedupeKey] = job.ID
	return true, nil
}

func (m *Memory) Claim(_ context.Context) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var next *memJob
	for _, j := range m.jobs {
		if j.status != StatusQueued || j.RunAt.After(now) {
			continue
		}
		if next == nil || j.RunAt.Before(next.RunAt) || (j.RunAt.Equal(next.RunAt) && j.seq < next.seq) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.status = StatusRunning
	next.Attempts++
	next.StartedAt = now
	out := next.Job
	return &out, nil
}

func (m *Memory) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return eris.Errorf("queue: unknown job %s", id)
	}
	j.status = StatusDone
	delete(m.live, j.DedupeKey)
	return nil
}

func (m *Memory) Fail(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return eris.Errorf("queue: unknown job %s", id)
	}
	j.LastError = reason
	if j.Attempts < j.MaxAttempts {
		j.status = StatusQueued
		j.RunAt = m.now().Add(Backoff(j.Attempts))
		return nil
	}
	j.status = StatusFailed
	delete(m.live, j.DedupeKey)
	return nil
}

func (m *Memory) ResetStale(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	n := 0
	for _, j := range m.jobs {
		if j.status == StatusRunning && j.StartedAt.Before(cutoff) {
			j.status = StatusQueued
			j.RunAt = m.now()
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }

// Jobs returns a snapshot of every job with the given status, oldest first.
func (m *Memory) Jobs(status Status) []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*memJob
	for _, j := range m.jobs {
		if j.status == status {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].seq < matched[b].seq })

	out := make([]Job, len(matched))
	for i, j := range matched {
		out[i] = j.Job
	}
	return out
}
