package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/airport-pooling/internal/models"
)

// Queue stores jobs and hands them to workers under a lease. Claim promotes
// delayed jobs that are due and re-queues jobs whose lease expired. Complete,
// Retry and Fail must be called with the job returned by Claim and fail with
// ErrStaleLease once that claim was superseded.
type Queue interface {
	// Enqueue adds job unless a job with the same ID exists. added is false
	// for duplicates.
	Enqueue(ctx context.Context, job *Job) (added bool, err error)
	// Claim returns the next runnable job or nil when there is none.
	Claim(ctx context.Context, lease time.Duration) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, delay time.Duration, reason string) error
	Fail(ctx context.Context, job *Job, reason string) error
	Get(ctx context.Context, id string) (*Job, error)
}

type ledgerEntry struct {
	id string
	at time.Time
}

// MemoryQueue is an in-process Queue for tests and single-process runs.
type MemoryQueue struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	wait      []string
	leases    map[string]time.Time
	completed []ledgerEntry
	failed    []ledgerEntry

	CompletedRetention Retention
	FailedRetention    Retention
	now                func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:               map[string]*Job{},
		leases:             map[string]time.Time{},
		CompletedRetention: DefaultCompletedRetention,
		FailedRetention:    DefaultFailedRetention,
		now:                time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[job.ID]; ok {
		return false, nil
	}
	now := q.now().UTC()
	j := *job
	j.State = StateWaiting
	j.Attempts = 0
	j.CreatedAt, j.UpdatedAt = now, now
	q.jobs[j.ID] = &j
	q.wait = append(q.wait, j.ID)
	return true, nil
}

func (q *MemoryQueue) Claim(_ context.Context, lease time.Duration) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()

	for _, j := range q.jobs {
		if j.State == StateDelayed && !j.RunAt.After(now) {
			j.State = StateWaiting
			q.wait = append(q.wait, j.ID)
		}
	}
	for id, until := range q.leases {
		if until.After(now) {
			continue
		}
		delete(q.leases, id)
		j := q.jobs[id]
		j.Token = ""
		if j.Attempts >= j.MaxAttempts {
			j.State, j.LastError, j.UpdatedAt = StateFailed, "lease expired", now
			q.failed = q.prune(append(q.failed, ledgerEntry{id, now}), q.FailedRetention, now)
			continue
		}
		j.State = StateWaiting
		q.wait = append(q.wait, id)
	}

	if len(q.wait) == 0 {
		return nil, nil
	}
	id := q.wait[0]
	q.wait = q.wait[1:]
	j := q.jobs[id]
	j.Attempts++
	j.State = StateActive
	j.Token = uuid.NewString()
	j.UpdatedAt = now
	q.leases[id] = now.Add(lease)
	out := *j
	return &out, nil
}

// owned returns the stored job if job still holds its claim. Callers hold mu.
func (q *MemoryQueue) owned(job *Job) (*Job, error) {
	j, ok := q.jobs[job.ID]
	if !ok || j.State != StateActive || j.Token != job.Token {
		return nil, fmt.Errorf("job %s: %w", job.ID, ErrStaleLease)
	}
	delete(q.leases, job.ID)
	j.Token = ""
	return j, nil
}

func (q *MemoryQueue) Complete(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.owned(job)
	if err != nil {
		return err
	}
	now := q.now().UTC()
	j.State, j.UpdatedAt, j.LastError = StateCompleted, now, ""
	q.completed = q.prune(append(q.completed, ledgerEntry{j.ID, now}), q.CompletedRetention, now)
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, job *Job, delay time.Duration, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.owned(job)
	if err != nil {
		return err
	}
	now := q.now().UTC()
	j.State, j.UpdatedAt, j.LastError, j.RunAt = StateDelayed, now, reason, now.Add(delay)
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, job *Job, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.owned(job)
	if err != nil {
		return err
	}
	now := q.now().UTC()
	j.State, j.UpdatedAt, j.LastError = StateFailed, now, reason
	q.failed = q.prune(append(q.failed, ledgerEntry{j.ID, now}), q.FailedRetention, now)
	return nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	out := *j
	return &out, nil
}

// prune drops ledger entries that are too old or beyond the count, oldest
// first, and forgets their jobs. Callers hold mu.
func (q *MemoryQueue) prune(ledger []ledgerEntry, r Retention, now time.Time) []ledgerEntry {
	cut := 0
	for cut < len(ledger) && (now.Sub(ledger[cut].at) > r.Age || len(ledger)-cut > r.Count) {
		delete(q.jobs, ledger[cut].id)
		cut++
	}
	return ledger[cut:]
}
