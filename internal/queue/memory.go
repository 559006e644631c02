package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
)

// MemoryBroker is an in-process Broker and Consumer. Jobs do not survive a
// restart; use it for single-process deployments and tests.
type MemoryBroker struct {
	mu        sync.Mutex
	jobs      map[string]*memoryJob
	waiting   []string
	wake      chan struct{}
	recurring *recurringRunner
	now       func() time.Time
	closed    bool
}

type memoryJob struct {
	info        JobInfo
	opts        Options
	availableAt time.Time
}

// NewMemoryBroker creates an empty in-process broker. Recurring jobs fire in
// loc (nil means local time).
func NewMemoryBroker(logger *zap.Logger, loc *time.Location) *MemoryBroker {
	m := &MemoryBroker{
		jobs: make(map[string]*memoryJob),
		wake: make(chan struct{}),
		now:  time.Now,
	}
	m.recurring = newRecurringRunner(loc, logger, m.Enqueue)
	return m
}

// Enqueue adds a job. A job whose Options.JobID already exists is not added
// again.
func (m *MemoryBroker) Enqueue(ctx context.Context, name string, job Job, opts Options) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", sharedErrors.ErrBrokerClosed
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	} else if _, exists := m.jobs[id]; exists {
		return id, nil
	}

	m.jobs[id] = &memoryJob{
		info: JobInfo{
			ID:          id,
			Name:        name,
			State:       StateWaiting,
			Job:         job,
			MaxAttempts: opts.maxAttempts(),
			CreatedAt:   m.now(),
		},
		opts: opts,
	}
	m.waiting = append(m.waiting, id)
	m.broadcast()
	return id, nil
}

// Receive blocks until a waiting or due delayed job is available.
func (m *MemoryBroker) Receive(ctx context.Context) (*Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, sharedErrors.ErrBrokerClosed
		}

		now := m.now()
		m.promoteLocked(now)
		if d := m.popLocked(); d != nil {
			m.mu.Unlock()
			return d, nil
		}
		next := m.nextDueLocked(now)
		wake := m.wake
		m.mu.Unlock()

		var timer *time.Timer
		var due <-chan time.Time
		if next > 0 {
			timer = time.NewTimer(next)
			due = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (m *MemoryBroker) promoteLocked(now time.Time) {
	var due []*memoryJob
	for _, j := range m.jobs {
		if j.info.State == StateDelayed && !j.availableAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].availableAt.Before(due[b].availableAt) })
	for _, j := range due {
		j.info.State = StateWaiting
		m.waiting = append(m.waiting, j.info.ID)
	}
}

func (m *MemoryBroker) popLocked() *Delivery {
	for len(m.waiting) > 0 {
		id := m.waiting[0]
		m.waiting = m.waiting[1:]

		j, ok := m.jobs[id]
		if !ok || j.info.State != StateWaiting {
			continue
		}
		j.info.State = StateActive
		j.info.AttemptsMade++
		return &Delivery{
			ID:          id,
			Name:        j.info.Name,
			Job:         j.info.Job,
			Attempt:     j.info.AttemptsMade,
			MaxAttempts: j.info.MaxAttempts,
		}
	}
	return nil
}

// nextDueLocked returns how long until the earliest delayed job is due, or 0
// if nothing is delayed.
func (m *MemoryBroker) nextDueLocked(now time.Time) time.Duration {
	var next time.Duration
	for _, j := range m.jobs {
		if j.info.State != StateDelayed {
			continue
		}
		wait := j.availableAt.Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		if next == 0 || wait < next {
			next = wait
		}
	}
	return next
}

// Complete marks an active job as completed.
func (m *MemoryBroker) Complete(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.activeLocked(d)
	if err != nil {
		return err
	}
	finished := m.now()
	j.info.State = StateCompleted
	j.info.FinishedAt = &finished
	m.pruneLocked(StateCompleted, j.opts.RemoveOnComplete, finished)
	return nil
}

// Fail records the failure and either schedules a retry after the backoff
// or, on the last attempt, marks the job failed.
func (m *MemoryBroker) Fail(ctx context.Context, d *Delivery, cause error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.activeLocked(d)
	if err != nil {
		return false, err
	}
	if cause != nil {
		j.info.LastError = cause.Error()
	}
	j.info.Job = d.Job

	now := m.now()
	if j.info.AttemptsMade >= j.info.MaxAttempts {
		j.info.State = StateFailed
		j.info.FinishedAt = &now
		m.pruneLocked(StateFailed, j.opts.RemoveOnFail, now)
		return true, nil
	}

	j.info.State = StateDelayed
	j.availableAt = now.Add(j.opts.BackoffFor(j.info.AttemptsMade))
	m.broadcast()
	return false, nil
}

func (m *MemoryBroker) activeLocked(d *Delivery) (*memoryJob, error) {
	j, ok := m.jobs[d.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sharedErrors.ErrJobNotFound, d.ID)
	}
	if j.info.State != StateActive {
		return nil, fmt.Errorf("job %s is %s, not active", d.ID, j.info.State)
	}
	return j, nil
}

// pruneLocked drops finished jobs in state beyond the retention count or age,
// oldest first.
func (m *MemoryBroker) pruneLocked(state State, keep Retention, now time.Time) {
	type finishedJob struct {
		id         string
		finishedAt time.Time
	}
	var finished []finishedJob
	for id, j := range m.jobs {
		if j.info.State == state && j.info.FinishedAt != nil {
			finished = append(finished, finishedJob{id: id, finishedAt: *j.info.FinishedAt})
		}
	}

	// Newest first
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].finishedAt.After(finished[j].finishedAt)
	})

	for i, f := range finished {
		tooMany := keep.Count > 0 && i >= keep.Count
		tooOld := keep.Age > 0 && now.Sub(f.finishedAt) > keep.Age
		if tooMany || tooOld {
			delete(m.jobs, f.id)
		}
	}
}

// JobInfo returns a copy of the job's current state.
func (m *MemoryBroker) JobInfo(ctx context.Context, id string) (*JobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sharedErrors.ErrJobNotFound, id)
	}
	info := j.info
	if info.FinishedAt != nil {
		finished := *info.FinishedAt
		info.FinishedAt = &finished
	}
	return &info, nil
}

// RegisterRecurring creates or replaces a recurring job.
func (m *MemoryBroker) RegisterRecurring(ctx context.Context, key, pattern string, job Job) error {
	return m.recurring.set(Recurring{Key: key, Pattern: pattern, Job: job})
}

// RemoveRecurring deletes a recurring job.
func (m *MemoryBroker) RemoveRecurring(ctx context.Context, key string) error {
	m.recurring.remove(key)
	return nil
}

// ListRecurring returns every recurring job ordered by key.
func (m *MemoryBroker) ListRecurring(ctx context.Context) ([]Recurring, error) {
	return m.recurring.list(), nil
}

// StartRecurring starts firing recurring jobs.
func (m *MemoryBroker) StartRecurring(ctx context.Context) error {
	m.recurring.start()
	return nil
}

// Close stops recurring jobs and wakes blocked receivers.
func (m *MemoryBroker) Close() error {
	m.recurring.stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.broadcast()
	}
	return nil
}

func (m *MemoryBroker) broadcast() {
	close(m.wake)
	m.wake = make(chan struct{})
}
