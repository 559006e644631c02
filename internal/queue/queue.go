// Package queue provides the durable scan job queue: an at-least-once broker
// with retry backoff, retention of finished jobs and cron-driven recurring
// jobs. An in-process broker and a Redis Streams broker implement it.
package queue

import (
	"context"
	"time"

	"github.com/khanhnv2901/securiscan/internal/shared/constants"
)

// Job is the payload of a scan job. Scheduled jobs carry no ScanID until the
// worker creates the scan.
type Job struct {
	ScanID    string `json:"scanId,omitempty"`
	SiteURL   string `json:"siteUrl"`
	SiteID    string `json:"siteId,omitempty"`
	Scheduled bool   `json:"scheduled,omitempty"`
}

// Retention bounds how many finished jobs are kept, and for how long.
// Zero values mean unbounded.
type Retention struct {
	Count int           `json:"count,omitempty"`
	Age   time.Duration `json:"age,omitempty"`
}

// Options control delivery and retention of a single job.
type Options struct {
	// JobID makes enqueueing idempotent: a second job with the same ID is
	// not added. Empty means a random ID.
	JobID            string        `json:"jobId,omitempty"`
	Attempts         int           `json:"attempts"`
	Backoff          time.Duration `json:"backoff"`
	RemoveOnComplete Retention     `json:"removeOnComplete"`
	RemoveOnFail     Retention     `json:"removeOnFail"`
}

// DefaultOptions returns the standard scan job policy.
func DefaultOptions() Options {
	return Options{
		Attempts: constants.DefaultJobAttempts,
		Backoff:  constants.DefaultBackoffDelay,
		RemoveOnComplete: Retention{
			Count: constants.CompletedRetentionCount,
			Age:   constants.CompletedRetentionAge,
		},
		RemoveOnFail: Retention{Count: constants.FailedRetentionCount},
	}
}

// BackoffFor returns the delay before the next delivery after the given
// number of failed attempts: Backoff * 2^(attempt-1).
func (o Options) BackoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return o.Backoff << (attempt - 1)
}

func (o Options) maxAttempts() int {
	if o.Attempts < 1 {
		return 1
	}
	return o.Attempts
}

// State is where a job currently sits in the queue.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// JobInfo is the inspectable view of a job.
type JobInfo struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	State        State      `json:"state"`
	Job          Job        `json:"data"`
	AttemptsMade int        `json:"attemptsMade"`
	MaxAttempts  int        `json:"maxAttempts"`
	LastError    string     `json:"lastError,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// Delivery is one attempt at processing a job. A handler may update Job; the
// updated payload is what a retry receives.
type Delivery struct {
	ID          string
	Name        string
	Job         Job
	Attempt     int
	MaxAttempts int

	receipt string
}

// Final reports whether a failure of this delivery is terminal.
func (d *Delivery) Final() bool {
	return d.Attempt >= d.MaxAttempts
}

// Recurring is a cron-registered job template.
type Recurring struct {
	Key     string `json:"key"`
	Pattern string `json:"pattern"`
	Job     Job    `json:"data"`
}

// Broker is the producer side of the queue.
type Broker interface {
	// Enqueue adds a job and returns its ID
	Enqueue(ctx context.Context, name string, job Job, opts Options) (string, error)

	// RegisterRecurring creates or replaces the recurring job stored under key
	RegisterRecurring(ctx context.Context, key, pattern string, job Job) error

	// RemoveRecurring deletes a recurring job; removing an unknown key is not an error
	RemoveRecurring(ctx context.Context, key string) error

	// ListRecurring returns every recurring registration ordered by key
	ListRecurring(ctx context.Context) ([]Recurring, error)

	// JobInfo returns the queue's view of a job
	JobInfo(ctx context.Context, id string) (*JobInfo, error)
}

// Consumer is the worker side of the queue.
type Consumer interface {
	// Receive blocks until a job is available or ctx is done
	Receive(ctx context.Context) (*Delivery, error)

	// Complete acknowledges successful processing
	Complete(ctx context.Context, d *Delivery) error

	// Fail records a failed attempt. It reports whether the job is now
	// terminally failed; otherwise it is scheduled for another attempt.
	Fail(ctx context.Context, d *Delivery, cause error) (terminal bool, err error)
}
