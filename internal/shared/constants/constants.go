package constants

import "time"

const (
	// QueueName is the logical queue every scan job is placed on.
	QueueName = "security-scans"
	// JobName identifies a scan job inside the queue.
	JobName = "run-scan"
)

const (
	// DefaultWorkerConcurrency is how many scan jobs run at once.
	DefaultWorkerConcurrency = 2
	// DefaultRateMax and DefaultRateWindow bound how many jobs start per window.
	DefaultRateMax    = 10
	DefaultRateWindow = 60 * time.Second
)

const (
	// DefaultJobAttempts is the number of deliveries before a job fails for good.
	DefaultJobAttempts = 3
	// DefaultBackoffDelay is the base of the exponential retry backoff.
	DefaultBackoffDelay = 2 * time.Second
	// Completed jobs are kept for inspection up to this count and age.
	CompletedRetentionCount = 1000
	CompletedRetentionAge   = 24 * time.Hour
	// FailedRetentionCount is how many failed jobs stay inspectable.
	FailedRetentionCount = 500
)

const (
	// MaxErrorMessageLength caps the error text stored on a failed scan.
	MaxErrorMessageLength = 1000
	// RecurringKeyPrefix prefixes the per-site recurring registration key.
	RecurringKeyPrefix = "scheduled-scan-"
	// CriticalScoreThreshold and ScoreDropThreshold gate critical alerts.
	CriticalScoreThreshold = 50
	ScoreDropThreshold     = 10
)
