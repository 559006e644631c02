package scan

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
)

// Scan is one execution of every probe against one site. It is the aggregate
// root for its check results; status only moves forward.
type Scan struct {
	id           string
	siteID       string
	status       Status
	overallScore *int
	createdAt    time.Time
	startedAt    time.Time
	completedAt  time.Time
	errorMessage string
}

// Status represents the lifecycle state of a scan
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// New creates a pending scan for a site.
func New(siteID string, now time.Time) (*Scan, error) {
	if siteID == "" {
		return nil, sharedErrors.ErrEmptySiteID
	}
	return &Scan{
		id:        uuid.NewString(),
		siteID:    siteID,
		status:    StatusPending,
		createdAt: now,
	}, nil
}

// Reconstruct creates a scan from persisted data
func Reconstruct(id, siteID string, status Status, overallScore *int, createdAt, startedAt, completedAt time.Time, errorMessage string) *Scan {
	return &Scan{
		id:           id,
		siteID:       siteID,
		status:       status,
		overallScore: overallScore,
		createdAt:    createdAt,
		startedAt:    startedAt,
		completedAt:  completedAt,
		errorMessage: errorMessage,
	}
}

// Business methods

// Start marks the scan as running
func (s *Scan) Start(now time.Time) error {
	if s.status != StatusPending {
		return fmt.Errorf("%w: cannot start scan in %s", sharedErrors.ErrInvalidTransition, s.status)
	}
	s.status = StatusRunning
	s.startedAt = now
	return nil
}

// Complete marks the scan as completed with its overall score
func (s *Scan) Complete(score int, now time.Time) error {
	if s.status != StatusRunning {
		return fmt.Errorf("%w: cannot complete scan in %s", sharedErrors.ErrInvalidTransition, s.status)
	}
	if score < 0 || score > 100 {
		return fmt.Errorf("%w: %d", sharedErrors.ErrScoreOutOfRange, score)
	}
	s.status = StatusCompleted
	s.overallScore = &score
	s.completedAt = now
	return nil
}

// Fail marks a running scan as failed. The message is truncated to maxLen
// characters.
func (s *Scan) Fail(message string, maxLen int, now time.Time) error {
	if s.status != StatusRunning {
		return fmt.Errorf("%w: cannot fail scan in %s", sharedErrors.ErrInvalidTransition, s.status)
	}
	s.status = StatusFailed
	s.errorMessage = Truncate(message, maxLen)
	s.completedAt = now
	return nil
}

// Truncate shortens message to at most maxLen runes.
func Truncate(message string, maxLen int) string {
	if maxLen <= 0 {
		return message
	}
	runes := []rune(message)
	if len(runes) <= maxLen {
		return message
	}
	return string(runes[:maxLen])
}

// Getters

func (s *Scan) ID() string {
	return s.id
}

func (s *Scan) SiteID() string {
	return s.siteID
}

func (s *Scan) Status() Status {
	return s.status
}

// OverallScore is nil unless the scan completed.
func (s *Scan) OverallScore() *int {
	if s.overallScore == nil {
		return nil
	}
	score := *s.overallScore
	return &score
}

func (s *Scan) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Scan) StartedAt() time.Time {
	return s.startedAt
}

func (s *Scan) CompletedAt() time.Time {
	return s.completedAt
}

func (s *Scan) ErrorMessage() string {
	return s.errorMessage
}
