package scan

import (
	"fmt"
	"strings"

	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
)

// Cadence is how often a site is scanned automatically.
type Cadence string

const (
	CadenceNone    Cadence = "NONE"
	CadenceDaily   Cadence = "DAILY"
	CadenceWeekly  Cadence = "WEEKLY"
	CadenceMonthly Cadence = "MONTHLY"
)

// ParseCadence accepts a cadence name in any case. Empty means NONE.
func ParseCadence(s string) (Cadence, error) {
	switch c := Cadence(strings.ToUpper(strings.TrimSpace(s))); c {
	case "":
		return CadenceNone, nil
	case CadenceNone, CadenceDaily, CadenceWeekly, CadenceMonthly:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", sharedErrors.ErrInvalidCadence, s)
	}
}

// Site is a registered web property. Sites are managed outside the scanning
// core and are read-only here.
type Site struct {
	ID       string  `json:"id" db:"id"`
	UserID   string  `json:"userId" db:"user_id"`
	Name     string  `json:"name" db:"name"`
	URL      string  `json:"url" db:"url"`
	IsActive bool    `json:"isActive" db:"is_active"`
	Cadence  Cadence `json:"scanCadence" db:"scan_cadence"`
}

// DisplayName falls back to the URL for unnamed sites.
func (s *Site) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.URL
}

// Recurring reports whether the site is scanned on a cadence. Empty counts
// as NONE.
func (s *Site) Recurring() bool {
	return s.Cadence != "" && s.Cadence != CadenceNone
}

// User owns sites and receives their notifications.
type User struct {
	ID                   string `json:"id" db:"id"`
	Email                string `json:"email" db:"email"`
	Name                 string `json:"name" db:"name"`
	NotificationsEnabled bool   `json:"notificationsEnabled" db:"notifications_enabled"`
}
