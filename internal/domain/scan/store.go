package scan

import (
	"context"

	"github.com/khanhnv2901/securiscan/internal/checker"
)

// Store persists scans and exposes the site data the scanning core reads.
// Lookups of missing records return the matching shared not-found error.
type Store interface {
	// CreateScan persists a new scan
	CreateScan(ctx context.Context, s *Scan) error

	// GetScan retrieves a scan by its ID
	GetScan(ctx context.Context, id string) (*Scan, error)

	// UpdateScan writes status, timestamps, score and error message
	UpdateScan(ctx context.Context, s *Scan) error

	// BulkInsertResults stores every check result of a scan at once
	BulkInsertResults(ctx context.Context, scanID string, results []checker.CheckResult) error

	// ListResults returns the check results of a scan
	ListResults(ctx context.Context, scanID string) ([]checker.CheckResult, error)

	// GetSite retrieves a site by its ID
	GetSite(ctx context.Context, id string) (*Site, error)

	// GetSiteOwner returns the user owning a site
	GetSiteOwner(ctx context.Context, siteID string) (*User, error)

	// UpdateSiteCadence changes how often a site is scanned
	UpdateSiteCadence(ctx context.Context, siteID string, cadence Cadence) error

	// GetPreviousCompletedScore returns the score of the most recent completed
	// scan of a site other than excludingScanID, or nil if there is none
	GetPreviousCompletedScore(ctx context.Context, siteID, excludingScanID string) (*int, error)

	// ListActiveSitesWithCadence returns active sites whose cadence is not NONE
	ListActiveSitesWithCadence(ctx context.Context) ([]*Site, error)
}
