package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/khanhnv2901/securiscan/internal/checker"
	"github.com/khanhnv2901/securiscan/internal/domain/scan"
	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
)

// MemoryStore implements scan.Store in memory. Sites and users are seeded
// with SaveSite and SaveUser.
type MemoryStore struct {
	mu      sync.RWMutex
	scans   map[string]scan.Scan
	results map[string][]checker.CheckResult
	sites   map[string]scan.Site
	users   map[string]scan.User
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scans:   make(map[string]scan.Scan),
		results: make(map[string][]checker.CheckResult),
		sites:   make(map[string]scan.Site),
		users:   make(map[string]scan.User),
	}
}

// SaveSite inserts or replaces a site
func (m *MemoryStore) SaveSite(ctx context.Context, site *scan.Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sites[site.ID] = *site
	return nil
}

// SaveUser inserts or replaces a user
func (m *MemoryStore) SaveUser(ctx context.Context, user *scan.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = *user
	return nil
}

func (m *MemoryStore) CreateScan(ctx context.Context, s *scan.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.scans[s.ID()]; exists {
		return fmt.Errorf("%w: scan %s already exists", sharedErrors.ErrRepositoryOperation, s.ID())
	}
	m.scans[s.ID()] = *s
	return nil
}

func (m *MemoryStore) GetScan(ctx context.Context, id string) (*scan.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sharedErrors.ErrScanNotFound, id)
	}
	return &s, nil
}

func (m *MemoryStore) UpdateScan(ctx context.Context, s *scan.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scans[s.ID()]; !ok {
		return fmt.Errorf("%w: %s", sharedErrors.ErrScanNotFound, s.ID())
	}
	m.scans[s.ID()] = *s
	return nil
}

// BulkInsertResults replaces any results already stored for the scan.
func (m *MemoryStore) BulkInsertResults(ctx context.Context, scanID string, results []checker.CheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[scanID] = append([]checker.CheckResult(nil), results...)
	return nil
}

func (m *MemoryStore) ListResults(ctx context.Context, scanID string) ([]checker.CheckResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]checker.CheckResult(nil), m.results[scanID]...), nil
}

func (m *MemoryStore) GetSite(ctx context.Context, id string) (*scan.Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	site, ok := m.sites[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sharedErrors.ErrSiteNotFound, id)
	}
	return &site, nil
}

func (m *MemoryStore) GetSiteOwner(ctx context.Context, siteID string) (*scan.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	site, ok := m.sites[siteID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sharedErrors.ErrSiteNotFound, siteID)
	}
	user, ok := m.users[site.UserID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sharedErrors.ErrUserNotFound, site.UserID)
	}
	return &user, nil
}

func (m *MemoryStore) UpdateSiteCadence(ctx context.Context, siteID string, cadence scan.Cadence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	site, ok := m.sites[siteID]
	if !ok {
		return fmt.Errorf("%w: %s", sharedErrors.ErrSiteNotFound, siteID)
	}
	site.Cadence = cadence
	m.sites[siteID] = site
	return nil
}

func (m *MemoryStore) GetPreviousCompletedScore(ctx context.Context, siteID, excludingScanID string) (*int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *scan.Scan
	for id := range m.scans {
		s := m.scans[id]
		if id == excludingScanID || s.SiteID() != siteID || s.Status() != scan.StatusCompleted {
			continue
		}
		if latest == nil || s.CompletedAt().After(latest.CompletedAt()) {
			latest = &s
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.OverallScore(), nil
}

func (m *MemoryStore) ListActiveSitesWithCadence(ctx context.Context) ([]*scan.Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sites []*scan.Site
	for _, site := range m.sites {
		if !site.IsActive || site.Cadence == scan.CadenceNone || site.Cadence == "" {
			continue
		}
		site := site
		sites = append(sites, &site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].ID < sites[j].ID })
	return sites, nil
}
