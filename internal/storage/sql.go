package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/khanhnv2901/securiscan/internal/checker"
	"github.com/khanhnv2901/securiscan/internal/domain/scan"
	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
)

const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25

	// DefaultMaxIdleConns is the default maximum number of idle connections
	DefaultMaxIdleConns = 5

	// DefaultConnMaxLifetime is the default maximum lifetime of a connection
	DefaultConnMaxLifetime = 5 * time.Minute

	// DefaultPingTimeout is the default timeout for pinging the database
	DefaultPingTimeout = 5 * time.Second
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Connect opens a pooled connection and verifies it with a ping
func Connect(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("%w: unsupported database driver %q", sharedErrors.ErrInvalidInput, driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
	}
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()

	if pingErr := db.PingContext(pingCtx); pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", pingErr)
	}

	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		notifications_enabled BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS sites (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		name TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		scan_cadence TEXT NOT NULL DEFAULT 'NONE'
	)`,
	`CREATE TABLE IF NOT EXISTS scans (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL REFERENCES sites(id),
		status TEXT NOT NULL,
		overall_score INTEGER,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		error_message TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scans_site_status ON scans (site_id, status, completed_at)`,
	`CREATE TABLE IF NOT EXISTS check_results (
		id TEXT PRIMARY KEY,
		scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		category TEXT NOT NULL,
		check_name TEXT NOT NULL,
		severity TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		expected TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		recommendation TEXT NOT NULL DEFAULT '',
		raw_data TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_check_results_scan ON check_results (scan_id, position)`,
}

// Migrate creates the tables the store needs if they do not exist
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// SQLStore implements scan.Store on PostgreSQL or SQLite
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates a store on an open connection
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// scanRow is the persisted shape of a scan
type scanRow struct {
	ID           string         `db:"id"`
	SiteID       string         `db:"site_id"`
	Status       string         `db:"status"`
	OverallScore sql.NullInt64  `db:"overall_score"`
	CreatedAt    time.Time      `db:"created_at"`
	StartedAt    sql.NullTime   `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
	ErrorMessage sql.NullString `db:"error_message"`
}

func toScanRow(s *scan.Scan) scanRow {
	row := scanRow{
		ID:           s.ID(),
		SiteID:       s.SiteID(),
		Status:       string(s.Status()),
		CreatedAt:    s.CreatedAt(),
		StartedAt:    nullTime(s.StartedAt()),
		CompletedAt:  nullTime(s.CompletedAt()),
		ErrorMessage: sql.NullString{String: s.ErrorMessage(), Valid: s.ErrorMessage() != ""},
	}
	if score := s.OverallScore(); score != nil {
		row.OverallScore = sql.NullInt64{Int64: int64(*score), Valid: true}
	}
	return row
}

func (r scanRow) toDomain() (*scan.Scan, error) {
	status := scan.Status(r.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("%w: scan %s has status %q", sharedErrors.ErrDeserializationFailed, r.ID, r.Status)
	}
	var score *int
	if r.OverallScore.Valid {
		v := int(r.OverallScore.Int64)
		score = &v
	}
	return scan.Reconstruct(r.ID, r.SiteID, status, score, r.CreatedAt,
		r.StartedAt.Time, r.CompletedAt.Time, r.ErrorMessage.String), nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// resultRow is the persisted shape of a check result
type resultRow struct {
	ID             string         `db:"id"`
	ScanID         string         `db:"scan_id"`
	Position       int            `db:"position"`
	Category       string         `db:"category"`
	CheckName      string         `db:"check_name"`
	Severity       string         `db:"severity"`
	Value          string         `db:"value"`
	Expected       string         `db:"expected"`
	Message        string         `db:"message"`
	Recommendation string         `db:"recommendation"`
	RawData        sql.NullString `db:"raw_data"`
}

func (r resultRow) toDomain() (checker.CheckResult, error) {
	sev, err := checker.ParseSeverity(r.Severity)
	if err != nil {
		return checker.CheckResult{}, fmt.Errorf("%w: %v", sharedErrors.ErrDeserializationFailed, err)
	}
	result := checker.CheckResult{
		Category:       r.Category,
		CheckName:      r.CheckName,
		Severity:       sev,
		Value:          r.Value,
		Expected:       r.Expected,
		Message:        r.Message,
		Recommendation: r.Recommendation,
	}
	if r.RawData.Valid && r.RawData.String != "" {
		if err := json.Unmarshal([]byte(r.RawData.String), &result.RawData); err != nil {
			return checker.CheckResult{}, fmt.Errorf("%w: raw data: %v", sharedErrors.ErrDeserializationFailed, err)
		}
	}
	return result, nil
}

func (s *SQLStore) CreateScan(ctx context.Context, sc *scan.Scan) error {
	query := s.db.Rebind(`
		INSERT INTO scans (id, site_id, status, overall_score, created_at, started_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	row := toScanRow(sc)
	_, err := s.db.ExecContext(ctx, query, row.ID, row.SiteID, row.Status, row.OverallScore,
		row.CreatedAt, row.StartedAt, row.CompletedAt, row.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to create scan: %w", err)
	}
	return nil
}

func (s *SQLStore) GetScan(ctx context.Context, id string) (*scan.Scan, error) {
	query := s.db.Rebind(`
		SELECT id, site_id, status, overall_score, created_at, started_at, completed_at, error_message
		FROM scans WHERE id = ?`)

	var row scanRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", sharedErrors.ErrScanNotFound, id)
		}
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}
	return row.toDomain()
}

func (s *SQLStore) UpdateScan(ctx context.Context, sc *scan.Scan) error {
	query := s.db.Rebind(`
		UPDATE scans
		SET status = ?, overall_score = ?, started_at = ?, completed_at = ?, error_message = ?
		WHERE id = ?`)

	row := toScanRow(sc)
	res, err := s.db.ExecContext(ctx, query, row.Status, row.OverallScore,
		row.StartedAt, row.CompletedAt, row.ErrorMessage, row.ID)
	if err != nil {
		return fmt.Errorf("failed to update scan: %w", err)
	}
	return requireAffected(res, sharedErrors.ErrScanNotFound, row.ID)
}

// BulkInsertResults replaces any results already stored for the scan in one
// transaction, so a redelivered job does not duplicate them.
func (s *SQLStore) BulkInsertResults(ctx context.Context, scanID string, results []checker.CheckResult) error {
	rows := make([]resultRow, 0, len(results))
	for i, r := range results {
		row := resultRow{
			ID:             uuid.NewString(),
			ScanID:         scanID,
			Position:       i,
			Category:       r.Category,
			CheckName:      r.CheckName,
			Severity:       r.Severity.String(),
			Value:          r.Value,
			Expected:       r.Expected,
			Message:        r.Message,
			Recommendation: r.Recommendation,
		}
		if len(r.RawData) > 0 {
			raw, err := json.Marshal(r.RawData)
			if err != nil {
				return fmt.Errorf("%w: raw data of %s: %v", sharedErrors.ErrSerializationFailed, r.CheckName, err)
			}
			row.RawData = sql.NullString{String: string(raw), Valid: true}
		}
		rows = append(rows, row)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM check_results WHERE scan_id = ?`), scanID); err != nil {
		return fmt.Errorf("failed to clear check results: %w", err)
	}

	if len(rows) > 0 {
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO check_results
				(id, scan_id, position, category, check_name, severity, value, expected, message, recommendation, raw_data)
			VALUES
				(:id, :scan_id, :position, :category, :check_name, :severity, :value, :expected, :message, :recommendation, :raw_data)`,
			rows)
		if err != nil {
			return fmt.Errorf("failed to insert check results: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit check results: %w", err)
	}
	return nil
}

func (s *SQLStore) ListResults(ctx context.Context, scanID string) ([]checker.CheckResult, error) {
	query := s.db.Rebind(`
		SELECT id, scan_id, position, category, check_name, severity, value, expected, message, recommendation, raw_data
		FROM check_results WHERE scan_id = ? ORDER BY position`)

	var rows []resultRow
	if err := s.db.SelectContext(ctx, &rows, query, scanID); err != nil {
		return nil, fmt.Errorf("failed to list check results: %w", err)
	}

	results := make([]checker.CheckResult, 0, len(rows))
	for _, row := range rows {
		r, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *SQLStore) GetSite(ctx context.Context, id string) (*scan.Site, error) {
	query := s.db.Rebind(`SELECT id, user_id, name, url, is_active, scan_cadence FROM sites WHERE id = ?`)

	var site scan.Site
	if err := s.db.GetContext(ctx, &site, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", sharedErrors.ErrSiteNotFound, id)
		}
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	return &site, nil
}

func (s *SQLStore) GetSiteOwner(ctx context.Context, siteID string) (*scan.User, error) {
	query := s.db.Rebind(`
		SELECT u.id, u.email, u.name, u.notifications_enabled
		FROM users u JOIN sites s ON s.user_id = u.id
		WHERE s.id = ?`)

	var user scan.User
	if err := s.db.GetContext(ctx, &user, query, siteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: owner of site %s", sharedErrors.ErrUserNotFound, siteID)
		}
		return nil, fmt.Errorf("failed to get site owner: %w", err)
	}
	return &user, nil
}

func (s *SQLStore) UpdateSiteCadence(ctx context.Context, siteID string, cadence scan.Cadence) error {
	query := s.db.Rebind(`UPDATE sites SET scan_cadence = ? WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query, string(cadence), siteID)
	if err != nil {
		return fmt.Errorf("failed to update site cadence: %w", err)
	}
	return requireAffected(res, sharedErrors.ErrSiteNotFound, siteID)
}

func (s *SQLStore) GetPreviousCompletedScore(ctx context.Context, siteID, excludingScanID string) (*int, error) {
	query := s.db.Rebind(`
		SELECT overall_score FROM scans
		WHERE site_id = ? AND status = ? AND id <> ?
		ORDER BY completed_at DESC
		LIMIT 1`)

	var score sql.NullInt64
	err := s.db.GetContext(ctx, &score, query, siteID, string(scan.StatusCompleted), excludingScanID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get previous score: %w", err)
	}
	if !score.Valid {
		return nil, nil
	}
	v := int(score.Int64)
	return &v, nil
}

func (s *SQLStore) ListActiveSitesWithCadence(ctx context.Context) ([]*scan.Site, error) {
	query := s.db.Rebind(`
		SELECT id, user_id, name, url, is_active, scan_cadence
		FROM sites
		WHERE is_active = ? AND scan_cadence <> ?
		ORDER BY id`)

	var sites []*scan.Site
	if err := s.db.SelectContext(ctx, &sites, query, true, string(scan.CadenceNone)); err != nil {
		return nil, fmt.Errorf("failed to list scheduled sites: %w", err)
	}
	return sites, nil
}

// SaveUser inserts or replaces a user
func (s *SQLStore) SaveUser(ctx context.Context, user *scan.User) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO users (id, email, name, notifications_enabled)
		VALUES (:id, :email, :name, :notifications_enabled)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			notifications_enabled = EXCLUDED.notifications_enabled`, user)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// SaveSite inserts or replaces a site
func (s *SQLStore) SaveSite(ctx context.Context, site *scan.Site) error {
	if site.Cadence == "" {
		site.Cadence = scan.CadenceNone
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sites (id, user_id, name, url, is_active, scan_cadence)
		VALUES (:id, :user_id, :name, :url, :is_active, :scan_cadence)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			name = EXCLUDED.name,
			url = EXCLUDED.url,
			is_active = EXCLUDED.is_active,
			scan_cadence = EXCLUDED.scan_cadence`, site)
	if err != nil {
		return fmt.Errorf("failed to save site: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result, notFound error, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", sharedErrors.ErrRepositoryOperation, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}
