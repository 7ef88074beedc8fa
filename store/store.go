// Package store persists targets, scrape attempts, price observations,
// reconciliation records, and scheduler state in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/pricetrack/pricetrack/models"
	"github.com/pricetrack/pricetrack/store/migrations"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// DBFileName is the database file created under the data directory.
const DBFileName = "pricetrack.db"

// Store is the SQLite-backed storage layer.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the database under dataDir and runs any
// pending migrations.
func NewStore(dataDir string) (*Store, error) {
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	// WAL mode so the scheduler and a manual CLI invocation can share the
	// file without immediately hitting SQLITE_BUSY.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// migrate applies all embedded migrations newer than the current schema
// version.
func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// ==================== Targets ====================

// UpsertTarget registers a target or refreshes an existing one. The
// canonical URL is the identity; the raw URL and domain follow it.
func (s *Store) UpsertTarget(ctx context.Context, target models.Target) error {
	if target.CreatedAt.IsZero() {
		target.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets (canonical_url, url, domain, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(canonical_url) DO UPDATE SET
			url = excluded.url,
			domain = excluded.domain
	`, target.CanonicalURL, target.URL, target.Domain, formatTime(target.CreatedAt))

	if err != nil {
		return fmt.Errorf("saving target: %w", err)
	}
	return nil
}

// ListTargets returns registered targets in insertion order. limit <= 0
// means no limit.
func (s *Store) ListTargets(ctx context.Context, limit int) ([]models.Target, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT canonical_url, url, domain, created_at
		FROM targets
		ORDER BY rowid
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying targets: %w", err)
	}
	defer rows.Close()

	var targets []models.Target
	for rows.Next() {
		var t models.Target
		var createdAt string
		if err := rows.Scan(&t.CanonicalURL, &t.URL, &t.Domain, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning target: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating targets: %w", err)
	}
	return targets, nil
}

// GetTarget looks up a target by canonical URL.
func (s *Store) GetTarget(ctx context.Context, canonicalURL string) (*models.Target, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT canonical_url, url, domain, created_at
		FROM targets WHERE canonical_url = ?
	`, canonicalURL)

	var t models.Target
	var createdAt string
	if err := row.Scan(&t.CanonicalURL, &t.URL, &t.Domain, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning target: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// ==================== Scrape attempts ====================

// RecordAttempt appends one scrape attempt to the audit log. Attempts are
// immutable once written.
func (s *Store) RecordAttempt(ctx context.Context, attempt models.ScrapeAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_attempts (url, attempt_number, started_at, outcome, error_message)
		VALUES (?, ?, ?, ?, ?)
	`, attempt.URL, attempt.AttemptNumber, formatTime(attempt.StartedAt),
		string(attempt.Outcome), nullString(attempt.ErrorMessage))

	if err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempt history for a URL, oldest first.
func (s *Store) ListAttempts(ctx context.Context, url string) ([]models.ScrapeAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, attempt_number, started_at, outcome, error_message
		FROM scrape_attempts
		WHERE url = ?
		ORDER BY id
	`, url)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.ScrapeAttempt
	for rows.Next() {
		var a models.ScrapeAttempt
		var startedAt string
		var outcome string
		var errMsg sql.NullString
		if err := rows.Scan(&a.URL, &a.AttemptNumber, &startedAt, &outcome, &errMsg); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		a.StartedAt = parseTime(startedAt)
		a.Outcome = models.AttemptOutcome(outcome)
		if errMsg.Valid {
			a.ErrorMessage = errMsg.String
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attempts: %w", err)
	}
	return attempts, nil
}

// ==================== Price observations ====================

// InsertObservation appends a price observation. Observations supersede by
// recency; nothing is merged or overwritten.
func (s *Store) InsertObservation(ctx context.Context, obs models.PriceObservation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_observations
			(canonical_url, sale_price, original_price, confidence, strategy, extracted_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, obs.TargetCanonicalURL, obs.SalePrice, nullFloat(obs.OriginalPrice),
		obs.Confidence, obs.Strategy, formatTime(obs.ExtractedAt))

	if err != nil {
		return fmt.Errorf("inserting observation: %w", err)
	}
	return nil
}

// LatestObservations returns the most recent observation per canonical URL.
func (s *Store) LatestObservations(ctx context.Context) (map[string]models.PriceObservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT canonical_url, sale_price, original_price, confidence, strategy, extracted_at
		FROM price_observations
		WHERE id IN (SELECT MAX(id) FROM price_observations GROUP BY canonical_url)
	`)
	if err != nil {
		return nil, fmt.Errorf("querying latest observations: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]models.PriceObservation)
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		latest[obs.TargetCanonicalURL] = *obs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating observations: %w", err)
	}
	return latest, nil
}

// LatestObservation returns the most recent observation for one canonical
// URL.
func (s *Store) LatestObservation(ctx context.Context, canonicalURL string) (*models.PriceObservation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT canonical_url, sale_price, original_price, confidence, strategy, extracted_at
		FROM price_observations
		WHERE canonical_url = ?
		ORDER BY id DESC
		LIMIT 1
	`, canonicalURL)

	var obs models.PriceObservation
	var originalPrice sql.NullFloat64
	var extractedAt string
	err := row.Scan(&obs.TargetCanonicalURL, &obs.SalePrice, &originalPrice,
		&obs.Confidence, &obs.Strategy, &extractedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning observation: %w", err)
	}
	if originalPrice.Valid {
		obs.OriginalPrice = &originalPrice.Float64
	}
	obs.ExtractedAt = parseTime(extractedAt)
	return &obs, nil
}

// ObservedURLs returns the set of canonical URLs that have at least one
// price observation. Failed scrapes never appear here.
func (s *Store) ObservedURLs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT canonical_url FROM price_observations ORDER BY canonical_url
	`)
	if err != nil {
		return nil, fmt.Errorf("querying observed urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scanning observed url: %w", err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating observed urls: %w", err)
	}
	return urls, nil
}

func scanObservation(rows *sql.Rows) (*models.PriceObservation, error) {
	var obs models.PriceObservation
	var originalPrice sql.NullFloat64
	var extractedAt string
	if err := rows.Scan(&obs.TargetCanonicalURL, &obs.SalePrice, &originalPrice,
		&obs.Confidence, &obs.Strategy, &extractedAt); err != nil {
		return nil, fmt.Errorf("scanning observation: %w", err)
	}
	if originalPrice.Valid {
		obs.OriginalPrice = &originalPrice.Float64
	}
	obs.ExtractedAt = parseTime(extractedAt)
	return &obs, nil
}

// ==================== Reconciliation records ====================

// OpenDiscrepancy records a detected discrepancy unless an open record for
// the same URL and kind already exists. It reports whether a new record was
// created.
func (s *Store) OpenDiscrepancy(ctx context.Context, canonicalURL string, kind models.RecordKind, detectedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_records (canonical_url, kind, status, detected_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(canonical_url, kind) WHERE resolved_at IS NULL DO NOTHING
	`, canonicalURL, string(kind), string(models.StatusPending), formatTime(detectedAt))
	if err != nil {
		return false, fmt.Errorf("opening discrepancy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("opening discrepancy: %w", err)
	}
	return n > 0, nil
}

// OpenRecords returns all unresolved reconciliation records, oldest first.
func (s *Store) OpenRecords(ctx context.Context) ([]models.ReconciliationRecord, error) {
	return s.queryRecords(ctx, `
		SELECT id, canonical_url, kind, status, detected_at, resolved_at
		FROM reconciliation_records
		WHERE resolved_at IS NULL
		ORDER BY id
	`)
}

// ListRecords returns reconciliation records, newest first. limit <= 0
// means no limit.
func (s *Store) ListRecords(ctx context.Context, limit int) ([]models.ReconciliationRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryRecords(ctx, `
		SELECT id, canonical_url, kind, status, detected_at, resolved_at
		FROM reconciliation_records
		ORDER BY id DESC
		LIMIT ?
	`, limit)
}

// SetRecordStatus updates the investigation status of a record.
func (s *Store) SetRecordStatus(ctx context.Context, id int64, status models.RecordStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reconciliation_records SET status = ? WHERE id = ?
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating record status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating record status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveOpenRecords marks every open record for the given URLs as resolved.
// Records are never deleted. It returns the number of records resolved.
func (s *Store) ResolveOpenRecords(ctx context.Context, canonicalURLs []string, resolvedAt time.Time) (int, error) {
	if len(canonicalURLs) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(canonicalURLs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(canonicalURLs)+1)
	args = append(args, formatTime(resolvedAt))
	for _, u := range canonicalURLs {
		args = append(args, u)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE reconciliation_records
		SET resolved_at = ?
		WHERE resolved_at IS NULL AND canonical_url IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("resolving records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resolving records: %w", err)
	}
	return int(n), nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]models.ReconciliationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var records []models.ReconciliationRecord
	for rows.Next() {
		var r models.ReconciliationRecord
		var kind, status, detectedAt string
		var resolvedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.CanonicalURL, &kind, &status, &detectedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		r.Kind = models.RecordKind(kind)
		r.Status = models.RecordStatus(status)
		r.DetectedAt = parseTime(detectedAt)
		if resolvedAt.Valid {
			t := parseTime(resolvedAt.String)
			r.ResolvedAt = &t
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return records, nil
}

// ==================== Scheduler state ====================

// SchedulerState returns the persisted scheduler state, or nil when no run
// has completed yet.
func (s *Store) SchedulerState(ctx context.Context) (*models.SchedulerState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT last_run_at, last_run_status, next_scheduled_run
		FROM scheduler_state WHERE id = 1
	`)

	var lastRunAt, status, nextRun string
	if err := row.Scan(&lastRunAt, &status, &nextRun); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning scheduler state: %w", err)
	}
	return &models.SchedulerState{
		LastRunAt:        parseTime(lastRunAt),
		LastRunStatus:    models.RunStatus(status),
		NextScheduledRun: parseTime(nextRun),
	}, nil
}

// SaveSchedulerState replaces the singleton scheduler state row.
func (s *Store) SaveSchedulerState(ctx context.Context, state models.SchedulerState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_state (id, last_run_at, last_run_status, next_scheduled_run)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			last_run_status = excluded.last_run_status,
			next_scheduled_run = excluded.next_scheduled_run
	`, formatTime(state.LastRunAt), string(state.LastRunStatus), formatTime(state.NextScheduledRun))

	if err != nil {
		return fmt.Errorf("saving scheduler state: %w", err)
	}
	return nil
}

// ==================== Helper functions ====================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a stored timestamp, returning the zero time on failure.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
