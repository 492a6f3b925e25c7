// Package postgres implements the relational store for scans, scripts,
// libraries, findings and the vulnerability cache on pgx. All calls are
// wrapped with bounded retries for transient connection failures.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/surfscan/surfscan/pkg/finding"
	"github.com/surfscan/surfscan/pkg/models"
	"github.com/surfscan/surfscan/pkg/retry"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a pgx pool with the scan data model.
type Store struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
	retryCfg     retry.Config
}

// Open connects, applies the schema and returns a ready store.
func Open(ctx context.Context, url string, connectTimeout, queryTimeout time.Duration) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.ConnConfig.ConnectTimeout = connectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	s := &Store{
		pool:         pool,
		queryTimeout: queryTimeout,
		retryCfg: retry.Config{
			MaxAttempts: 3,
			InitDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Jitter:      true,
		},
	}

	if err := s.withRetry(ctx, func(c context.Context) error {
		_, execErr := pool.Exec(c, schemaSQL)
		return execErr
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.pool.Ping(ctx)
}

// withRetry runs fn with the query timeout and retries transient
// failures; permanent errors stop immediately.
func (s *Store) withRetry(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, s.retryCfg, func() error {
		c, cancel := context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
		if err := fn(c); err != nil {
			if retry.IsTransient(err) {
				return err
			}
			return retry.Stop(err)
		}
		return nil
	})
}

// --- scans ------------------------------------------------------------

// CreateScan inserts a new pending scan row.
func (s *Store) CreateScan(ctx context.Context, scan *models.Scan) error {
	params, err := json.Marshal(scan.Parameters)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, func(c context.Context) error {
		_, err := s.pool.Exec(c, `
			INSERT INTO scans (id, url, parameters, status, created_at, global_risk_score, artifact_paths)
			VALUES ($1, $2, $3, $4, $5, 0, '{}')
		`, scan.ID, scan.URL, params, scan.Status, scan.CreatedAt)
		return err
	})
}

const scanColumns = `id, url, parameters, status, created_at, started_at, completed_at,
	global_risk_score, artifact_paths, COALESCE(error, '')`

func scanRow(row pgx.Row) (*models.Scan, error) {
	var scan models.Scan
	var params, artifacts []byte
	err := row.Scan(&scan.ID, &scan.URL, &params, &scan.Status, &scan.CreatedAt,
		&scan.StartedAt, &scan.CompletedAt, &scan.GlobalRiskScore, &artifacts, &scan.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &scan.Parameters)
	}
	if len(artifacts) > 0 {
		_ = json.Unmarshal(artifacts, &scan.ArtifactPaths)
	}
	return &scan, nil
}

// GetScan fetches one scan by id.
func (s *Store) GetScan(ctx context.Context, id string) (*models.Scan, error) {
	var scan *models.Scan
	err := s.withRetry(ctx, func(c context.Context) error {
		var err error
		scan, err = scanRow(s.pool.QueryRow(c, `SELECT `+scanColumns+` FROM scans WHERE id = $1`, id))
		if errors.Is(err, ErrNotFound) {
			return retry.Stop(err)
		}
		return err
	})
	return scan, err
}

// ListScans returns a page of scans newest-first plus the total count.
// An empty status matches all statuses. A non-positive limit becomes 20
// and limit is capped at 100.
func (s *Store) ListScans(ctx context.Context, status models.ScanStatus, limit, offset int) ([]models.Scan, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var scans []models.Scan
	var total int
	err := s.withRetry(ctx, func(c context.Context) error {
		scans = scans[:0]

		if err := s.pool.QueryRow(c,
			`SELECT count(*) FROM scans WHERE ($1 = '' OR status = $1)`, string(status),
		).Scan(&total); err != nil {
			return err
		}

		rows, err := s.pool.Query(c, `
			SELECT `+scanColumns+` FROM scans
			WHERE ($1 = '' OR status = $1)
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3
		`, string(status), limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			scan, err := scanRow(rows)
			if err != nil {
				return err
			}
			scans = append(scans, *scan)
		}
		return rows.Err()
	})
	return scans, total, err
}

// LatestScanByURL returns the most recent scan for a URL, used by the
// cooldown check. Returns ErrNotFound when the URL was never scanned.
func (s *Store) LatestScanByURL(ctx context.Context, url string) (*models.Scan, error) {
	var scan *models.Scan
	err := s.withRetry(ctx, func(c context.Context) error {
		var err error
		scan, err = scanRow(s.pool.QueryRow(c, `
			SELECT `+scanColumns+` FROM scans
			WHERE url = $1
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		`, url))
		if errors.Is(err, ErrNotFound) {
			return retry.Stop(err)
		}
		return err
	})
	return scan, err
}

// LastGoodScanByURL returns the newest completed scan for a URL that
// detected at least one library, i.e. not a partial result.
func (s *Store) LastGoodScanByURL(ctx context.Context, url string) (*models.Scan, error) {
	var scan *models.Scan
	err := s.withRetry(ctx, func(c context.Context) error {
		var err error
		scan, err = scanRow(s.pool.QueryRow(c, `
			SELECT `+scanColumns+` FROM scans sc
			WHERE sc.url = $1
			  AND sc.status = 'completed'
			  AND EXISTS (SELECT 1 FROM libraries l WHERE l.scan_id = sc.id)
			ORDER BY sc.created_at DESC, sc.id DESC
			LIMIT 1
		`, url))
		if errors.Is(err, ErrNotFound) {
			return retry.Stop(err)
		}
		return err
	})
	return scan, err
}

// UpdateScanStatus conditionally moves a scan from one status to
// another. The compare-and-set guard keeps the API's reconciliation
// writes from clobbering a concurrent worker write. Returns true when
// the row changed.
func (s *Store) UpdateScanStatus(ctx context.Context, id string, from, to models.ScanStatus, errMsg string) (bool, error) {
	var updated bool
	err := s.withRetry(ctx, func(c context.Context) error {
		tag, err := s.pool.Exec(c, `
			UPDATE scans
			SET status = $3,
			    error = NULLIF($4, ''),
			    started_at = CASE WHEN $3 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			    completed_at = CASE WHEN $3 IN ('completed','failed') AND completed_at IS NULL THEN now() ELSE completed_at END
			WHERE id = $1 AND status = $2
		`, id, string(from), string(to), errMsg)
		if err != nil {
			return err
		}
		updated = tag.RowsAffected() == 1
		return nil
	})
	return updated, err
}

// MarkScanRunning sets status running and stamps started_at once.
// Idempotent: re-marking a running scan is a no-op success.
func (s *Store) MarkScanRunning(ctx context.Context, id string) error {
	return s.withRetry(ctx, func(c context.Context) error {
		_, err := s.pool.Exec(c, `
			UPDATE scans
			SET status = 'running',
			    started_at = COALESCE(started_at, now())
			WHERE id = $1 AND status IN ('pending', 'running')
		`, id)
		return err
	})
}

// MarkScanFailed records a terminal failure with its reason. Terminal
// rows are immutable, so completed/failed scans are left untouched.
func (s *Store) MarkScanFailed(ctx context.Context, id, reason string) error {
	return s.withRetry(ctx, func(c context.Context) error {
		_, err := s.pool.Exec(c, `
			UPDATE scans
			SET status = 'failed', error = $2, completed_at = COALESCE(completed_at, now())
			WHERE id = $1 AND status NOT IN ('completed', 'failed')
		`, id, reason)
		return err
	})
}

// UpdateScanArtifacts merges artifact paths into the scan row.
func (s *Store) UpdateScanArtifacts(ctx context.Context, id string, paths map[string]string) error {
	blob, err := json.Marshal(paths)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, func(c context.Context) error {
		_, err := s.pool.Exec(c,
			`UPDATE scans SET artifact_paths = artifact_paths || $2 WHERE id = $1`,
			id, blob)
		return err
	})
}

// DeleteScan removes a scan; scripts, libraries and findings cascade.
// Returns ErrNotFound when no row matched.
func (s *Store) DeleteScan(ctx context.Context, id string) error {
	return s.withRetry(ctx, func(c context.Context) error {
		tag, err := s.pool.Exec(c, `DELETE FROM scans WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return retry.Stop(ErrNotFound)
		}
		return nil
	})
}

// --- analysis commit --------------------------------------------------

// CommitAnalysis writes the full analysis result in one transaction:
// scripts, libraries, findings, the global risk score and the terminal
// completed status. Any failure rolls the whole commit back.
func (s *Store) CommitAnalysis(ctx context.Context, scanID string, scripts []models.Script,
	libraries []models.Library, findings []finding.Finding, globalRisk int) error {

	return s.withRetry(ctx, func(c context.Context) error {
		tx, err := s.pool.BeginTx(c, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(c) }()

		for _, sc := range scripts {
			patterns, _ := json.Marshal(sc.DetectedPatterns)
			if _, err := tx.Exec(c, `
				INSERT INTO scripts (id, scan_id, source_url, is_inline, artifact_path,
					fingerprint, detected_patterns, estimated_version, confidence)
				VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, NULLIF($8, ''), $9)
			`, sc.ID, scanID, sc.SourceURL, sc.IsInline, sc.ArtifactPath,
				sc.Fingerprint, patterns, sc.EstimatedVersion, sc.Confidence); err != nil {
				return fmt.Errorf("insert script: %w", err)
			}
		}

		for _, lib := range libraries {
			related, _ := json.Marshal(lib.RelatedScripts)
			vulns, _ := json.Marshal(lib.Vulnerabilities)
			if _, err := tx.Exec(c, `
				INSERT INTO libraries (id, scan_id, name, detected_version, related_scripts,
					vulnerabilities, risk_score, confidence, detection_method)
				VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
				ON CONFLICT (scan_id, name) DO UPDATE SET
					detected_version = EXCLUDED.detected_version,
					related_scripts = EXCLUDED.related_scripts,
					vulnerabilities = EXCLUDED.vulnerabilities,
					risk_score = EXCLUDED.risk_score,
					confidence = EXCLUDED.confidence,
					detection_method = EXCLUDED.detection_method
			`, lib.ID, scanID, lib.Name, lib.DetectedVersion, related,
				vulns, lib.RiskScore, lib.Confidence, lib.DetectionMethod); err != nil {
				return fmt.Errorf("insert library: %w", err)
			}
		}

		for _, f := range findings {
			if _, err := tx.Exec(c, `
				INSERT INTO findings (id, scan_id, type, title, description, severity, location, evidence)
				VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
			`, f.ID, scanID, string(f.Type), f.Title, f.Description,
				string(f.Severity), f.Location, f.Evidence); err != nil {
				return fmt.Errorf("insert finding: %w", err)
			}
		}

		if _, err := tx.Exec(c, `
			UPDATE scans
			SET global_risk_score = $2, status = 'completed', completed_at = now()
			WHERE id = $1
		`, scanID, globalRisk); err != nil {
			return fmt.Errorf("update scan score: %w", err)
		}

		return tx.Commit(c)
	})
}

// HasAnalysisResults reports whether the scan already has committed
// libraries or findings, used by the analyzer's idempotency check.
func (s *Store) HasAnalysisResults(ctx context.Context, scanID string) (bool, error) {
	var has bool
	err := s.withRetry(ctx, func(c context.Context) error {
		return s.pool.QueryRow(c, `
			SELECT EXISTS (SELECT 1 FROM libraries WHERE scan_id = $1)
			    OR EXISTS (SELECT 1 FROM findings WHERE scan_id = $1)
		`, scanID).Scan(&has)
	})
	return has, err
}

// --- scripts / libraries / findings reads -----------------------------

// ScriptsByScan returns all scripts of a scan in insertion order.
func (s *Store) ScriptsByScan(ctx context.Context, scanID string) ([]models.Script, error) {
	var scripts []models.Script
	err := s.withRetry(ctx, func(c context.Context) error {
		scripts = scripts[:0]
		rows, err := s.pool.Query(c, `
			SELECT id, scan_id, COALESCE(source_url, ''), is_inline, COALESCE(artifact_path, ''),
				fingerprint, detected_patterns, COALESCE(estimated_version, ''), confidence, created_at
			FROM scripts WHERE scan_id = $1 ORDER BY created_at, id
		`, scanID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var sc models.Script
			var patterns []byte
			if err := rows.Scan(&sc.ID, &sc.ScanID, &sc.SourceURL, &sc.IsInline, &sc.ArtifactPath,
				&sc.Fingerprint, &patterns, &sc.EstimatedVersion, &sc.Confidence, &sc.CreatedAt); err != nil {
				return err
			}
			_ = json.Unmarshal(patterns, &sc.DetectedPatterns)
			scripts = append(scripts, sc)
		}
		return rows.Err()
	})
	return scripts, err
}

// LibrariesByScan returns all libraries of a scan ordered by risk.
func (s *Store) LibrariesByScan(ctx context.Context, scanID string) ([]models.Library, error) {
	var libs []models.Library
	err := s.withRetry(ctx, func(c context.Context) error {
		libs = libs[:0]
		rows, err := s.pool.Query(c, `
			SELECT id, scan_id, name, COALESCE(detected_version, ''), related_scripts,
				vulnerabilities, risk_score, confidence, COALESCE(detection_method, ''), created_at
			FROM libraries WHERE scan_id = $1 ORDER BY risk_score DESC, name
		`, scanID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var lib models.Library
			var related, vulns []byte
			if err := rows.Scan(&lib.ID, &lib.ScanID, &lib.Name, &lib.DetectedVersion, &related,
				&vulns, &lib.RiskScore, &lib.Confidence, &lib.DetectionMethod, &lib.CreatedAt); err != nil {
				return err
			}
			_ = json.Unmarshal(related, &lib.RelatedScripts)
			_ = json.Unmarshal(vulns, &lib.Vulnerabilities)
			libs = append(libs, lib)
		}
		return rows.Err()
	})
	return libs, err
}

// FindingsByScan returns all findings of a scan, severest first.
func (s *Store) FindingsByScan(ctx context.Context, scanID string) ([]finding.Finding, error) {
	var findings []finding.Finding
	err := s.withRetry(ctx, func(c context.Context) error {
		findings = findings[:0]
		rows, err := s.pool.Query(c, `
			SELECT id, scan_id, type, title, description, severity, location, COALESCE(evidence, ''), created_at
			FROM findings WHERE scan_id = $1
			ORDER BY CASE severity
				WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'moderate' THEN 2 ELSE 3
			END, title, id
		`, scanID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var f finding.Finding
			var ftype, sev string
			if err := rows.Scan(&f.ID, &f.ScanID, &ftype, &f.Title, &f.Description,
				&sev, &f.Location, &f.Evidence, &f.CreatedAt); err != nil {
				return err
			}
			f.Type = finding.Type(ftype)
			f.Severity = finding.Severity(sev)
			findings = append(findings, f)
		}
		return rows.Err()
	})
	return findings, err
}

// --- vulnerability cache ----------------------------------------------

// GetVulnCache reads a cache entry; (nil, nil) when absent.
func (s *Store) GetVulnCache(ctx context.Context, packageName, version string) (*models.VulnCacheEntry, error) {
	var entry *models.VulnCacheEntry
	err := s.withRetry(ctx, func(c context.Context) error {
		var e models.VulnCacheEntry
		var vulns []byte
		err := s.pool.QueryRow(c, `
			SELECT package_name, version, vulnerabilities, last_updated, ttl_seconds
			FROM vulnerability_cache
			WHERE package_name = $1 AND version = $2
		`, packageName, version).Scan(&e.PackageName, &e.Version, &vulns, &e.LastUpdated, &e.TTLSeconds)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		_ = json.Unmarshal(vulns, &e.Vulnerabilities)
		entry = &e
		return nil
	})
	return entry, err
}

// UpsertVulnCache writes a cache entry, last-writer-wins on the key.
func (s *Store) UpsertVulnCache(ctx context.Context, entry *models.VulnCacheEntry) error {
	vulns, err := json.Marshal(entry.Vulnerabilities)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, func(c context.Context) error {
		_, err := s.pool.Exec(c, `
			INSERT INTO vulnerability_cache (package_name, version, vulnerabilities, last_updated, ttl_seconds)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (package_name, version) DO UPDATE SET
				vulnerabilities = EXCLUDED.vulnerabilities,
				last_updated = EXCLUDED.last_updated,
				ttl_seconds = EXCLUDED.ttl_seconds
		`, entry.PackageName, entry.Version, vulns, entry.LastUpdated, entry.TTLSeconds)
		return err
	})
}
