// Package storage persists visit records of a crawl.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"github.com/11ways/specter/internal/config"
	"github.com/11ways/specter/pkg/types"
)

// VisitStore persists one record per emitted page.
type VisitStore interface {
	SaveVisit(ctx context.Context, visit types.Visit) error
}

// SQLWriter stores visits in PostgreSQL.
type SQLWriter struct {
	db          *sql.DB
	autoMigrate bool
}

// NewSQLWriter opens the database described by cfg, creating it when allowed.
func NewSQLWriter(ctx context.Context, cfg config.SQLConfig) (*SQLWriter, error) {
	if !cfg.Enabled() {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		if !cfg.CreateIfMissing || !missingVisitDatabase(cfg.Driver, err) {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
		if err := createVisitDatabase(pingCtx, cfg); err != nil {
			return nil, err
		}
		db, err = sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sql connection: %w", err)
		}
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	writer := &SQLWriter{db: db, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := writer.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return writer, nil
}

// SaveVisit upserts visit keyed by run and start URL.
func (s *SQLWriter) SaveVisit(ctx context.Context, visit types.Visit) error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.upsertVisit(ctx, visit)
	if err == nil {
		return nil
	}
	if !s.autoMigrate || !missingVisitTable(err) {
		return fmt.Errorf("insert visit: %w", err)
	}
	if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
		return fmt.Errorf("ensure schema: %w", schemaErr)
	}
	if retryErr := s.upsertVisit(ctx, visit); retryErr != nil {
		return fmt.Errorf("insert visit: %w", retryErr)
	}
	return nil
}

func (s *SQLWriter) upsertVisit(ctx context.Context, v types.Visit) error {
	query := `
        INSERT INTO crawl_visits (run_id, url, final_url, level, status_code, internal_links, external_links, load_ms, visited_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (run_id, url) DO UPDATE SET
            final_url = EXCLUDED.final_url,
            level = EXCLUDED.level,
            status_code = EXCLUDED.status_code,
            internal_links = EXCLUDED.internal_links,
            external_links = EXCLUDED.external_links,
            load_ms = EXCLUDED.load_ms,
            visited_at = EXCLUDED.visited_at
    `
	_, err := s.db.ExecContext(ctx, query,
		v.RunID,
		v.URL,
		v.FinalURL,
		v.Level,
		v.StatusCode,
		v.InternalLinks,
		v.ExternalLinks,
		v.LoadDuration.Milliseconds(),
		v.VisitedAt,
	)
	return err
}

// ListVisits returns the visits of a run, most recent first.
func (s *SQLWriter) ListVisits(ctx context.Context, runID string, limit int) ([]types.Visit, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql store not initialised")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT url, final_url, level, status_code, internal_links, external_links, load_ms, visited_at
        FROM crawl_visits
        WHERE run_id = $1
        ORDER BY visited_at DESC
        LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()

	visits := make([]types.Visit, 0, limit)
	for rows.Next() {
		var (
			v        types.Visit
			finalURL sql.NullString
			loadMS   int64
		)
		if err := rows.Scan(&v.URL, &finalURL, &v.Level, &v.StatusCode, &v.InternalLinks, &v.ExternalLinks, &loadMS, &v.VisitedAt); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		v.RunID = runID
		v.FinalURL = finalURL.String
		v.LoadDuration = time.Duration(loadMS) * time.Millisecond
		visits = append(visits, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return visits, nil
}

// Close closes the underlying DB connection.
func (s *SQLWriter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SQLSTATE codes the visit store reacts to.
const (
	codeInvalidCatalog    = "3D000"
	codeDuplicateDatabase = "42P04"
	codeUndefinedTable    = "42P01"
)

func sqlState(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), true
	}
	return "", false
}

// missingVisitDatabase reports whether a failed ping means the visit database
// has not been created yet.
func missingVisitDatabase(driver string, err error) bool {
	if !strings.EqualFold(driver, "postgres") {
		return false
	}
	if code, ok := sqlState(err); ok {
		return code == codeInvalidCatalog
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

// maintenanceDSN splits dsn into the DSN of the server's postgres database
// and the name of the visit database.
func maintenanceDSN(dsn string) (string, string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", "", fmt.Errorf("visit store dsn: %w", err)
	}
	name := strings.TrimPrefix(parsed.Path, "/")
	switch {
	case name == "":
		return "", "", errors.New("visit store dsn names no database")
	case strings.EqualFold(name, "postgres"):
		return "", "", fmt.Errorf("visit store will not create maintenance database %q", name)
	}
	parsed.Path = "/postgres"
	return parsed.String(), name, nil
}

func createVisitDatabase(ctx context.Context, cfg config.SQLConfig) error {
	adminDSN, name, err := maintenanceDSN(cfg.DSN)
	if err != nil {
		return err
	}
	admin, err := sql.Open(cfg.Driver, adminDSN)
	if err != nil {
		return fmt.Errorf("open maintenance database: %w", err)
	}
	defer admin.Close()

	_, err = admin.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(name))
	if code, _ := sqlState(err); err != nil && code != codeDuplicateDatabase {
		return fmt.Errorf("create visit database %q: %w", name, err)
	}
	return nil
}

func (s *SQLWriter) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS crawl_visits (
		    run_id TEXT NOT NULL,
		    url TEXT NOT NULL,
		    final_url TEXT,
		    level INT NOT NULL,
		    status_code INT,
		    internal_links INT NOT NULL DEFAULT 0,
		    external_links INT NOT NULL DEFAULT 0,
		    load_ms BIGINT,
		    visited_at TIMESTAMPTZ NOT NULL,
		    PRIMARY KEY (run_id, url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_crawl_visits_visited_at ON crawl_visits (run_id, visited_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func missingVisitTable(err error) bool {
	if code, ok := sqlState(err); ok {
		return code == codeUndefinedTable
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "crawl_visits") && strings.Contains(msg, "does not exist")
}
