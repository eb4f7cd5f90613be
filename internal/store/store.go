// Package store persists scan history to PostgreSQL. Persistence is
// optional: the pipeline runs fully without a database, and history is
// only recorded when database.url is configured.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/kekkai-sec/kekkai/internal/report"
)

// DBPool abstracts the pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store provides the PostgreSQL scan-history backend.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// RunRecord is one row of scan history.
type RunRecord struct {
	RunID         string
	RepoPath      string
	CommitSHA     string
	Status        string
	TotalFindings int
	FinishedAt    time.Time
}

// New creates a store and verifies the connection before first use.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const sqlInsertRun = `
	INSERT INTO scan_runs (run_id, repo_path, commit_sha, status, total_findings, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6)
`

// SaveRun records one completed run and its capped finding list inside
// a single transaction.
func (s *Store) SaveRun(ctx context.Context, rec RunRecord, rep *report.UnifiedReport) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlInsertRun,
		rec.RunID, rec.RepoPath, rec.CommitSHA, rec.Status, rep.Summary.Total, rec.FinishedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert scan run: %w", err)
	}

	if len(rep.Findings) > 0 {
		if err := s.copyFindings(ctx, tx, rec.RunID, rep); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) copyFindings(ctx context.Context, tx pgx.Tx, runID string, rep *report.UnifiedReport) error {
	rows := make([][]interface{}, len(rep.Findings))
	for i, f := range rep.Findings {
		rows[i] = []interface{}{
			runID, f.Scanner, f.RuleID, string(f.Severity),
			f.Title, f.FilePath, f.Line, f.DedupeHash(),
		}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"scan_findings"},
		[]string{"run_id", "scanner", "rule_id", "severity", "title", "file_path", "line", "dedupe_hash"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(copyCount) != len(rep.Findings) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(rep.Findings), copyCount)
	}
	return nil
}

const sqlRecentRuns = `
	SELECT run_id, repo_path, commit_sha, status, total_findings, finished_at
	FROM scan_runs
	ORDER BY finished_at DESC
	LIMIT $1
`

// RecentRuns lists the most recent runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.pool.Query(ctx, sqlRecentRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan history: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.RunID, &rec.RepoPath, &rec.CommitSHA, &rec.Status, &rec.TotalFindings, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read scan history: %w", err)
	}
	return out, nil
}
