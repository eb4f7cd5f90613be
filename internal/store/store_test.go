package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kekkai-sec/kekkai/internal/findings"
	"github.com/kekkai-sec/kekkai/internal/report"
)

// flexibleSQLMatcher builds a whitespace-insensitive regex for SQL
// expectations.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

var findingColumns = []string{"run_id", "scanner", "rule_id", "severity", "title", "file_path", "line", "dedupe_hash"}

func sampleReport() *report.UnifiedReport {
	return &report.UnifiedReport{
		Version: report.SchemaVersion,
		RunID:   "run-42",
		Summary: report.Summary{Total: 2},
		Findings: []findings.Finding{
			{Scanner: "gitleaks", Title: "AWS key", Severity: findings.SeverityHigh, RuleID: "aws-access-key-id", FilePath: ".env", Line: 3},
			{Scanner: "trivy", Title: "CVE-2024-1234", Severity: findings.SeverityMedium, RuleID: "CVE-2024-1234", FilePath: "go.sum", Line: 1},
		},
	}
}

func sampleRecord() RunRecord {
	return RunRecord{
		RunID:         "run-42",
		RepoPath:      "/src/app",
		CommitSHA:     "abc123",
		Status:        "success",
		TotalFindings: 2,
		FinishedAt:    time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC),
	}
}

func TestNew_PingFailure(t *testing.T) {
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = New(context.Background(), mockPool, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return s, mockPool
}

func TestSaveRun(t *testing.T) {
	s, mockPool := newTestStore(t)
	rec := sampleRecord()
	rep := sampleReport()

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
		WithArgs(rec.RunID, rec.RepoPath, rec.CommitSHA, rec.Status, rep.Summary.Total, rec.FinishedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCopyFrom(pgx.Identifier{"scan_findings"}, findingColumns).
		WillReturnResult(int64(len(rep.Findings)))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback()

	err := s.SaveRun(context.Background(), rec, rep)
	require.NoError(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveRun_NoFindingsSkipsCopy(t *testing.T) {
	s, mockPool := newTestStore(t)
	rec := sampleRecord()
	rep := &report.UnifiedReport{RunID: rec.RunID, Summary: report.Summary{Total: 0}}

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
		WithArgs(rec.RunID, rec.RepoPath, rec.CommitSHA, rec.Status, 0, rec.FinishedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback()

	err := s.SaveRun(context.Background(), rec, rep)
	require.NoError(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveRun_InsertFailureRollsBack(t *testing.T) {
	s, mockPool := newTestStore(t)
	rec := sampleRecord()

	insertErr := errors.New("constraint violated")
	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
		WithArgs(rec.RunID, rec.RepoPath, rec.CommitSHA, rec.Status, 2, rec.FinishedAt).
		WillReturnError(insertErr)
	mockPool.ExpectRollback()

	err := s.SaveRun(context.Background(), rec, sampleReport())
	require.Error(t, err)
	assert.ErrorIs(t, err, insertErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveRun_CopyCountMismatch(t *testing.T) {
	s, mockPool := newTestStore(t)
	rec := sampleRecord()
	rep := sampleReport()

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
		WithArgs(rec.RunID, rec.RepoPath, rec.CommitSHA, rec.Status, rep.Summary.Total, rec.FinishedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCopyFrom(pgx.Identifier{"scan_findings"}, findingColumns).
		WillReturnResult(1)
	mockPool.ExpectRollback()

	err := s.SaveRun(context.Background(), rec, rep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecentRuns(t *testing.T) {
	s, mockPool := newTestStore(t)
	finished := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"run_id", "repo_path", "commit_sha", "status", "total_findings", "finished_at"}).
		AddRow("run-2", "/src/app", "def456", "failed", 7, finished).
		AddRow("run-1", "/src/app", "abc123", "success", 0, finished.Add(-time.Hour))
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlRecentRuns)).
		WithArgs(10).
		WillReturnRows(rows)

	got, err := s.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run-2", got[0].RunID)
	assert.Equal(t, 7, got[0].TotalFindings)
	assert.Equal(t, "success", got[1].Status)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecentRuns_QueryFailure(t *testing.T) {
	s, mockPool := newTestStore(t)
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlRecentRuns)).
		WithArgs(5).
		WillReturnError(errors.New("relation does not exist"))

	_, err := s.RecentRuns(context.Background(), 5)
	assert.Error(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
