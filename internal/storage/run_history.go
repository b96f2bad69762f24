package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/parallel-runner/internal/model"
)

// RunSummary aggregates one persisted run.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	Passed      int       `json:"passed"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	CompletedAt time.Time `json:"completed_at"`
}

// ResultStore defines the interface for run history persistence.
type ResultStore interface {
	// StoreRun persists every terminal result of one run.
	StoreRun(ctx context.Context, runID string, results map[string]*model.TaskResult) error

	// ListRun retrieves the results recorded for a run.
	ListRun(ctx context.Context, runID string) ([]*model.TaskResult, error)

	// Summaries lists recent runs, newest first.
	Summaries(ctx context.Context, limit int) ([]*RunSummary, error)

	// DeleteBefore deletes records older than the specified time.
	DeleteBefore(ctx context.Context, before time.Time) error

	// Close releases the underlying store.
	Close() error
}

// SQLiteResultStore implements ResultStore using SQLite.
type SQLiteResultStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteResultStore opens (or creates) a run history database.
func NewSQLiteResultStore(logger *zap.Logger, dbPath string) (*SQLiteResultStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteResultStore{
		logger: logger.Named("run-history"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist.
func (s *SQLiteResultStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_results (
			run_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			suite_id TEXT,
			status TEXT NOT NULL,
			duration INTEGER NOT NULL,
			worker_id INTEGER NOT NULL,
			error TEXT,
			sub_results TEXT,
			completed_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, task_id)
		);
		CREATE INDEX IF NOT EXISTS idx_run_results_run_id ON run_results(run_id);
		CREATE INDEX IF NOT EXISTS idx_run_results_status ON run_results(status);
		CREATE INDEX IF NOT EXISTS idx_run_results_completed_at ON run_results(completed_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// StoreRun implements ResultStore.StoreRun.
func (s *SQLiteResultStore) StoreRun(ctx context.Context, runID string, results map[string]*model.TaskResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO run_results (
			run_id, task_id, suite_id, status, duration, worker_id,
			error, sub_results, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, result := range results {
		var errStr, subStr string
		if result.Error != nil {
			data, err := json.Marshal(result.Error)
			if err != nil {
				return fmt.Errorf("failed to marshal error for task %s: %w", result.TaskID, err)
			}
			errStr = string(data)
		}
		if len(result.SubResults) > 0 {
			data, err := json.Marshal(result.SubResults)
			if err != nil {
				return fmt.Errorf("failed to marshal sub results for task %s: %w", result.TaskID, err)
			}
			subStr = string(data)
		}

		if _, err := stmt.ExecContext(ctx,
			runID,
			result.TaskID,
			result.SuiteID,
			result.Status,
			int64(result.Duration),
			result.WorkerID,
			sql.NullString{String: errStr, Valid: errStr != ""},
			sql.NullString{String: subStr, Valid: subStr != ""},
			result.CompletedAt,
		); err != nil {
			return fmt.Errorf("failed to store result for task %s: %w", result.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	s.logger.Info("Run persisted",
		zap.String("run_id", runID),
		zap.Int("results", len(results)))

	return nil
}

// ListRun implements ResultStore.ListRun.
func (s *SQLiteResultStore) ListRun(ctx context.Context, runID string) ([]*model.TaskResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, suite_id, status, duration, worker_id, error, sub_results, completed_at
		FROM run_results
		WHERE run_id = ?
		ORDER BY completed_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run results: %w", err)
	}
	defer rows.Close()

	var results []*model.TaskResult
	for rows.Next() {
		result := &model.TaskResult{}
		var suiteID, errStr, subStr sql.NullString
		var durationNanos int64

		if err := rows.Scan(
			&result.TaskID,
			&suiteID,
			&result.Status,
			&durationNanos,
			&result.WorkerID,
			&errStr,
			&subStr,
			&result.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run result: %w", err)
		}

		result.Duration = time.Duration(durationNanos)
		if suiteID.Valid {
			result.SuiteID = suiteID.String
		}
		if errStr.Valid && errStr.String != "" {
			var terr model.TestError
			if err := json.Unmarshal([]byte(errStr.String), &terr); err != nil {
				return nil, fmt.Errorf("failed to unmarshal error for task %s: %w", result.TaskID, err)
			}
			result.Error = &terr
		}
		if subStr.Valid && subStr.String != "" {
			if err := json.Unmarshal([]byte(subStr.String), &result.SubResults); err != nil {
				return nil, fmt.Errorf("failed to unmarshal sub results for task %s: %w", result.TaskID, err)
			}
		}

		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return results, nil
}

// Summaries implements ResultStore.Summaries.
func (s *SQLiteResultStore) Summaries(ctx context.Context, limit int) ([]*RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			run_id,
			SUM(CASE WHEN status = 'passed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END),
			MAX(completed_at)
		FROM run_results
		GROUP BY run_id
		ORDER BY MAX(completed_at) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list run summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*RunSummary
	for rows.Next() {
		summary := &RunSummary{}
		if err := rows.Scan(
			&summary.RunID,
			&summary.Passed,
			&summary.Failed,
			&summary.Skipped,
			&summary.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return summaries, nil
}

// DeleteBefore implements ResultStore.DeleteBefore.
func (s *SQLiteResultStore) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM run_results WHERE completed_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete run results: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old run results",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

// Close closes the database connection.
func (s *SQLiteResultStore) Close() error {
	return s.db.Close()
}
