package stores

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hostpanel/hostpanel/pkg/engine"
)

var _ engine.RunRecorder = (*SQLiteStore)(nil)

// RunRecord is the summary row of a stored run.
type RunRecord struct {
	ID          string            `json:"id"`
	Status      engine.RunStatus  `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Duration    time.Duration     `json:"duration"`
	Summary     engine.RunSummary `json:"summary"`
}

// RecordRun stores the report of a run and one row per resource result.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *engine.Run) error {
	report, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", run.ID, err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, status, started_at, completed_at, duration_ms, total, succeeded, failed, skipped, denied, report)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID,
			run.Status,
			run.StartedAt.UTC(),
			run.CompletedAt.UTC(),
			run.Duration.Milliseconds(),
			run.Summary.Total,
			run.Summary.Succeeded,
			run.Summary.Failed,
			run.Summary.Skipped,
			run.Summary.Denied,
			string(report),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("run %s already recorded", run.ID)
			}
			return fmt.Errorf("failed to record run: %w", err)
		}

		for i, res := range run.Results {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO run_results (run_id, position, resource, kind, action, backend, host, status, state, class, error)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, run.ID, i, res.Resource, res.Kind, res.Action, res.Backend, res.Host, res.Status, res.State, res.Class, res.Error)
			if err != nil {
				return fmt.Errorf("failed to record result of %s: %w", res.Resource, err)
			}
		}
		return nil
	})
}

// GetRun returns the full report of a run.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	var report string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, id).Scan(&report)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run := &engine.Run{}
	if err := json.Unmarshal([]byte(report), run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns lists run summaries, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, started_at, completed_at, duration_ms, total, succeeded, failed, skipped, denied
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		r := &RunRecord{}
		var ms int64
		if err := rows.Scan(&r.ID, &r.Status, &r.StartedAt, &r.CompletedAt, &ms,
			&r.Summary.Total, &r.Summary.Succeeded, &r.Summary.Failed, &r.Summary.Skipped, &r.Summary.Denied); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// FailedResources returns the keys of resources that failed or were denied
// in a run, so an operator can re-run only that subset.
func (s *SQLiteStore) FailedResources(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT resource
		FROM run_results
		WHERE run_id = ? AND status IN (?, ?)
		ORDER BY resource
	`, runID, engine.OutcomeFailed, engine.OutcomeDenied)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed resources: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan resource key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// SaveScript stores the last applied script of a unit.
func (s *SQLiteStore) SaveScript(ctx context.Context, unit string, text string) error {
	sum := sha256.Sum256([]byte(text))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scripts (unit, script, hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (unit) DO UPDATE SET
			script = excluded.script,
			hash = excluded.hash,
			updated_at = excluded.updated_at
	`, unit, text, hex.EncodeToString(sum[:]), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save script %s: %w", unit, err)
	}
	return nil
}

// LastScript returns the last applied script of a unit, or "" if none was
// ever applied.
func (s *SQLiteStore) LastScript(ctx context.Context, unit string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT script FROM scripts WHERE unit = ?`, unit).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get script %s: %w", unit, err)
	}
	return text, nil
}
