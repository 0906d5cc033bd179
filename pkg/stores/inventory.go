package stores

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/resources"
)

// AppliedResource is an inventory row: the last successfully saved state
// of a resource.
type AppliedResource struct {
	Key       string          `json:"key"`
	Kind      string          `json:"kind"`
	Account   string          `json:"account"`
	Hash      string          `json:"hash"`
	LastRunID string          `json:"last_run_id"`
	AppliedAt time.Time       `json:"applied_at"`
	Resource  engine.Resource `json:"-"`
}

// UpsertResource records r as applied by run runID.
func (s *SQLiteStore) UpsertResource(ctx context.Context, r engine.Resource, runID string) error {
	data, err := resources.Encode(r)
	if err != nil {
		return fmt.Errorf("failed to encode resource %s: %w", r.Key(), err)
	}
	sum := sha256.Sum256(data)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resources (key, kind, account, data, hash, last_run_id, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			kind = excluded.kind,
			account = excluded.account,
			data = excluded.data,
			hash = excluded.hash,
			last_run_id = excluded.last_run_id,
			applied_at = excluded.applied_at
	`, r.Key(), r.Kind(), r.AccountID(), string(data), hex.EncodeToString(sum[:]), runID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert resource %s: %w", r.Key(), err)
	}
	return nil
}

// DeleteResource removes a resource from the inventory. Removing an
// unknown key is not an error.
func (s *SQLiteStore) DeleteResource(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete resource %s: %w", key, err)
	}
	return nil
}

// GetResource returns one applied resource.
func (s *SQLiteStore) GetResource(ctx context.Context, key string) (*AppliedResource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, kind, account, data, hash, last_run_id, applied_at
		FROM resources
		WHERE key = ?
	`, key)
	ar, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s: %w", key, ErrNotFound)
	}
	return ar, err
}

// ListResources returns the applied inventory ordered by key. An empty
// kind lists every kind.
func (s *SQLiteStore) ListResources(ctx context.Context, kind string) ([]*AppliedResource, error) {
	query := `SELECT key, kind, account, data, hash, last_run_id, applied_at FROM resources`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var out []*AppliedResource
	for rows.Next() {
		ar, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return out, nil
}

// Applied returns the decoded applied resources, as input to
// resources.Set.Deletions.
func (s *SQLiteStore) Applied(ctx context.Context) ([]engine.Resource, error) {
	rows, err := s.ListResources(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]engine.Resource, len(rows))
	for i, ar := range rows {
		out[i] = ar.Resource
	}
	return out, nil
}

// RecordApplied updates the inventory from a run: saved resources are
// upserted and deleted ones removed. A resource with any failed or denied
// result is left untouched so it is retried on the next apply.
func (s *SQLiteStore) RecordApplied(ctx context.Context, run *engine.Run, desired *resources.Set) error {
	incomplete := map[string]bool{}
	for _, res := range run.Results {
		if res.Status != engine.OutcomeSucceeded {
			incomplete[res.Resource] = true
		}
	}

	done := map[string]bool{}
	for _, res := range run.Results {
		if res.Status != engine.OutcomeSucceeded || incomplete[res.Resource] || done[res.Resource] {
			continue
		}
		done[res.Resource] = true
		switch res.State {
		case engine.ResourceStateSaved:
			r, ok := desired.Get(res.Resource)
			if !ok {
				continue
			}
			if err := s.UpsertResource(ctx, r, run.ID); err != nil {
				return err
			}
		case engine.ResourceStateDeleted:
			if err := s.DeleteResource(ctx, res.Resource); err != nil {
				return err
			}
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (*AppliedResource, error) {
	ar := &AppliedResource{}
	var data string
	if err := row.Scan(&ar.Key, &ar.Kind, &ar.Account, &data, &ar.Hash, &ar.LastRunID, &ar.AppliedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan resource: %w", err)
	}
	r, err := resources.Decode(ar.Kind, []byte(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode resource %s: %w", ar.Key, err)
	}
	ar.Resource = r
	return ar, nil
}
