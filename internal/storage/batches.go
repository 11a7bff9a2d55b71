package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/personas/internal/persona"
	"github.com/kalambet/personas/internal/pipeline"
)

var (
	_ pipeline.BatchRecorder = (*Store)(nil)
	_ pipeline.TripleSink    = (*Store)(nil)
)

// timeLayout has fixed-width fractional seconds so stored timestamps sort
// lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RecordState inserts the batch on its first transition and updates it
// afterwards.
func (s *Store) RecordState(ctx context.Context, st pipeline.Status) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, state, current_cluster, profile_count, cluster_count, noise_count, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			current_cluster = excluded.current_cluster,
			profile_count = excluded.profile_count,
			cluster_count = excluded.cluster_count,
			noise_count = excluded.noise_count,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		st.BatchID, string(st.State), st.Cluster, st.ProfileCount, st.ClusterCount, st.NoiseCount, st.Error, now, now,
	)
	if err != nil {
		return fmt.Errorf("recording batch %s state: %w", st.BatchID, err)
	}
	return nil
}

// SavePersonas replaces the personas stored for a batch.
func (s *Store) SavePersonas(ctx context.Context, batchID string, labels []int, personas []persona.Persona) error {
	if len(labels) != len(personas) {
		return fmt.Errorf("saving personas: %d labels for %d personas", len(labels), len(personas))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning persona transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM personas WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("clearing personas: %w", err)
	}
	for i, p := range personas {
		body, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding persona %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO personas (batch_id, position, cluster_label, name, body) VALUES (?, ?, ?, ?, ?)`,
			batchID, i, labels[i], p.Name, string(body),
		); err != nil {
			return fmt.Errorf("inserting persona %d: %w", i, err)
		}
	}
	return tx.Commit()
}

const batchColumns = `id, state, current_cluster, profile_count, cluster_count, noise_count, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (Batch, error) {
	var b Batch
	var createdAt, updatedAt string
	if err := row.Scan(&b.ID, &b.State, &b.CurrentCluster, &b.ProfileCount, &b.ClusterCount,
		&b.NoiseCount, &b.Error, &createdAt, &updatedAt); err != nil {
		return Batch{}, err
	}
	var err error
	if b.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Batch{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if b.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return Batch{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return b, nil
}

// GetBatch returns the batch with the given ID or ErrNotFound.
func (s *Store) GetBatch(ctx context.Context, id string) (Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Batch{}, ErrNotFound
	}
	return b, err
}

// ListBatches returns up to limit batches, newest first.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListPersonas returns a batch's personas in generation order.
func (s *Store) ListPersonas(ctx context.Context, batchID string) ([]StoredPersona, error) {
	return s.queryPersonas(ctx,
		`SELECT batch_id, position, cluster_label, body FROM personas WHERE batch_id = ? ORDER BY position`, batchID)
}

// RecentPersonas returns the personas of the most recent completed batch.
func (s *Store) RecentPersonas(ctx context.Context) ([]StoredPersona, error) {
	return s.queryPersonas(ctx, `
		SELECT p.batch_id, p.position, p.cluster_label, p.body
		FROM personas p
		WHERE p.batch_id = (
			SELECT id FROM batches WHERE state = ? ORDER BY created_at DESC, rowid DESC LIMIT 1
		)
		ORDER BY p.position`, string(pipeline.StateDone))
}

func (s *Store) queryPersonas(ctx context.Context, query string, args ...any) ([]StoredPersona, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredPersona
	for rows.Next() {
		var sp StoredPersona
		var body string
		if err := rows.Scan(&sp.BatchID, &sp.Position, &sp.ClusterLabel, &body); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(body), &sp.Persona); err != nil {
			return nil, fmt.Errorf("decoding persona %s/%d: %w", sp.BatchID, sp.Position, err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}
