package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/kalambet/personas/internal/cluster"
)

// SaveTriples stores a batch's embedded profiles.
func (s *Store) SaveTriples(ctx context.Context, batchID string, triples []cluster.Triple) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning vector transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO profile_vectors (batch_id, profile_id, position, embedding, payload)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing vector insert: %w", err)
	}
	defer stmt.Close()

	for i, t := range triples {
		payload, err := json.Marshal(t.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload for profile %d: %w", t.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, batchID, t.ID, i, encodeFloat32s(t.Vector), string(payload)); err != nil {
			return fmt.Errorf("inserting vector for profile %d: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// LoadTriples returns a batch's embedded profiles in their original order.
// JSON numbers in payloads decode as float64.
func (s *Store) LoadTriples(ctx context.Context, batchID string) ([]cluster.Triple, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT profile_id, embedding, payload FROM profile_vectors WHERE batch_id = ? ORDER BY position`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cluster.Triple
	for rows.Next() {
		var t cluster.Triple
		var blob []byte
		var payload string
		if err := rows.Scan(&t.ID, &blob, &payload); err != nil {
			return nil, err
		}
		if t.Vector, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding vector for profile %d: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload for profile %d: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
