package callstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"callbridge/internal/calls"
	"callbridge/pkg/utils"
)

// PostgresStore implements Store on Postgres for deployments that already
// run one. Same contract as FileStore: active snapshots are upserted and
// deleted, history and processed events are insert-only.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS active_calls (
	call_id TEXT PRIMARY KEY,
	record  JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS call_history (
	seq BIGSERIAL PRIMARY KEY,
	call_id TEXT NOT NULL,
	record  JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS processed_events (
	event_id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Initialize(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("callstore: db is nil")
	}
	_, err := s.db.ExecContext(ctx, postgresSchema)
	if err != nil {
		return fmt.Errorf("callstore: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveCall(ctx context.Context, rec calls.CallRecord) error {
	if rec.CallID == "" {
		return fmt.Errorf("callstore: call id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO active_calls (call_id, record, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (call_id) DO UPDATE SET record = EXCLUDED.record, updated_at = now()`,
		rec.CallID, data)
	return err
}

func (s *PostgresStore) RemoveCall(ctx context.Context, callID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM active_calls WHERE call_id = $1`, callID)
	return err
}

func (s *PostgresStore) AppendHistory(ctx context.Context, rec calls.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO call_history (call_id, record) VALUES ($1, $2)`,
		rec.CallID, data)
	return err
}

func (s *PostgresStore) MarkEventProcessed(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_id) VALUES ($1) ON CONFLICT DO NOTHING`,
		eventID)
	return err
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT record FROM active_calls`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return err
			}
			var rec calls.CallRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			snap.ActiveCalls = append(snap.ActiveCalls, rec)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		idRows, err := tx.QueryContext(ctx, `SELECT event_id FROM processed_events`)
		if err != nil {
			return err
		}
		defer idRows.Close()
		for idRows.Next() {
			var id string
			if err := idRows.Scan(&id); err != nil {
				return err
			}
			snap.ProcessedEventIDs = append(snap.ProcessedEventIDs, id)
		}
		return idRows.Err()
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("callstore: load snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) History(ctx context.Context, limit int) ([]calls.CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM call_history ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.CallRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec calls.CallRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	// The pool is owned by the caller (shared with other components).
	return nil
}
