package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the relational store (spec §6), backed by a pooled pgx
// connection. Schema mirrors the original's IoTDevice/DeviceData/
// ClientSession tables, trimmed to the columns this service writes.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to dsn and verifies the schema exists.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	store := &PGStore{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS iot_devices (
	id TEXT PRIMARY KEY,
	device_name TEXT NOT NULL,
	device_type TEXT NOT NULL DEFAULT 'sensor',
	device_token TEXT,
	status TEXT NOT NULL DEFAULT 'Offline',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS device_data (
	id BIGSERIAL PRIMARY KEY,
	device_id TEXT NOT NULL REFERENCES iot_devices(id),
	timestamp TIMESTAMPTZ NOT NULL,
	displacement DOUBLE PRECISION NOT NULL,
	force DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS client_sessions (
	id BIGSERIAL PRIMARY KEY,
	client_id TEXT NOT NULL UNIQUE,
	websocket_id TEXT,
	connected BOOLEAN NOT NULL DEFAULT true,
	last_connected_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// EnsureDevice inserts a device row with synthesized attributes the first
// time deviceID is seen (spec §4.4.a / SPEC_FULL supplemented feature 2),
// a no-op otherwise.
func (s *PGStore) EnsureDevice(ctx context.Context, deviceID, token string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO iot_devices (id, device_name, device_type, device_token, status)
		VALUES ($1, $2, 'sensor', NULLIF($3, ''), 'Offline')
		ON CONFLICT (id) DO NOTHING
	`, deviceID, fmt.Sprintf("Device %s", deviceID), token)
	if err != nil {
		return fmt.Errorf("ensure device %s: %w", deviceID, err)
	}
	return nil
}

// MarkOnline flips a device's status to Online after its first successful
// save, mirroring the original's IoTDevice.status field.
func (s *PGStore) MarkOnline(ctx context.Context, deviceID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE iot_devices SET status = 'Online' WHERE id = $1 AND status != 'Online'`, deviceID)
	if err != nil {
		return fmt.Errorf("mark device %s online: %w", deviceID, err)
	}
	return nil
}

// SaveBatch bulk-inserts records for deviceID via CopyFrom, matching the
// original's save_device_data_batch bulk insert. Records with an
// unparseable timestamp are excluded from the write; written reports how
// many records actually made it into device_data, so the caller can
// attribute the difference from len(records) to db_errors (spec §4.4.b).
func (s *PGStore) SaveBatch(ctx context.Context, deviceID string, records []Record) (written int, err error) {
	rows := make([][]interface{}, 0, len(records))
	for _, r := range records {
		ts, err := r.ParsedTimestamp()
		if err != nil {
			continue
		}
		rows = append(rows, []interface{}{deviceID, ts, r.Displacement, r.Force})
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("save batch for %s: no records with a valid timestamp", deviceID)
	}

	if _, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"device_data"},
		[]string{"device_id", "timestamp", "displacement", "force"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return 0, fmt.Errorf("save batch for %s: %w", deviceID, err)
	}
	return len(rows), nil
}

// SaveClientSession records that clientID identified, creating or updating
// its client_sessions row (SPEC_FULL supplemented feature 3).
func (s *PGStore) SaveClientSession(ctx context.Context, clientID, websocketID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO client_sessions (client_id, websocket_id, connected, last_connected_at)
		VALUES ($1, $2, true, now())
		ON CONFLICT (client_id) DO UPDATE
		SET websocket_id = EXCLUDED.websocket_id, connected = true, last_connected_at = now()
	`, clientID, websocketID)
	if err != nil {
		return fmt.Errorf("save client session %s: %w", clientID, err)
	}
	return nil
}

// MarkClientDisconnected flips a client_sessions row to disconnected
// (SPEC_FULL supplemented feature 3).
func (s *PGStore) MarkClientDisconnected(ctx context.Context, clientID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE client_sessions SET connected = false WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("mark client %s disconnected: %w", clientID, err)
	}
	return nil
}
