package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Driver names registered with database/sql.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS device_states (
	device_id  TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLStore keeps records as JSON documents in a single table.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens the database, applies the schema and verifies the connection.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// A single connection serializes writers and keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, deviceID string) (DeviceState, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT state FROM device_states WHERE device_id = ?`), deviceID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceState{}, ErrNotFound
	}
	if err != nil {
		return DeviceState{}, fmt.Errorf("select %s: %w", deviceID, err)
	}
	return decode(deviceID, doc)
}

// Update implements Store.
func (s *SQLStore) Update(ctx context.Context, deviceID string, fn func(*DeviceState) error) (DeviceState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DeviceState{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	query := `SELECT state FROM device_states WHERE device_id = ?`
	if s.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}

	state := DeviceState{DeviceID: deviceID}
	var doc string
	err = tx.QueryRowContext(ctx, s.rebind(query), deviceID).Scan(&doc)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return DeviceState{}, fmt.Errorf("select %s: %w", deviceID, err)
	default:
		if state, err = decode(deviceID, doc); err != nil {
			return DeviceState{}, err
		}
	}

	if err := fn(&state); err != nil {
		return DeviceState{}, err
	}
	state.DeviceID = deviceID

	data, err := json.Marshal(state)
	if err != nil {
		return DeviceState{}, fmt.Errorf("encode %s: %w", deviceID, err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO device_states (device_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`),
		deviceID, string(data), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return DeviceState{}, fmt.Errorf("upsert %s: %w", deviceID, err)
	}

	if err := tx.Commit(); err != nil {
		return DeviceState{}, fmt.Errorf("commit: %w", err)
	}
	return state, nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, deviceID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM device_states WHERE device_id = ?`), deviceID); err != nil {
		return fmt.Errorf("delete %s: %w", deviceID, err)
	}
	return nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context) ([]DeviceState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, state FROM device_states ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var out []DeviceState
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		state, err := decode(id, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// DB exposes the pool for statistics collection.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func decode(deviceID, doc string) (DeviceState, error) {
	var state DeviceState
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return DeviceState{}, fmt.Errorf("decode %s: %w", deviceID, err)
	}
	state.DeviceID = deviceID
	return state, nil
}
