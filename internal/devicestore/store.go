// Package devicestore persists tracked devices in SQLite so they
// survive restarts. Rows are upserted after each poll cycle and never
// deleted; a device the router stops reporting keeps its last record.
//
// A small namespaced key-value table sits alongside for operational
// state that does not deserve its own schema, such as the last router
// system info seen.
package devicestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/inteno-tracker/internal/tracker"
)

// Store is a SQLite-backed device store. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens or creates the store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tracked_devices (
		mac        TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		last_seen  TEXT,
		attributes TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LoadDevices returns every persisted device ordered by MAC.
func (s *Store) LoadDevices(ctx context.Context) ([]tracker.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mac, name, ip_address, last_seen, attributes
		 FROM tracked_devices ORDER BY mac`,
	)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	records := []tracker.Record{}
	for rows.Next() {
		var (
			rec      tracker.Record
			lastSeen sql.NullString
			attrs    string
		)
		if err := rows.Scan(&rec.MAC, &rec.Name, &rec.IPAddress, &lastSeen, &attrs); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if lastSeen.Valid && lastSeen.String != "" {
			ts, err := time.Parse(time.RFC3339Nano, lastSeen.String)
			if err != nil {
				return nil, fmt.Errorf("parse last_seen for %s: %w", rec.MAC, err)
			}
			rec.LastSeen = &ts
		}
		if attrs != "" {
			if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes for %s: %w", rec.MAC, err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveDevices upserts records in a single transaction.
func (s *Store) SaveDevices(ctx context.Context, records []tracker.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tracked_devices (mac, name, ip_address, last_seen, attributes, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (mac) DO UPDATE
		 SET name = excluded.name,
		     ip_address = excluded.ip_address,
		     last_seen = COALESCE(excluded.last_seen, tracked_devices.last_seen),
		     attributes = excluded.attributes,
		     updated_at = excluded.updated_at`,
	)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	updated := s.now().UTC().Format(time.RFC3339)
	for _, rec := range records {
		if rec.MAC == "" {
			return errors.New("save device: empty mac")
		}
		attrs := []byte("{}")
		if len(rec.Attributes) > 0 {
			if attrs, err = json.Marshal(rec.Attributes); err != nil {
				return fmt.Errorf("encode attributes for %s: %w", rec.MAC, err)
			}
		}
		var lastSeen any
		if rec.LastSeen != nil {
			lastSeen = rec.LastSeen.UTC().Format(time.RFC3339Nano)
		}
		if _, err := stmt.ExecContext(ctx, rec.MAC, rec.Name, rec.IPAddress, lastSeen, string(attrs), updated); err != nil {
			return fmt.Errorf("upsert %s: %w", rec.MAC, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get returns the stored value for a namespace/key pair. Returns empty
// string and nil error if the key does not exist.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// GetJSON decodes the value at namespace/key into v. It reports false
// when the key does not exist.
func (s *Store) GetJSON(namespace, key string, v any) (bool, error) {
	raw, err := s.Get(namespace, key)
	if err != nil || raw == "" {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at namespace/key.
func (s *Store) SetJSON(namespace, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", namespace, key, err)
	}
	return s.Set(namespace, key, string(data))
}
