// ogc-gateway federates OGC API Processes providers behind one HTTP surface.
// Copyright (C) 2025 ogc-gateway contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package sqlite adapts the JobRepository port onto a single SQLite file
// via the pure-Go modernc.org/sqlite driver, WAL mode, and a linear
// settings-table schema_version migration scheme.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
	"github.com/citysciencelab/ogc-gateway/internal/model"
)

// Store implements repo.JobRepository against a SQLite database file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if absent) the database at path, enables WAL mode
// and a busy timeout, and applies any pending schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---- schema migrations ----

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT NOT NULL)`)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'schema_version'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var version int
	if _, err := fmt.Sscanf(v, "%d", &version); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, tx *sql.Tx, v int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO settings(key, value) VALUES('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", v))
	return err
}

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return fmt.Errorf("ensure settings table: %w", err)
	}
	version, err := s.getSchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	migrations := []func(ctx context.Context, tx *sql.Tx) error{
		migrateToV1,
	}
	for i := version; i < len(migrations); i++ {
		if err := s.withTx(ctx, func(tx *sql.Tx) error {
			if err := migrations[i](ctx, tx); err != nil {
				return fmt.Errorf("migration v%d: %w", i+1, err)
			}
			return s.setSchemaVersion(ctx, tx, i+1)
		}); err != nil {
			return err
		}
	}
	return nil
}

func migrateToV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			process_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			remote_job_id TEXT,
			remote_status_url TEXT,
			status TEXT NOT NULL,
			status_info_json TEXT NOT NULL,
			inputs_json TEXT,
			inputs_url TEXT,
			inputs_storage TEXT NOT NULL,
			inputs_size INTEGER NOT NULL DEFAULT 0,
			inputs_checksum TEXT,
			links_json TEXT,
			diagnostic TEXT,
			created TEXT NOT NULL,
			updated TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			user_id TEXT NOT NULL,
			hash TEXT,
			lease_owner TEXT,
			lease_expires_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_provider_process ON jobs(provider, process_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_hash_user ON jobs(hash, user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id)`,
		`CREATE TABLE IF NOT EXISTS job_status_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			status_info_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_job ON job_status_history(job_id)`,
		`CREATE TABLE IF NOT EXISTS job_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_job ON job_events(job_id)`,
		`CREATE TABLE IF NOT EXISTS job_comments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comments_job ON job_comments(job_id)`,
		`CREATE TABLE IF NOT EXISTS jobs_users (
			job_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (job_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ensembles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ensemble_jobs (
			ensemble_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			PRIMARY KEY (ensemble_id, job_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---- marshaling helpers ----

func marshalStatusInfo(si model.JobStatusInfo) (string, error) {
	b, err := json.Marshal(si)
	return string(b), err
}

func unmarshalStatusInfo(s string) (model.JobStatusInfo, error) {
	var si model.JobStatusInfo
	if s == "" {
		return si, nil
	}
	err := json.Unmarshal([]byte(s), &si)
	return si, err
}

func marshalLinks(links []model.Link) string {
	if len(links) == 0 {
		return ""
	}
	b, _ := json.Marshal(links)
	return string(b)
}

func unmarshalLinks(s string) []model.Link {
	if s == "" {
		return nil
	}
	var links []model.Link
	_ = json.Unmarshal([]byte(s), &links)
	return links
}

func fromNullString(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func wrapNotFound(id string) error {
	return gwerr.New(gwerr.NotFound, fmt.Sprintf("job %s not found", id))
}
