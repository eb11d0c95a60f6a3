// Package storage provides an optional, queryable projection of the audit
// log and skill lifecycle, backing the daemon's /api/history surface. It is
// never the system of record: the JSONL audit log is authoritative, and
// this index can be deleted and rebuilt without losing a decision.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// EventRecord is the queryable projection of one audit or lifecycle event.
type EventRecord struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	Operation  string    `json:"operation,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	Allowed    bool      `json:"allowed"`
	PolicyID   string    `json:"policy_id,omitempty"`
	Target     string    `json:"target,omitempty"`
	Result     string    `json:"result"`
	DurationMs int64     `json:"duration_ms"`
	Metadata   string    `json:"metadata,omitempty"` // pre-redacted JSON
}

// SkillVersionRecord tracks the installed version of one skill.
type SkillVersionRecord struct {
	Slug        string    `json:"slug"`
	Version     string    `json:"version"`
	SHA         string    `json:"sha"`
	SourceID    string    `json:"source_id"`
	Trusted     bool      `json:"trusted"`
	InstalledAt time.Time `json:"installed_at"`
}

// Store is the SQLite-backed index.
type Store struct {
	db *sql.DB
}

// Open creates or opens the index database at path, running migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history index: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history index: %w", err)
	}

	slog.Info("history index opened", "path", path)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		type TEXT NOT NULL,
		operation TEXT,
		channel TEXT,
		allowed INTEGER NOT NULL,
		policy_id TEXT,
		target TEXT,
		result TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(type);
	CREATE INDEX IF NOT EXISTS idx_audit_events_result ON audit_events(result);

	CREATE TABLE IF NOT EXISTS skill_versions (
		slug TEXT PRIMARY KEY,
		version TEXT NOT NULL,
		sha TEXT NOT NULL,
		source_id TEXT,
		trusted INTEGER NOT NULL DEFAULT 0,
		installed_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordEvent indexes one audit occurrence. Failures here are logged, never
// returned as fatal: the index is a convenience over the authoritative log.
func (s *Store) RecordEvent(e EventRecord) {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO audit_events
		(id, timestamp, type, operation, channel, allowed, policy_id, target, result, duration_ms, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.Type, e.Operation, e.Channel, e.Allowed, e.PolicyID, e.Target, e.Result, e.DurationMs, e.Metadata,
	)
	if err != nil {
		slog.Warn("history index write failed", "id", e.ID, "error", err)
	}
}

// ListEvents returns recent events, most recent first, optionally filtered.
func (s *Store) ListEvents(typeFilter string, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, timestamp, type, operation, channel, allowed, policy_id, target, result, duration_ms, metadata FROM audit_events`
	args := []interface{}{}
	if typeFilter != "" {
		query += ` WHERE type = ?`
		args = append(args, typeFilter)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		var policyID, target, metadata, operation, channel sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &operation, &channel, &e.Allowed, &policyID, &target, &e.Result, &e.DurationMs, &metadata); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Operation, e.Channel, e.PolicyID, e.Target, e.Metadata = operation.String, channel.String, policyID.String, target.String, metadata.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats aggregates counts by type and result for the history dashboard.
type Stats struct {
	TotalEvents int            `json:"total_events"`
	ByType      map[string]int `json:"by_type"`
	ByResult    map[string]int `json:"by_result"`
}

func (s *Store) Stats() (Stats, error) {
	stats := Stats{ByType: map[string]int{}, ByResult: map[string]int{}}

	rows, err := s.db.Query(`SELECT type, COUNT(*) FROM audit_events GROUP BY type`)
	if err != nil {
		return stats, fmt.Errorf("aggregate by type: %w", err)
	}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByType[t] = n
		stats.TotalEvents += n
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT result, COUNT(*) FROM audit_events GROUP BY result`)
	if err != nil {
		return stats, fmt.Errorf("aggregate by result: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r string
		var n int
		if err := rows.Scan(&r, &n); err != nil {
			return stats, err
		}
		stats.ByResult[r] = n
	}
	return stats, rows.Err()
}

// UpsertSkillVersion records the currently installed version of a skill.
func (s *Store) UpsertSkillVersion(r SkillVersionRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO skill_versions (slug, version, sha, source_id, trusted, installed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Slug, r.Version, r.SHA, r.SourceID, r.Trusted, r.InstalledAt,
	)
	return err
}

// RemoveSkillVersion deletes a skill's version record on uninstall.
func (s *Store) RemoveSkillVersion(slug string) error {
	_, err := s.db.Exec(`DELETE FROM skill_versions WHERE slug = ?`, slug)
	return err
}

// GetSkillVersion retrieves a skill's current recorded version, if any.
func (s *Store) GetSkillVersion(slug string) (*SkillVersionRecord, error) {
	row := s.db.QueryRow(`SELECT slug, version, sha, source_id, trusted, installed_at FROM skill_versions WHERE slug = ?`, slug)
	var r SkillVersionRecord
	if err := row.Scan(&r.Slug, &r.Version, &r.SHA, &r.SourceID, &r.Trusted, &r.InstalledAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// ListSkillVersions returns every recorded skill version, for callers
// (the watcher) that need to detect removals by diffing against a
// directory scan.
func (s *Store) ListSkillVersions() ([]SkillVersionRecord, error) {
	rows, err := s.db.Query(`SELECT slug, version, sha, source_id, trusted, installed_at FROM skill_versions`)
	if err != nil {
		return nil, fmt.Errorf("list skill versions: %w", err)
	}
	defer rows.Close()

	var out []SkillVersionRecord
	for rows.Next() {
		var r SkillVersionRecord
		if err := rows.Scan(&r.Slug, &r.Version, &r.SHA, &r.SourceID, &r.Trusted, &r.InstalledAt); err != nil {
			return nil, fmt.Errorf("scan skill version: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarshalMetadata is a small helper so callers don't need to import
// encoding/json just to build an EventRecord.
func MarshalMetadata(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
