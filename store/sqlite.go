package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/unkn0wn-root/fpcache/fingerprint"
	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by an embedded SQLite database in WAL mode, so
// readers are never blocked by the (facade-serialized) writers. One table per
// cache flavor, named after the namespace.
type SQLite struct {
	db    *sql.DB
	table string
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema for namespace exists. Namespace must be a plain identifier; it names
// the table.
func OpenSQLite(ctx context.Context, path, namespace string) (*SQLite, error) {
	table, err := tableName(namespace)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s := &SQLite{db: db, table: table}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func tableName(ns string) (string, error) {
	if ns == "" {
		return "", fmt.Errorf("fpcache/store: namespace is required")
	}
	for _, r := range ns {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !ok {
			return "", fmt.Errorf("fpcache/store: namespace %q: only [a-z0-9_] allowed", ns)
		}
	}
	return "cache_" + ns, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			source TEXT NOT NULL DEFAULT '',
			payload BLOB,
			artifact_ref TEXT NOT NULL DEFAULT '',
			payload_size INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			metadata BLOB,
			expires_at INTEGER
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_lru ON %s (last_accessed_at)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_weight ON %s (payload_size, access_count)`, s.table, s.table),
	}
	for _, q := range ddl {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Put(ctx context.Context, e *Entry) error {
	q := fmt.Sprintf(`INSERT INTO %s
		(key, source, payload, artifact_ref, payload_size, created_at, last_accessed_at, access_count, metadata, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			source = excluded.source,
			payload = excluded.payload,
			artifact_ref = excluded.artifact_ref,
			payload_size = excluded.payload_size,
			last_accessed_at = excluded.last_accessed_at,
			metadata = excluded.metadata,
			expires_at = excluded.expires_at`, s.table)
	_, err := s.db.ExecContext(ctx, q,
		e.Key.String(), e.Source, e.Payload, e.ArtifactRef, e.Size,
		e.CreatedAt.UnixNano(), e.AccessedAt.UnixNano(), e.Metadata, nanosOrNil(e.ExpiresAt))
	return err
}

func (s *SQLite) Get(ctx context.Context, key fingerprint.Fingerprint) (*Entry, error) {
	q := fmt.Sprintf(`SELECT key, source, payload, artifact_ref, payload_size,
		created_at, last_accessed_at, access_count, metadata, expires_at
		FROM %s WHERE key = ?`, s.table)
	row := s.db.QueryRowContext(ctx, q, key.String())

	var (
		e       Entry
		keyHex  string
		created int64
		access  int64
		expires sql.NullInt64
	)
	err := row.Scan(&keyHex, &e.Source, &e.Payload, &e.ArtifactRef, &e.Size,
		&created, &access, &e.AccessCount, &e.Metadata, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	fp, ok := fingerprint.Parse(keyHex)
	if !ok {
		return nil, fmt.Errorf("fpcache/store: corrupt key %q", keyHex)
	}
	e.Key = fp
	e.CreatedAt = time.Unix(0, created)
	e.AccessedAt = time.Unix(0, access)
	if expires.Valid {
		e.ExpiresAt = time.Unix(0, expires.Int64)
	}
	return &e, nil
}

func (s *SQLite) Touch(ctx context.Context, key fingerprint.Fingerprint, at time.Time) error {
	q := fmt.Sprintf(`UPDATE %s SET last_accessed_at = ?, access_count = access_count + 1 WHERE key = ?`, s.table)
	_, err := s.db.ExecContext(ctx, q, at.UnixNano(), key.String())
	return err
}

func (s *SQLite) DeleteMany(ctx context.Context, keys []fingerprint.Fingerprint) ([]Victim, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k.String()
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT key, payload_size, artifact_ref, last_accessed_at FROM %s WHERE key IN (%s)`,
		s.table, placeholders), args...)
	if err != nil {
		return nil, err
	}
	removed, err := scanVictims(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE key IN (%s)`, s.table, placeholders), args...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *SQLite) OldestFirst(ctx context.Context) ([]Victim, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT key, payload_size, artifact_ref, last_accessed_at FROM %s ORDER BY last_accessed_at ASC`, s.table))
	if err != nil {
		return nil, err
	}
	return scanVictims(rows)
}

func (s *SQLite) SweepExpired(ctx context.Context, now time.Time) ([]Victim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cutoff := now.UnixNano()
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT key, payload_size, artifact_ref, last_accessed_at FROM %s
		 WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.table), cutoff)
	if err != nil {
		return nil, err
	}
	expired, err := scanVictims(rows)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.table), cutoff); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *SQLite) FileRefs(ctx context.Context) ([]Victim, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT key, payload_size, artifact_ref, last_accessed_at FROM %s WHERE artifact_ref != ''`, s.table))
	if err != nil {
		return nil, err
	}
	return scanVictims(rows)
}

func (s *SQLite) TotalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT SUM(payload_size) FROM %s`, s.table)).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil // NULL (empty table) scans as 0
}

func (s *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n)
	return n, err
}

func (s *SQLite) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table))
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

func scanVictims(rows *sql.Rows) ([]Victim, error) {
	defer rows.Close()
	var out []Victim
	for rows.Next() {
		var (
			v      Victim
			keyHex string
			access int64
		)
		if err := rows.Scan(&keyHex, &v.Size, &v.ArtifactRef, &access); err != nil {
			return nil, err
		}
		fp, ok := fingerprint.Parse(keyHex)
		if !ok {
			return nil, fmt.Errorf("fpcache/store: corrupt key %q", keyHex)
		}
		v.Key = fp
		v.AccessedAt = time.Unix(0, access)
		out = append(out, v)
	}
	return out, rows.Err()
}

func nanosOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}
