package agent

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MountState represents the lifecycle state of a non-compliant mount.
type MountState string

const (
	StateOpen  MountState = "OPEN"
	StateFixed MountState = "FIXED"
)

// MountRecord is a non-compliant EFS mount tracked across sweeps.
type MountRecord struct {
	ID           string // hash(instance + mount line)
	InstanceID   string
	Mount        string // raw /proc/mounts line
	MountPoint   string
	EvidencePath string // evidence of the sweep that last saw the mount
	State        MountState
	FirstSeen    time.Time
	LastSeen     time.Time
	FixedAt      *time.Time
}

// DB wraps the SQLite connection and provides ledger operations.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and ensures schema exists.
func NewDB(ctx context.Context, dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		// Pragmas are optimizations, not critical - ignore errors
		_, _ = conn.ExecContext(ctx, pragma)
	}

	db := &DB{conn: conn}

	if err := db.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mounts (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		mount TEXT NOT NULL,
		mount_point TEXT,
		evidence_path TEXT,
		state TEXT NOT NULL DEFAULT 'OPEN',
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		fixed_at TEXT,
		notified INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_mounts_instance_state ON mounts(instance_id, state);
	CREATE INDEX IF NOT EXISTS idx_mounts_notified ON mounts(notified) WHERE notified = 0;
	`

	_, err := db.conn.ExecContext(ctx, schema)
	return err
}

// UpsertMount inserts or refreshes a non-compliant mount.
// Returns true if the mount is new or was previously fixed.
func (db *DB) UpsertMount(ctx context.Context, m *MountRecord) (isNew bool, err error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var existingState string
	err = db.conn.QueryRowContext(ctx,
		"SELECT state FROM mounts WHERE id = ?",
		m.ID,
	).Scan(&existingState)

	if err == sql.ErrNoRows {
		_, err = db.conn.ExecContext(ctx, `
			INSERT INTO mounts (id, instance_id, mount, mount_point, evidence_path, state, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, m.InstanceID, m.Mount, m.MountPoint, m.EvidencePath, StateOpen, now, now)
		return true, err
	}

	if err != nil {
		return false, err
	}

	if existingState == string(StateFixed) {
		// Reopened: reset notified so the reopen event gets delivered
		_, err = db.conn.ExecContext(ctx, `
			UPDATE mounts
			SET state = ?, last_seen = ?, fixed_at = NULL, evidence_path = ?, notified = 0
			WHERE id = ?
		`, StateOpen, now, m.EvidencePath, m.ID)
		return true, err
	}

	_, err = db.conn.ExecContext(ctx, `
		UPDATE mounts SET last_seen = ?, evidence_path = ? WHERE id = ?
	`, now, m.EvidencePath, m.ID)
	return false, err
}

// MarkFixed marks the open mounts of an instance as fixed when they are not in currentIDs.
// Call it only for instances that were evaluated successfully: an empty currentIDs then
// means every EFS mount on the instance is compliant (or unmounted).
func (db *DB) MarkFixed(ctx context.Context, instanceID string, currentIDs []string) ([]MountRecord, error) {
	currentSet := make(map[string]bool, len(currentIDs))
	for _, id := range currentIDs {
		currentSet[id] = true
	}

	open, err := db.queryMounts(ctx, "WHERE instance_id = ? AND state = ?", instanceID, StateOpen)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var fixed []MountRecord
	for _, m := range open {
		if currentSet[m.ID] {
			continue
		}
		m.State = StateFixed
		fixedAt := now
		m.FixedAt = &fixedAt
		fixed = append(fixed, m)
	}

	for _, m := range fixed {
		_, err := db.conn.ExecContext(ctx, `
			UPDATE mounts SET state = ?, fixed_at = ?, notified = 0 WHERE id = ?
		`, StateFixed, now.Format(time.RFC3339), m.ID)
		if err != nil {
			return nil, err
		}
	}

	return fixed, nil
}

// MarkNotified marks mounts whose latest event was delivered.
func (db *DB) MarkNotified(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, "UPDATE mounts SET notified = 1 WHERE id = ?")
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetUnnotifiedMounts returns mounts whose latest state change was not delivered yet.
func (db *DB) GetUnnotifiedMounts(ctx context.Context) ([]MountRecord, error) {
	return db.queryMounts(ctx, "WHERE notified = 0 ORDER BY first_seen ASC LIMIT 500")
}

// GetOpenMounts returns all open non-compliant mounts.
func (db *DB) GetOpenMounts(ctx context.Context) ([]MountRecord, error) {
	return db.queryMounts(ctx, "WHERE state = ? ORDER BY instance_id, first_seen", StateOpen)
}

func (db *DB) queryMounts(ctx context.Context, where string, args ...any) ([]MountRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, instance_id, mount, COALESCE(mount_point, ''), COALESCE(evidence_path, ''),
		       state, first_seen, last_seen, fixed_at
		FROM mounts `+where, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []MountRecord
	for rows.Next() {
		var m MountRecord
		var firstSeen, lastSeen string
		var fixedAt sql.NullString

		if err := rows.Scan(&m.ID, &m.InstanceID, &m.Mount, &m.MountPoint, &m.EvidencePath,
			&m.State, &firstSeen, &lastSeen, &fixedAt); err != nil {
			return nil, err
		}

		m.FirstSeen, _ = time.Parse(time.RFC3339, firstSeen)
		m.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
		if fixedAt.Valid {
			t, _ := time.Parse(time.RFC3339, fixedAt.String)
			m.FixedAt = &t
		}

		records = append(records, m)
	}

	return records, rows.Err()
}

// Stats returns counts of tracked mounts by state.
type Stats struct {
	TotalOpen      int
	TotalFixed     int
	OpenByInstance map[string]int
}

// GetStats returns ledger statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		OpenByInstance: make(map[string]int),
	}

	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mounts WHERE state = ?", StateOpen,
	).Scan(&stats.TotalOpen)
	if err != nil {
		return nil, err
	}

	err = db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mounts WHERE state = ?", StateFixed,
	).Scan(&stats.TotalFixed)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT instance_id, COUNT(*) FROM mounts
		WHERE state = ? GROUP BY instance_id
	`, StateOpen)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		stats.OpenByInstance[id] = count
	}

	return stats, rows.Err()
}
