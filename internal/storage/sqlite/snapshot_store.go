// Package sqlite provides a SQLite schema snapshot store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/entbridge/internal/schema"
	"github.com/scrypster/entbridge/internal/storage"
	"github.com/scrypster/entbridge/pkg/types"
)

// Schema creates the snapshot table.
const Schema = `
CREATE TABLE IF NOT EXISTS schema_snapshots (
    connection_id TEXT NOT NULL,
    entity TEXT NOT NULL,
    descriptor TEXT NOT NULL,
    fetched_at TIMESTAMP NOT NULL,
    PRIMARY KEY (connection_id, entity)
);
`

// SnapshotStore implements schema.SnapshotStore using SQLite.
type SnapshotStore struct {
	db *sql.DB
}

var _ schema.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore opens the store with WAL self-healing. If the initial
// open fails due to stale WAL files left by a crashed process, it verifies
// no other process holds them and retries once after removing them.
func NewSnapshotStore(dsn string) (*SnapshotStore, error) {
	store, err := openSnapshotStore(dsn)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath)

	store, retryErr := openSnapshotStore(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	slog.Info("sqlite: recovered from stale WAL files", "path", dbPath)
	return store, nil
}

func openSnapshotStore(dsn string) (*SnapshotStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SnapshotStore{db: db}, nil
}

// LoadSnapshot returns the stored descriptor or schema.ErrSnapshotNotFound.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context, connectionID, entity string) (*types.EntityDescriptor, error) {
	var (
		data      string
		fetchedAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT descriptor, fetched_at FROM schema_snapshots WHERE connection_id = ? AND entity = ?`,
		connectionID, storage.EntityKey(entity),
	).Scan(&data, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load snapshot %s/%s: %w", connectionID, entity, err)
	}
	return storage.DecodeSnapshot([]byte(data), fetchedAt)
}

// SaveSnapshot upserts the descriptor.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, connectionID string, desc *types.EntityDescriptor) error {
	snap, err := storage.EncodeSnapshot(connectionID, desc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schema_snapshots (connection_id, entity, descriptor, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(connection_id, entity) DO UPDATE SET
			descriptor = excluded.descriptor,
			fetched_at = excluded.fetched_at`,
		snap.ConnectionID, snap.Entity, string(snap.Descriptor), snap.FetchedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to save snapshot %s/%s: %w", connectionID, desc.Name, err)
	}
	return nil
}

// DeleteSnapshots removes one entity, or all of the connection's entities
// when entity is empty.
func (s *SnapshotStore) DeleteSnapshots(ctx context.Context, connectionID, entity string) error {
	var err error
	if entity == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM schema_snapshots WHERE connection_id = ?`, connectionID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM schema_snapshots WHERE connection_id = ? AND entity = ?`,
			connectionID, storage.EntityKey(entity))
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete snapshots for %s: %w", connectionID, err)
	}
	return nil
}

// Close closes the database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// dbPathFromDSN extracts the file path from a DSN, or "" for in-memory
// databases.
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError matches errors caused by stale WAL files left
// behind after a crash.
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for dbPath and no other
// process holds them open. Returns false if lsof is unavailable.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	output, err := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath).Output()
	if err != nil {
		// lsof exits 1 when no process has the files open.
		return true
	}
	return strings.TrimSpace(string(output)) == ""
}

func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("sqlite: failed to remove stale WAL file", "path", path, "error", err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
