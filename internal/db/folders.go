package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Folder is the cached metadata row of a synchronized folder.
type Folder struct {
	ID        int64
	Resource  string
	Type      string
	SyncLock  int64
	CTag      string
	SyncToken string
	Changed   time.Time
}

// GetOrCreateFolder loads the metadata row for a resource/type pair,
// creating an empty one on first use.
func (db *DB) GetOrCreateFolder(resource, typ string) (*Folder, error) {
	f, err := db.getFolder(resource, typ)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err = db.conn.Exec(
		`INSERT INTO kolab_folders (resource, type) VALUES (?, ?)
		 ON CONFLICT(resource, type) DO NOTHING`,
		resource, typ,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create folder record: %w", err)
	}

	return db.getFolder(resource, typ)
}

func (db *DB) getFolder(resource, typ string) (*Folder, error) {
	row := db.conn.QueryRow(
		`SELECT folder_id, resource, type, synclock, ctag, synctoken, changed
		 FROM kolab_folders WHERE resource = ? AND type = ?`,
		resource, typ,
	)
	return scanFolder(row)
}

// GetFolderByID loads a folder metadata row by its numeric id.
func (db *DB) GetFolderByID(id int64) (*Folder, error) {
	row := db.conn.QueryRow(
		`SELECT folder_id, resource, type, synclock, ctag, synctoken, changed
		 FROM kolab_folders WHERE folder_id = ?`,
		id,
	)
	return scanFolder(row)
}

func scanFolder(row *sql.Row) (*Folder, error) {
	var f Folder
	var changed sql.NullString
	err := row.Scan(&f.ID, &f.Resource, &f.Type, &f.SyncLock, &f.CTag, &f.SyncToken, &changed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan folder: %w", err)
	}
	if changed.Valid && changed.String != "" {
		f.Changed, _ = time.Parse(DBDateFormat, changed.String)
	}
	return &f, nil
}

// TryAcquireSyncLock attempts to take the sync lock of a folder with a
// single compare-and-set statement. expected is the synclock value the
// caller last observed (0 for unlocked, or a stale timestamp being
// reclaimed). Returns true when the lock was taken.
func (db *DB) TryAcquireSyncLock(folderID int64, expected, now int64) (bool, error) {
	result, err := db.conn.Exec(
		`UPDATE kolab_folders SET synclock = ? WHERE folder_id = ? AND synclock = ?`,
		now, folderID, expected,
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// ReadSyncLock returns the current synclock value of a folder.
func (db *DB) ReadSyncLock(folderID int64) (int64, error) {
	var lock int64
	err := db.conn.QueryRow(
		`SELECT synclock FROM kolab_folders WHERE folder_id = ?`, folderID,
	).Scan(&lock)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sync lock: %w", err)
	}
	return lock, nil
}

// ReleaseSyncLock clears the sync lock and, in the same statement, persists
// the pending change token and the changed timestamp. Writing the token
// only here keeps an interrupted pass from ever recording a token whose
// rows were not fully applied.
func (db *DB) ReleaseSyncLock(folderID int64, ctag, synctoken string, changed time.Time) error {
	var changedVal any
	if !changed.IsZero() {
		changedVal = changed.UTC().Format(DBDateFormat)
	}
	result, err := db.conn.Exec(
		`UPDATE kolab_folders SET synclock = 0, ctag = ?, synctoken = ?, changed = ?
		 WHERE folder_id = ?`,
		ctag, synctoken, changedVal, folderID,
	)
	if err != nil {
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UnlockOnly clears the sync lock without touching the stored tokens, used
// when a pass aborts before reaching a consistent state.
func (db *DB) UnlockOnly(folderID int64) error {
	_, err := db.conn.Exec(
		`UPDATE kolab_folders SET synclock = 0 WHERE folder_id = ?`, folderID,
	)
	if err != nil {
		return fmt.Errorf("failed to unlock folder: %w", err)
	}
	return nil
}

// RenameFolder moves the metadata rows of a resource to a new resource
// identifier, keeping folder ids and cached rows intact.
func (db *DB) RenameFolder(oldResource, newResource string) error {
	result, err := db.conn.Exec(
		`UPDATE kolab_folders SET resource = ? WHERE resource = ?`,
		newResource, oldResource,
	)
	if err != nil {
		return fmt.Errorf("failed to rename folder: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFolder removes a folder metadata row and all cached rows that
// belong to it across every cache table variant.
func (db *DB) DeleteFolder(folderID int64) error {
	for _, typ := range cacheTypes {
		for _, dav := range []bool{false, true} {
			table := CacheTable(typ, dav)
			if _, err := db.conn.Exec(
				fmt.Sprintf(`DELETE FROM %s WHERE folder_id = ?`, table), folderID,
			); err != nil {
				return fmt.Errorf("failed to purge cache table %s: %w", table, err)
			}
		}
	}
	_, err := db.conn.Exec(`DELETE FROM kolab_folders WHERE folder_id = ?`, folderID)
	if err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	return nil
}

// SyncLog is one recorded synchronization pass.
type SyncLog struct {
	ID             string
	FolderID       int64
	Status         string
	Message        string
	ObjectsAdded   int
	ObjectsDeleted int
	DurationMS     int64
	CreatedAt      time.Time
}

// InsertSyncLog records the outcome of a synchronization pass.
func (db *DB) InsertSyncLog(l *SyncLog) error {
	_, err := db.conn.Exec(
		`INSERT INTO kolab_sync_logs (id, folder_id, status, message, objects_added, objects_deleted, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.FolderID, l.Status, l.Message, l.ObjectsAdded, l.ObjectsDeleted, l.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync log: %w", err)
	}
	return nil
}

// ListSyncLogs returns the most recent sync log entries for a folder.
func (db *DB) ListSyncLogs(folderID int64, limit int) ([]*SyncLog, error) {
	rows, err := db.conn.Query(
		`SELECT id, folder_id, status, message, objects_added, objects_deleted, duration_ms, created_at
		 FROM kolab_sync_logs WHERE folder_id = ? ORDER BY created_at DESC LIMIT ?`,
		folderID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		var l SyncLog
		var msg sql.NullString
		var created string
		if err := rows.Scan(&l.ID, &l.FolderID, &l.Status, &msg, &l.ObjectsAdded, &l.ObjectsDeleted, &l.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		l.Message = msg.String
		l.CreatedAt, _ = time.Parse(DBDateFormat, created)
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
