package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Row is one cached object row. Msguid is set for message-indexed tables,
// ETag for the etag-indexed variant. Extra holds the type-specific column
// values keyed by column name.
type Row struct {
	FolderID int64
	Msguid   uint64
	UID      string
	ETag     string
	Created  time.Time
	Changed  time.Time
	Data     []byte
	Tags     string
	Words    string
	Extra    map[string]string
}

// extraColumns returns the ordered type-specific column names of a cache
// table. The order is fixed so batched inserts line up.
func extraColumns(typ string) []string {
	if typ == "group" {
		typ = "contact"
	}
	if typ == "contact" {
		return []string{"type", "name", "firstname", "surname", "email"}
	}
	return []string{"dtstart", "dtend"}
}

func (r *Row) extraValues(typ string) []any {
	cols := extraColumns(typ)
	vals := make([]any, len(cols))
	for i, c := range cols {
		if v, ok := r.Extra[c]; ok && v != "" {
			vals[i] = v
		}
	}
	return vals
}

// rowColumns returns the full insert column list of a cache table.
func rowColumns(typ string, dav bool) []string {
	cols := []string{"folder_id"}
	if dav {
		cols = append(cols, "uid", "etag")
	} else {
		cols = append(cols, "msguid", "uid")
	}
	cols = append(cols, "created", "changed", "data", "tags", "words")
	return append(cols, extraColumns(typ)...)
}

func (r *Row) values(typ string, dav bool) []any {
	created := r.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var changed any
	if !r.Changed.IsZero() {
		changed = r.Changed.UTC().Format(DBDateFormat)
	}
	vals := []any{r.FolderID}
	if dav {
		vals = append(vals, r.UID, r.ETag)
	} else {
		vals = append(vals, r.Msguid, r.UID)
	}
	vals = append(vals, created.UTC().Format(DBDateFormat), changed, string(r.Data), r.Tags, r.Words)
	return append(vals, r.extraValues(typ)...)
}

// InsertRow writes a single cache row, replacing any existing row with the
// same key.
func (db *DB) InsertRow(typ string, dav bool, r *Row) error {
	cols := rowColumns(typ, dav)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
		CacheTable(typ, dav), strings.Join(cols, ", "), placeholders)
	if _, err := db.conn.Exec(query, r.values(typ, dav)...); err != nil {
		return fmt.Errorf("failed to insert cache row: %w", err)
	}
	return nil
}

func scanRows(rows *sql.Rows, dav bool) ([]*Row, error) {
	defer rows.Close()
	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows, dav)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(s rowScanner, dav bool) (*Row, error) {
	var r Row
	var created, changed sql.NullString
	var data string
	var err error
	if dav {
		err = s.Scan(&r.FolderID, &r.UID, &r.ETag, &created, &changed, &data, &r.Tags, &r.Words)
	} else {
		err = s.Scan(&r.FolderID, &r.Msguid, &r.UID, &created, &changed, &data, &r.Tags, &r.Words)
	}
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache row: %w", err)
	}
	if created.Valid {
		r.Created, _ = time.Parse(DBDateFormat, created.String)
	}
	if changed.Valid {
		r.Changed, _ = time.Parse(DBDateFormat, changed.String)
	}
	r.Data = []byte(data)
	return &r, nil
}

func baseSelect(typ string, dav bool) string {
	if dav {
		return fmt.Sprintf(`SELECT folder_id, uid, etag, created, changed, data, tags, words FROM %s`,
			CacheTable(typ, dav))
	}
	return fmt.Sprintf(`SELECT folder_id, msguid, uid, created, changed, data, tags, words FROM %s`,
		CacheTable(typ, dav))
}

// GetRowByMsguid loads one row from a message-indexed table.
func (db *DB) GetRowByMsguid(typ string, folderID int64, msguid uint64) (*Row, error) {
	row := db.conn.QueryRow(baseSelect(typ, false)+` WHERE folder_id = ? AND msguid = ?`,
		folderID, msguid)
	return scanRow(row, false)
}

// GetRowsByUID loads all rows carrying a logical UID from a message-indexed
// table, newest message first.
func (db *DB) GetRowsByUID(typ string, folderID int64, uid string) ([]*Row, error) {
	rows, err := db.conn.Query(baseSelect(typ, false)+` WHERE folder_id = ? AND uid = ? ORDER BY msguid DESC`,
		folderID, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache rows: %w", err)
	}
	return scanRows(rows, false)
}

// GetDavRow loads one row from an etag-indexed table.
func (db *DB) GetDavRow(typ string, folderID int64, uid string) (*Row, error) {
	row := db.conn.QueryRow(baseSelect(typ, true)+` WHERE folder_id = ? AND uid = ?`,
		folderID, uid)
	return scanRow(row, true)
}

// DeleteRowByMsguid removes one row from a message-indexed table.
func (db *DB) DeleteRowByMsguid(typ string, folderID int64, msguid uint64) error {
	_, err := db.conn.Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE folder_id = ? AND msguid = ?`, CacheTable(typ, false)),
		folderID, msguid)
	if err != nil {
		return fmt.Errorf("failed to delete cache row: %w", err)
	}
	return nil
}

// DeleteDavRow removes one row from an etag-indexed table.
func (db *DB) DeleteDavRow(typ string, folderID int64, uid string) error {
	_, err := db.conn.Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE folder_id = ? AND uid = ?`, CacheTable(typ, true)),
		folderID, uid)
	if err != nil {
		return fmt.Errorf("failed to delete cache row: %w", err)
	}
	return nil
}

// MoveRow reassigns a cached row to another folder under a new message UID.
func (db *DB) MoveRow(typ string, folderID int64, msguid uint64, targetFolderID int64, targetMsguid uint64) error {
	result, err := db.conn.Exec(
		fmt.Sprintf(`UPDATE %s SET folder_id = ?, msguid = ? WHERE folder_id = ? AND msguid = ?`,
			CacheTable(typ, false)),
		targetFolderID, targetMsguid, folderID, msguid)
	if err != nil {
		return fmt.Errorf("failed to move cache row: %w", err)
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

// PurgeRows drops all cached rows of a folder from one cache table.
func (db *DB) PurgeRows(typ string, dav bool, folderID int64) error {
	_, err := db.conn.Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE folder_id = ?`, CacheTable(typ, dav)), folderID)
	if err != nil {
		return fmt.Errorf("failed to purge cache rows: %w", err)
	}
	return nil
}

// ListMsguids returns the message UIDs cached for a folder in ascending
// order.
func (db *DB) ListMsguids(typ string, folderID int64) ([]uint64, error) {
	rows, err := db.conn.Query(
		fmt.Sprintf(`SELECT msguid FROM %s WHERE folder_id = ? ORDER BY msguid`, CacheTable(typ, false)),
		folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list msguids: %w", err)
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan msguid: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IndexEntry is one row of a folder's local identifier index.
type IndexEntry struct {
	Msguid uint64
	UID    string
}

// MsguidIndex returns the (msguid, uid) pairs cached for a folder, highest
// msguid first, so the first entry per uid is the canonical one.
func (db *DB) MsguidIndex(typ string, folderID int64) ([]IndexEntry, error) {
	rows, err := db.conn.Query(
		fmt.Sprintf(`SELECT msguid, uid FROM %s WHERE folder_id = ? ORDER BY msguid DESC`, CacheTable(typ, false)),
		folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list index: %w", err)
	}
	defer rows.Close()

	var entries []IndexEntry
	for rows.Next() {
		var e IndexEntry
		if err := rows.Scan(&e.Msguid, &e.UID); err != nil {
			return nil, fmt.Errorf("failed to scan index entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteRowsByMsguids removes a batch of rows from a message-indexed table.
func (db *DB) DeleteRowsByMsguids(typ string, folderID int64, msguids []uint64) error {
	if len(msguids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(msguids)), ", ")
	args := make([]any, 0, len(msguids)+1)
	args = append(args, folderID)
	for _, id := range msguids {
		args = append(args, id)
	}
	_, err := db.conn.Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE folder_id = ? AND msguid IN (%s)`, CacheTable(typ, false), placeholders),
		args...)
	if err != nil {
		return fmt.Errorf("failed to delete cache rows: %w", err)
	}
	return nil
}

// ListDavIndex returns the uid to etag mapping cached for a folder.
func (db *DB) ListDavIndex(typ string, folderID int64) (map[string]string, error) {
	rows, err := db.conn.Query(
		fmt.Sprintf(`SELECT uid, etag FROM %s WHERE folder_id = ?`, CacheTable(typ, true)),
		folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dav index: %w", err)
	}
	defer rows.Close()

	index := make(map[string]string)
	for rows.Next() {
		var uid, etag string
		if err := rows.Scan(&uid, &etag); err != nil {
			return nil, fmt.Errorf("failed to scan dav index: %w", err)
		}
		index[uid] = etag
	}
	return index, rows.Err()
}

// UIDToMsguid resolves a logical object UID to the highest message UID
// carrying it.
func (db *DB) UIDToMsguid(typ string, folderID int64, uid string) (uint64, error) {
	var msguid sql.NullInt64
	err := db.conn.QueryRow(
		fmt.Sprintf(`SELECT MAX(msguid) FROM %s WHERE folder_id = ? AND uid = ?`, CacheTable(typ, false)),
		folderID, uid).Scan(&msguid)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve uid: %w", err)
	}
	if !msguid.Valid {
		return 0, ErrNotFound
	}
	return uint64(msguid.Int64), nil
}

// BatchInserter accumulates cache rows and writes them in multi-row
// statements, flushing whenever the buffered parameter payload exceeds the
// byte budget.
type BatchInserter struct {
	db       *DB
	typ      string
	dav      bool
	maxBytes int
	rows     []*Row
	buffered int
}

// NewBatchInserter creates a batched writer for one cache table.
func NewBatchInserter(db *DB, typ string, dav bool, maxBytes int) *BatchInserter {
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	return &BatchInserter{db: db, typ: typ, dav: dav, maxBytes: maxBytes}
}

// Add buffers one row, flushing first when the buffer is full.
func (b *BatchInserter) Add(r *Row) error {
	size := len(r.Data) + len(r.Tags) + len(r.Words) + len(r.UID) + 64
	if b.buffered > 0 && b.buffered+size > b.maxBytes {
		if err := b.Flush(); err != nil {
			return err
		}
	}
	b.rows = append(b.rows, r)
	b.buffered += size
	return nil
}

// Flush writes all buffered rows in a single statement.
func (b *BatchInserter) Flush() error {
	if len(b.rows) == 0 {
		return nil
	}
	cols := rowColumns(b.typ, b.dav)
	single := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	groups := make([]string, len(b.rows))
	args := make([]any, 0, len(b.rows)*len(cols))
	for i, r := range b.rows {
		groups[i] = single
		args = append(args, r.values(b.typ, b.dav)...)
	}
	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES %s`,
		CacheTable(b.typ, b.dav), strings.Join(cols, ", "), strings.Join(groups, ", "))
	if _, err := b.db.conn.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to flush cache rows: %w", err)
	}
	b.rows = b.rows[:0]
	b.buffered = 0
	return nil
}
