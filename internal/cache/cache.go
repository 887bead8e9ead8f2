package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kolabtools/kolabcache/internal/db"
	"github.com/kolabtools/kolabcache/internal/kolab"
	"github.com/kolabtools/kolabcache/internal/remote"
)

var (
	ErrCacheDisabled = errors.New("cache disabled")
	ErrUnsupported   = errors.New("operation not supported without cache")
)

const (
	// budgetFraction is the share of the configured sync time a pass may
	// actually consume. The remainder is headroom for the unlock and
	// metadata writes.
	budgetFraction = 0.7

	// budgetCheckInterval is how many fetched objects are processed
	// between time-budget checks.
	budgetCheckInterval = 50

	// lruCapacity bounds the recently-read object cache.
	lruCapacity = 16

	syncStatusOK         = "ok"
	syncStatusIncomplete = "incomplete"
	syncStatusError      = "error"
)

// Options configures a folder cache.
type Options struct {
	// Enabled toggles the cache. Disabled folders pass reads through to
	// the remote server.
	Enabled bool

	// MaxSyncTime bounds one synchronization pass.
	MaxSyncTime time.Duration

	// BatchMaxBytes is the flush threshold of the batched row writer.
	BatchMaxBytes int

	// LockMaxAge and LockPollInterval tune the folder sync lock.
	LockMaxAge       time.Duration
	LockPollInterval time.Duration
}

// Cache synchronizes one message-indexed remote folder into the backing
// store and serves reads from it.
type Cache struct {
	store    *db.DB
	folder   remote.Folder
	resource string
	typ      kolab.Type
	codec    Codec
	locks    *LockManager

	enabled   bool
	timeLimit time.Duration
	batchMax  int

	folderID int64
	meta     *db.Folder
	synced   bool

	syncStart time.Time
	now       func() time.Time

	recent *objectLRU

	orderBy string
	limit   int
	offset  int
}

// New binds a cache to a remote folder.
func New(store *db.DB, folder remote.Folder, resource string, typ kolab.Type, opts Options) (*Cache, error) {
	if !typ.IsValid() {
		return nil, fmt.Errorf("unknown folder type %q", typ)
	}
	codec, err := CodecFor(typ)
	if err != nil {
		return nil, err
	}

	maxSync := opts.MaxSyncTime
	if maxSync <= 0 {
		maxSync = 2 * time.Minute
	}

	return &Cache{
		store:     store,
		folder:    folder,
		resource:  resource,
		typ:       typ,
		codec:     codec,
		locks:     NewLockManager(store, opts.LockMaxAge, opts.LockPollInterval),
		enabled:   opts.Enabled,
		timeLimit: time.Duration(float64(maxSync) * budgetFraction),
		batchMax:  opts.BatchMaxBytes,
		now:       time.Now,
		recent:    newObjectLRU(lruCapacity),
	}, nil
}

// tableType returns the cache table key for the folder's object type.
func (c *Cache) tableType() string {
	return string(c.typ)
}

// ensureFolder loads (or lazily creates) the folder metadata row.
func (c *Cache) ensureFolder() error {
	if c.meta != nil {
		return nil
	}
	meta, err := c.store.GetOrCreateFolder(c.resource, c.tableType())
	if err != nil {
		return err
	}
	c.meta = meta
	c.folderID = meta.ID
	return nil
}

// Reset re-arms the cache so the next Synchronize runs a real pass again.
func (c *Cache) Reset() {
	c.synced = false
	c.meta = nil
	c.recent.Clear()
}

// Synchronize brings the cache up to date with the remote folder. It is a
// no-op when already run this cycle or when nothing changed remotely.
// Remote failures abort the pass and leave the stored metadata untouched;
// only lock and store failures are returned to the caller.
func (c *Cache) Synchronize(ctx context.Context) error {
	if c.synced {
		return nil
	}

	if !c.enabled {
		// Pass-through: let the server refresh its own folder view.
		if err := c.folder.Sync(ctx); err != nil {
			log.Printf("remote sync of %s failed: %v", c.resource, err)
		}
		c.synced = true
		return nil
	}

	if err := c.ensureFolder(); err != nil {
		return err
	}

	token, err := c.folder.ChangeToken(ctx)
	if err != nil {
		log.Printf("change token of %s unavailable, assuming changed: %v", c.resource, err)
		token = ""
	} else if _, _, ok := parseChangeToken(token); !ok {
		log.Printf("malformed change token %q for %s, assuming changed", token, c.resource)
	}

	if token != "" && c.meta.CTag == token {
		c.synced = true
		return nil
	}

	if err := c.locks.Lock(ctx, c.folderID); err != nil {
		return fmt.Errorf("failed to lock folder %s: %w", c.resource, err)
	}

	c.syncStart = c.now()

	// First sync (no prior token or completion timestamp) always walks the
	// full index; later passes try the incremental path.
	var result *syncResult
	var syncErr error
	if c.meta.CTag == "" || c.meta.Changed.IsZero() {
		result, syncErr = c.fullSync(ctx)
	} else {
		result, syncErr = c.incrementalSync(ctx)
	}

	status := syncStatusOK
	switch {
	case syncErr != nil:
		status = syncStatusError
	case !result.complete:
		status = syncStatusIncomplete
	}

	// The token is written only after a complete pass, in the same
	// statement that clears the lock. An aborted pass keeps the old token
	// so the next attempt retries. A token that was unavailable before the
	// pass stays empty: objects changed mid-pass are not covered by it, so
	// the next cycle must run a real compare.
	var unlockErr error
	if status == syncStatusOK {
		completed := c.now().UTC()
		unlockErr = c.locks.UnlockWithToken(c.folderID, token, c.meta.SyncToken, completed)
		if unlockErr == nil {
			c.meta.CTag = token
			c.meta.Changed = completed
		}
	} else {
		unlockErr = c.locks.Unlock(c.folderID)
	}

	c.writeSyncLog(status, result, syncErr)
	c.synced = true

	if syncErr != nil {
		log.Printf("sync of %s failed: %v", c.resource, syncErr)
	}
	if unlockErr != nil {
		return fmt.Errorf("failed to unlock folder %s: %w", c.resource, unlockErr)
	}
	return nil
}

func (c *Cache) writeSyncLog(status string, result *syncResult, syncErr error) {
	entry := &db.SyncLog{
		ID:         uuid.New().String(),
		FolderID:   c.folderID,
		Status:     status,
		DurationMS: c.now().Sub(c.syncStart).Milliseconds(),
	}
	if result != nil {
		entry.ObjectsAdded = result.added
		entry.ObjectsDeleted = result.deleted
	}
	if syncErr != nil {
		entry.Message = syncErr.Error()
	}
	if err := c.store.InsertSyncLog(entry); err != nil {
		log.Printf("failed to record sync pass for %s: %v", c.resource, err)
	}
}

// parseChangeToken splits a validity-highmark-next token. Only the first
// two components carry meaning for the incremental strategy.
func parseChangeToken(token string) (validity, highMark uint64, ok bool) {
	parts := strings.Split(token, "-")
	if len(parts) != 3 {
		return 0, 0, false
	}
	var err error
	if validity, err = strconv.ParseUint(parts[0], 10, 64); err != nil {
		return 0, 0, false
	}
	if highMark, err = strconv.ParseUint(parts[1], 10, 64); err != nil {
		return 0, 0, false
	}
	if _, err = strconv.ParseUint(parts[2], 10, 64); err != nil {
		return 0, 0, false
	}
	return validity, highMark, true
}

// SetOrderBy sets the ordering column of subsequent Select calls.
func (c *Cache) SetOrderBy(column string) {
	c.orderBy = column
}

// SetLimit sets pagination for subsequent Select calls.
func (c *Cache) SetLimit(limit, offset int) {
	c.limit = limit
	c.offset = offset
}

// Select returns the cached objects matching a query. Fast mode serves the
// indexed blob as stored; full mode re-derives each record from its raw
// payload, re-reading rows without one from the folder. With the cache
// disabled only uid-equality queries are answerable, served by a remote
// search.
func (c *Cache) Select(ctx context.Context, where db.Where, fast bool) ([]*kolab.Object, error) {
	if !c.enabled {
		return c.selectRemote(ctx, where)
	}
	if err := c.ensureFolder(); err != nil {
		return nil, err
	}

	rows, err := c.store.SelectRows(c.tableType(), false, c.folderID, where, c.orderBy, c.limit, c.offset)
	if err != nil {
		return nil, err
	}

	objects := make([]*kolab.Object, 0, len(rows))
	for _, row := range rows {
		obj, err := c.codec.Deserialize(row, fast)
		if errors.Is(err, errNoRawPayload) {
			obj, err = c.folder.Fetch(ctx, row.Msguid, c.typ)
		}
		if err != nil {
			return nil, err
		}
		if obj == nil {
			continue
		}
		objects = append(objects, obj)
	}

	// A single-row result is almost always a point lookup about to be
	// repeated; remember it.
	if len(rows) == 1 && len(objects) == 1 {
		c.recent.Put(lruKey(rows[0].Msguid), objects[0])
	}
	return objects, nil
}

// SelectIDs returns only the remote identifiers matching a query. It has
// no remote fallback: identifiers live in the cache.
func (c *Cache) SelectIDs(ctx context.Context, where db.Where) ([]uint64, error) {
	if !c.enabled {
		return nil, ErrCacheDisabled
	}
	if err := c.ensureFolder(); err != nil {
		return nil, err
	}
	rows, err := c.store.SelectRows(c.tableType(), false, c.folderID, where, c.orderBy, c.limit, c.offset)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.Msguid)
	}
	return ids, nil
}

// selectRemote answers a uid-equality query against the live server.
func (c *Cache) selectRemote(ctx context.Context, where db.Where) ([]*kolab.Object, error) {
	uid, ok := uidEqualityQuery(where)
	if !ok {
		return nil, fmt.Errorf("%w: only uid lookups", ErrUnsupported)
	}

	ids, err := c.folder.SearchUIDs(ctx, uid)
	if err != nil {
		return nil, err
	}

	var objects []*kolab.Object
	for _, id := range ids {
		obj, err := c.folder.Fetch(ctx, id, c.typ)
		if err != nil {
			return nil, err
		}
		if obj != nil {
			objects = append(objects, obj)
		}
	}
	return objects, nil
}

func uidEqualityQuery(where db.Where) (string, bool) {
	if len(where) != 1 || len(where[0]) != 1 {
		return "", false
	}
	f := where[0][0]
	if f.Field != "uid" || f.Op != "=" {
		return "", false
	}
	uid, ok := f.Value.(string)
	return uid, ok
}

// Count returns the number of cached objects matching a query.
func (c *Cache) Count(ctx context.Context, where db.Where) (int, error) {
	if !c.enabled {
		objs, err := c.selectRemote(ctx, where)
		if err != nil {
			return 0, err
		}
		return len(objs), nil
	}
	if err := c.ensureFolder(); err != nil {
		return 0, err
	}
	return c.store.CountRows(c.tableType(), false, c.folderID, where)
}

func lruKey(msguid uint64) string {
	return strconv.FormatUint(msguid, 10)
}

// Get returns one object by its remote identifier. A cache miss falls back
// to the live server and fills the cache.
func (c *Cache) Get(ctx context.Context, msguid uint64) (*kolab.Object, error) {
	if obj := c.recent.Get(lruKey(msguid)); obj != nil {
		return obj, nil
	}

	if !c.enabled {
		obj, err := c.folder.Fetch(ctx, msguid, c.typ)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			return nil, db.ErrNotFound
		}
		c.recent.Put(lruKey(msguid), obj)
		return obj, nil
	}

	if err := c.ensureFolder(); err != nil {
		return nil, err
	}

	row, err := c.store.GetRowByMsguid(c.tableType(), c.folderID, msguid)
	if err == nil {
		obj, err := c.codec.Deserialize(row, true)
		if err != nil {
			return nil, err
		}
		c.recent.Put(lruKey(msguid), obj)
		return obj, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	obj, err := c.folder.Fetch(ctx, msguid, c.typ)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, db.ErrNotFound
	}
	if c.enabled {
		if err := c.Set(msguid, obj); err != nil {
			return nil, err
		}
	}
	c.recent.Put(lruKey(msguid), obj)
	return obj, nil
}

// GetByUID returns the canonical object carrying a logical uid.
func (c *Cache) GetByUID(ctx context.Context, uid string) (*kolab.Object, error) {
	msguid, err := c.UIDToMsguid(ctx, uid)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, msguid)
}

// Set writes one object under a remote identifier. A nil object is the
// known-absent sentinel: the row is removed and reads stop falling back to
// the server for it.
func (c *Cache) Set(msguid uint64, obj *kolab.Object) error {
	if err := c.ensureFolder(); err != nil {
		return err
	}

	if obj == nil {
		c.recent.Remove(lruKey(msguid))
		return c.store.DeleteRowByMsguid(c.tableType(), c.folderID, msguid)
	}

	row, err := c.codec.Serialize(obj)
	if err != nil {
		return err
	}
	row.FolderID = c.folderID
	row.Msguid = msguid
	if err := c.store.InsertRow(c.tableType(), false, row); err != nil {
		return err
	}
	c.recent.Put(lruKey(msguid), obj)
	return nil
}

// Save persists an object whose remote identifier changed: the row keyed
// by the old identifier is replaced by one keyed by the new identifier.
func (c *Cache) Save(obj *kolab.Object, msguid, oldMsguid uint64) error {
	if err := c.ensureFolder(); err != nil {
		return err
	}
	if oldMsguid != 0 && oldMsguid != msguid {
		if err := c.store.DeleteRowByMsguid(c.tableType(), c.folderID, oldMsguid); err != nil {
			return err
		}
		c.recent.Remove(lruKey(oldMsguid))
	}
	return c.Set(msguid, obj)
}

// Move reassigns a cached object to another folder's cache without
// re-serializing it.
func (c *Cache) Move(msguid uint64, target *Cache, targetMsguid uint64) error {
	if err := c.ensureFolder(); err != nil {
		return err
	}
	if err := target.ensureFolder(); err != nil {
		return err
	}
	c.recent.Remove(lruKey(msguid))
	return c.store.MoveRow(c.tableType(), c.folderID, msguid, target.folderID, targetMsguid)
}

// Purge drops all cached rows and the stored change token, forcing the
// next Synchronize to run a full pass.
func (c *Cache) Purge() error {
	if err := c.ensureFolder(); err != nil {
		return err
	}
	if err := c.store.PurgeRows(c.tableType(), false, c.folderID); err != nil {
		return err
	}
	c.recent.Clear()
	c.meta.CTag = ""
	c.meta.SyncToken = ""
	c.meta.Changed = time.Time{}
	c.synced = false
	return c.store.ReleaseSyncLock(c.folderID, "", "", time.Time{})
}

// Rename points the cache at a renamed remote folder, keeping rows and
// metadata.
func (c *Cache) Rename(newResource string) error {
	if err := c.store.RenameFolder(c.resource, newResource); err != nil {
		return err
	}
	c.resource = newResource
	c.meta = nil
	return nil
}

// UIDToMsguid resolves a logical uid to its canonical remote identifier,
// falling back to a remote search when the cache has no row yet.
func (c *Cache) UIDToMsguid(ctx context.Context, uid string) (uint64, error) {
	if err := c.ensureFolder(); err != nil {
		return 0, err
	}

	msguid, err := c.store.UIDToMsguid(c.tableType(), c.folderID, uid)
	if err == nil {
		return msguid, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return 0, err
	}

	ids, err := c.folder.SearchUIDs(ctx, uid)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, db.ErrNotFound
	}
	// Highest identifier wins, matching the sync dedup rule.
	best := ids[0]
	for _, id := range ids[1:] {
		if id > best {
			best = id
		}
	}
	return best, nil
}

// SyncLogs returns the most recent recorded sync passes of this folder.
func (c *Cache) SyncLogs(limit int) ([]*db.SyncLog, error) {
	if err := c.ensureFolder(); err != nil {
		return nil, err
	}
	return c.store.ListSyncLogs(c.folderID, limit)
}

// overBudget reports whether the current pass has used up its time share.
func (c *Cache) overBudget() bool {
	return c.now().Sub(c.syncStart) > c.timeLimit
}
