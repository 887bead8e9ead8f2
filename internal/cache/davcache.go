package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kolabtools/kolabcache/internal/db"
	"github.com/kolabtools/kolabcache/internal/kolab"
	"github.com/kolabtools/kolabcache/internal/remote"
)

// davBudgetCheckInterval is how many objects an etag-diff pass processes
// between time-budget checks. DAV fetches are chunked multigets, so the
// interval is shorter than the message-indexed one.
const davBudgetCheckInterval = 25

// DavCache synchronizes one uid/etag-indexed DAV collection into the
// backing store. It differs from Cache only in how rows are keyed and how
// changes are detected: a sync-token REPORT when the server supports it,
// an etag diff of the full index otherwise.
type DavCache struct {
	store    *db.DB
	folder   remote.DavFolder
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

// NewDav binds a cache to a DAV collection.
func NewDav(store *db.DB, folder remote.DavFolder, resource string, typ kolab.Type, opts Options) (*DavCache, error) {
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

	return &DavCache{
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

func (c *DavCache) tableType() string {
	return string(c.typ)
}

func (c *DavCache) ensureFolder() error {
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
func (c *DavCache) Reset() {
	c.synced = false
	c.meta = nil
	c.recent.Clear()
}

// Synchronize brings the cache up to date with the collection. With the
// cache disabled there is nothing to bring up to date; reads go to the
// server directly.
func (c *DavCache) Synchronize(ctx context.Context) error {
	if c.synced || !c.enabled {
		c.synced = true
		return nil
	}

	if err := c.ensureFolder(); err != nil {
		return err
	}

	ctag, err := c.folder.ChangeToken(ctx)
	if err != nil {
		log.Printf("ctag of %s unavailable, assuming changed: %v", c.resource, err)
		ctag = ""
	}

	if ctag != "" && c.meta.CTag == ctag {
		c.synced = true
		return nil
	}

	if err := c.locks.Lock(ctx, c.folderID); err != nil {
		return fmt.Errorf("failed to lock collection %s: %w", c.resource, err)
	}

	c.syncStart = c.now()

	result, syncToken, syncErr := c.syncViaToken(ctx)
	if errors.Is(syncErr, remote.ErrChangedSinceUnavailable) {
		result, syncErr = c.etagDiff(ctx)
		syncToken = ""
	}

	status := syncStatusOK
	switch {
	case syncErr != nil:
		status = syncStatusError
	case !result.complete:
		status = syncStatusIncomplete
	}

	// A ctag that was unavailable before the pass stays empty: changes
	// landing mid-pass are not covered by it, so the next cycle must run a
	// real compare.
	var unlockErr error
	if status == syncStatusOK {
		completed := c.now().UTC()
		unlockErr = c.locks.UnlockWithToken(c.folderID, ctag, syncToken, completed)
		if unlockErr == nil {
			c.meta.CTag = ctag
			c.meta.SyncToken = syncToken
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
		return fmt.Errorf("failed to unlock collection %s: %w", c.resource, unlockErr)
	}
	return nil
}

// syncViaToken applies a sync-collection change report. A server without
// collection sync, or one that rejected our token, surfaces as
// ErrChangedSinceUnavailable and the caller falls back to the etag diff.
func (c *DavCache) syncViaToken(ctx context.Context) (*syncResult, string, error) {
	result := &syncResult{}

	changes, err := c.folder.SyncCollection(ctx, c.meta.SyncToken)
	if err != nil {
		return result, "", err
	}

	var paths []string
	for _, item := range changes.Changed {
		paths = append(paths, item.Path)
	}

	added, complete, err := c.fetchAndStore(ctx, paths)
	result.added = added
	result.complete = complete
	if err != nil {
		return result, "", err
	}

	var removed []string
	for _, href := range changes.Deleted {
		removed = append(removed, davUID(href))
	}
	if err := c.deleteLocal(removed); err != nil {
		return result, "", err
	}
	result.deleted = len(removed)

	return result, changes.Token, nil
}

// etagDiff reconciles the cache against the full collection index.
func (c *DavCache) etagDiff(ctx context.Context) (*syncResult, error) {
	result := &syncResult{}

	if c.overBudget() {
		return result, nil
	}

	index, err := c.folder.Index(ctx)
	if err != nil {
		return result, err
	}
	local, err := c.store.ListDavIndex(c.tableType(), c.folderID)
	if err != nil {
		return result, err
	}

	remoteSet := make(map[string]bool, len(index))
	var paths []string
	for _, item := range index {
		remoteSet[item.UID] = true
		if etag, ok := local[item.UID]; !ok || etag != item.ETag {
			paths = append(paths, item.Path)
		}
	}

	added, complete, err := c.fetchAndStore(ctx, paths)
	result.added = added
	result.complete = complete
	if err != nil {
		return result, err
	}

	var removed []string
	for uid := range local {
		if !remoteSet[uid] {
			removed = append(removed, uid)
		}
	}
	if err := c.deleteLocal(removed); err != nil {
		return result, err
	}
	result.deleted = len(removed)

	return result, nil
}

// fetchAndStore multigets the objects at the given paths and upserts them,
// re-checking the time budget between chunks.
func (c *DavCache) fetchAndStore(ctx context.Context, paths []string) (added int, complete bool, err error) {
	batch := db.NewBatchInserter(c.store, c.tableType(), true, c.batchMax)
	complete = true

	for start := 0; start < len(paths); start += davBudgetCheckInterval {
		if start > 0 && c.overBudget() {
			log.Printf("sync of %s over time budget after %d objects, resuming next pass", c.resource, start)
			complete = false
			break
		}

		end := start + davBudgetCheckInterval
		if end > len(paths) {
			end = len(paths)
		}

		objects, fetchErr := c.folder.FetchAll(ctx, paths[start:end], c.typ)
		if fetchErr != nil {
			if flushErr := batch.Flush(); flushErr != nil {
				return added, false, flushErr
			}
			return added, false, fetchErr
		}

		for _, obj := range objects {
			row, serErr := c.codec.Serialize(obj)
			if serErr != nil {
				return added, false, serErr
			}
			row.FolderID = c.folderID
			if addErr := batch.Add(row); addErr != nil {
				return added, false, addErr
			}
			c.recent.Remove(obj.UID)
			added++
		}
	}

	if flushErr := batch.Flush(); flushErr != nil {
		return added, false, flushErr
	}
	return added, complete, nil
}

func (c *DavCache) deleteLocal(uids []string) error {
	for _, uid := range uids {
		if err := c.store.DeleteDavRow(c.tableType(), c.folderID, uid); err != nil {
			return err
		}
		c.recent.Remove(uid)
	}
	return nil
}

func (c *DavCache) writeSyncLog(status string, result *syncResult, syncErr error) {
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

// davUID derives the object uid from a resource href.
func davUID(href string) string {
	base := path.Base(href)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}

// SetOrderBy sets the ordering column of subsequent Select calls.
func (c *DavCache) SetOrderBy(column string) {
	c.orderBy = column
}

// SetLimit sets pagination for subsequent Select calls.
func (c *DavCache) SetLimit(limit, offset int) {
	c.limit = limit
	c.offset = offset
}

// Select returns the cached objects matching a query. Fast mode serves the
// indexed blob as stored; full mode re-derives each record from its raw
// payload, re-reading rows without one from the collection. With the cache
// disabled only uid-equality queries are answerable, served by a live
// read.
func (c *DavCache) Select(ctx context.Context, where db.Where, fast bool) ([]*kolab.Object, error) {
	if !c.enabled {
		return c.selectRemote(ctx, where)
	}
	if err := c.ensureFolder(); err != nil {
		return nil, err
	}

	rows, err := c.store.SelectRows(c.tableType(), true, c.folderID, where, c.orderBy, c.limit, c.offset)
	if err != nil {
		return nil, err
	}

	objects := make([]*kolab.Object, 0, len(rows))
	for _, row := range rows {
		obj, err := c.codec.Deserialize(row, fast)
		if errors.Is(err, errNoRawPayload) {
			obj, err = c.folder.Fetch(ctx, c.objectPath(row.UID), c.typ)
		}
		if err != nil {
			return nil, err
		}
		if obj == nil {
			continue
		}
		objects = append(objects, obj)
	}
	if len(rows) == 1 && len(objects) == 1 {
		c.recent.Put(rows[0].UID, objects[0])
	}
	return objects, nil
}

// selectRemote answers a uid-equality query against the live collection.
func (c *DavCache) selectRemote(ctx context.Context, where db.Where) ([]*kolab.Object, error) {
	uid, ok := uidEqualityQuery(where)
	if !ok {
		return nil, fmt.Errorf("%w: only uid lookups", ErrUnsupported)
	}
	obj, err := c.folder.Fetch(ctx, c.objectPath(uid), c.typ)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}
	return []*kolab.Object{obj}, nil
}

// Count returns the number of cached objects matching a query.
func (c *DavCache) Count(ctx context.Context, where db.Where) (int, error) {
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
	return c.store.CountRows(c.tableType(), true, c.folderID, where)
}

// Get returns one object by uid. A cache miss falls back to the live
// collection and fills the cache.
func (c *DavCache) Get(ctx context.Context, uid string) (*kolab.Object, error) {
	if obj := c.recent.Get(uid); obj != nil {
		return obj, nil
	}

	if !c.enabled {
		obj, err := c.folder.Fetch(ctx, c.objectPath(uid), c.typ)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			return nil, db.ErrNotFound
		}
		c.recent.Put(uid, obj)
		return obj, nil
	}

	if err := c.ensureFolder(); err != nil {
		return nil, err
	}

	row, err := c.store.GetDavRow(c.tableType(), c.folderID, uid)
	if err == nil {
		obj, err := c.codec.Deserialize(row, true)
		if err != nil {
			return nil, err
		}
		c.recent.Put(uid, obj)
		return obj, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	obj, err := c.folder.Fetch(ctx, c.objectPath(uid), c.typ)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, db.ErrNotFound
	}
	if err := c.Set(uid, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// objectPath builds the conventional resource path of an object uid.
func (c *DavCache) objectPath(uid string) string {
	ext := ".ics"
	if c.typ == kolab.TypeContact || c.typ == kolab.TypeGroup {
		ext = ".vcf"
	}
	return strings.TrimSuffix(c.resource, "/") + "/" + uid + ext
}

// Set writes one object under a uid. A nil object removes the row.
func (c *DavCache) Set(uid string, obj *kolab.Object) error {
	if err := c.ensureFolder(); err != nil {
		return err
	}

	if obj == nil {
		c.recent.Remove(uid)
		return c.store.DeleteDavRow(c.tableType(), c.folderID, uid)
	}

	row, err := c.codec.Serialize(obj)
	if err != nil {
		return err
	}
	row.FolderID = c.folderID
	row.UID = uid
	if err := c.store.InsertRow(c.tableType(), true, row); err != nil {
		return err
	}
	c.recent.Put(uid, obj)
	return nil
}

// Purge drops all cached rows and the stored tokens, forcing the next
// Synchronize to reseed the collection.
func (c *DavCache) Purge() error {
	if err := c.ensureFolder(); err != nil {
		return err
	}
	if err := c.store.PurgeRows(c.tableType(), true, c.folderID); err != nil {
		return err
	}
	c.recent.Clear()
	c.meta.CTag = ""
	c.meta.SyncToken = ""
	c.meta.Changed = time.Time{}
	c.synced = false
	return c.store.ReleaseSyncLock(c.folderID, "", "", time.Time{})
}

// Rename points the cache at a moved collection, keeping rows and
// metadata.
func (c *DavCache) Rename(newResource string) error {
	if err := c.store.RenameFolder(c.resource, newResource); err != nil {
		return err
	}
	c.resource = newResource
	c.meta = nil
	return nil
}

// SyncLogs returns the most recent recorded sync passes of this
// collection.
func (c *DavCache) SyncLogs(limit int) ([]*db.SyncLog, error) {
	if err := c.ensureFolder(); err != nil {
		return nil, err
	}
	return c.store.ListSyncLogs(c.folderID, limit)
}

func (c *DavCache) overBudget() bool {
	return c.now().Sub(c.syncStart) > c.timeLimit
}
