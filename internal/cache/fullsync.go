package cache

import (
	"context"
	"log"

	"github.com/kolabtools/kolabcache/internal/db"
)

// syncResult summarizes one strategy pass.
type syncResult struct {
	complete bool
	added    int
	deleted  int
}

// fullSync reconciles the cache to exactly match the remote identifier
// index. An exhausted time budget stops the pass early with a consistent
// but stale cache; the next pass resumes from where this one left off.
func (c *Cache) fullSync(ctx context.Context) (*syncResult, error) {
	result := &syncResult{}

	// Never start a pass that cannot finish a meaningful unit of work.
	if c.overBudget() {
		return result, nil
	}

	if err := c.folder.Sync(ctx); err != nil {
		return result, err
	}
	remoteIDs, err := c.folder.ListIDs(ctx)
	if err != nil {
		return result, err
	}

	index, err := c.store.MsguidIndex(c.tableType(), c.folderID)
	if err != nil {
		return result, err
	}

	// The index comes highest-msguid-first, so the first entry per uid is
	// the canonical mapping and later ones are duplicates to reconcile.
	local := make(map[uint64]bool, len(index))
	uidIndex := make(map[string]uint64, len(index))
	var duplicates []uint64
	for _, e := range index {
		local[e.Msguid] = true
		if _, ok := uidIndex[e.UID]; ok {
			duplicates = append(duplicates, e.Msguid)
		} else {
			uidIndex[e.UID] = e.Msguid
		}
	}

	remoteSet := make(map[uint64]bool, len(remoteIDs))
	var additions []uint64
	for _, id := range remoteIDs {
		remoteSet[id] = true
		if !local[id] {
			additions = append(additions, id)
		}
	}

	losers, added, complete, err := c.fetchAndStore(ctx, additions, uidIndex)
	result.added = added
	result.complete = complete
	if err != nil {
		return result, err
	}

	// Removals: gone from the remote index, plus both kinds of duplicate
	// losers. Deletion is idempotent, so it runs even on an incomplete
	// pass.
	var removals []uint64
	for msguid := range local {
		if !remoteSet[msguid] {
			removals = append(removals, msguid)
		}
	}
	removals = append(removals, duplicates...)
	removals = append(removals, losers...)

	if len(removals) > 0 {
		if err := c.folder.Delete(ctx, removals); err != nil {
			return result, err
		}
		if err := c.store.DeleteRowsByMsguids(c.tableType(), c.folderID, removals); err != nil {
			return result, err
		}
		for _, msguid := range removals {
			c.recent.Remove(lruKey(msguid))
		}
		result.deleted = len(removals)
	}

	return result, nil
}

// fetchAndStore fetches the given remote identifiers and persists them
// through the batched writer. It applies the duplicate tie-break: when a
// fetched object's uid already maps to another identifier, the greater
// identifier wins and the loser is returned for deletion. The time budget
// is re-checked every budgetCheckInterval objects; an exhausted budget
// stops the loop with complete=false.
func (c *Cache) fetchAndStore(ctx context.Context, ids []uint64, uidIndex map[string]uint64) (losers []uint64, added int, complete bool, err error) {
	batch := db.NewBatchInserter(c.store, c.tableType(), false, c.batchMax)
	complete = true

	for i, id := range ids {
		if i > 0 && i%budgetCheckInterval == 0 && c.overBudget() {
			log.Printf("sync of %s over time budget after %d objects, resuming next pass", c.resource, i)
			complete = false
			break
		}

		obj, fetchErr := c.folder.Fetch(ctx, id, c.typ)
		if fetchErr != nil {
			// Keep what was fetched so far; the pass aborts without a
			// token and retries later.
			if flushErr := batch.Flush(); flushErr != nil {
				return losers, added, false, flushErr
			}
			return losers, added, false, fetchErr
		}
		if obj == nil {
			// Object of another type, expected in mixed folders.
			continue
		}

		if existing, ok := uidIndex[obj.UID]; ok && existing != id {
			if id > existing {
				losers = append(losers, existing)
				uidIndex[obj.UID] = id
			} else {
				losers = append(losers, id)
				continue
			}
		} else {
			uidIndex[obj.UID] = id
		}

		row, serErr := c.codec.Serialize(obj)
		if serErr != nil {
			return losers, added, false, serErr
		}
		row.FolderID = c.folderID
		row.Msguid = id
		if addErr := batch.Add(row); addErr != nil {
			return losers, added, false, addErr
		}
		added++
	}

	if flushErr := batch.Flush(); flushErr != nil {
		return losers, added, false, flushErr
	}
	return losers, added, complete, nil
}
