package cache

import (
	"context"
	"log"
)

// incrementalSync fetches only what changed since the stored token's
// high-water mark. Every precondition or protocol failure degrades to a
// full pass; incremental sync is an optimization, never a correctness
// requirement.
func (c *Cache) incrementalSync(ctx context.Context) (*syncResult, error) {
	validity, highMark, ok := parseChangeToken(c.meta.CTag)
	if !ok {
		log.Printf("stored token %q of %s unparsable, running full sync", c.meta.CTag, c.resource)
		return c.fullSync(ctx)
	}

	changes, err := c.folder.ChangedSince(ctx, highMark)
	if err != nil {
		log.Printf("changed-since on %s unavailable (%v), running full sync", c.resource, err)
		return c.fullSync(ctx)
	}
	if changes.Validity != validity {
		// The folder was recreated; stored identifiers are meaningless.
		log.Printf("validity of %s moved from %d to %d, running full sync", c.resource, validity, changes.Validity)
		return c.fullSync(ctx)
	}

	result := &syncResult{}

	removals := make(map[uint64]bool)
	var candidates []uint64
	for _, ch := range changes.Modified {
		if ch.Deleted {
			removals[ch.ID] = true
		} else {
			candidates = append(candidates, ch.ID)
		}
	}
	for _, id := range changes.Vanished {
		removals[id] = true
	}

	index, err := c.store.MsguidIndex(c.tableType(), c.folderID)
	if err != nil {
		return result, err
	}
	local := make(map[uint64]bool, len(index))
	uidIndex := make(map[string]uint64, len(index))
	for _, e := range index {
		local[e.Msguid] = true
		if _, ok := uidIndex[e.UID]; !ok {
			uidIndex[e.UID] = e.Msguid
		}
	}

	// Novel identifiers are exactly those a full pass would fetch, minus
	// the scan of the whole remote index.
	var novel []uint64
	for _, id := range candidates {
		if !local[id] && !removals[id] {
			novel = append(novel, id)
		}
	}

	losers, added, complete, err := c.fetchAndStore(ctx, novel, uidIndex)
	result.added = added
	result.complete = complete
	if err != nil {
		return result, err
	}

	// The vanished set may have grown while we were fetching; pick up the
	// stragglers before deleting. Best effort only.
	if late, err := c.folder.ChangedSince(ctx, highMark); err == nil && late.Validity == validity {
		for _, id := range late.Vanished {
			removals[id] = true
		}
		for _, ch := range late.Modified {
			if ch.Deleted {
				removals[ch.ID] = true
			}
		}
	}

	// Vanished objects are already gone remotely; only local rows go.
	// Duplicate losers still exist on the server and are deleted there
	// too.
	var toDelete []uint64
	for id := range removals {
		if local[id] {
			toDelete = append(toDelete, id)
		}
	}
	if len(losers) > 0 {
		if err := c.folder.Delete(ctx, losers); err != nil {
			return result, err
		}
		toDelete = append(toDelete, losers...)
	}

	if len(toDelete) > 0 {
		if err := c.store.DeleteRowsByMsguids(c.tableType(), c.folderID, toDelete); err != nil {
			return result, err
		}
		for _, msguid := range toDelete {
			c.recent.Remove(lruKey(msguid))
		}
		result.deleted = len(toDelete)
	}

	return result, nil
}
