package downloader

import (
	"context"
	"fmt"
	"strconv"

	"attachdl/internal/attachment"
	"attachdl/internal/store"
)

// The deferred-startup ledger records new messages and stories whose downloads
// were requested by a process that may not download them itself. The main app
// replays it on start and whenever it becomes active.

type pendingEntry struct {
	ownerID string
	policy  attachment.BypassPolicy
}

func recordPending(tx store.Tx, collection, ownerID string, policy attachment.BypassPolicy) error {
	return tx.KVSet(collection, ownerID, []byte(strconv.FormatUint(uint64(policy), 10)))
}

func clearPending(tx store.Tx, collection, ownerID string) error {
	return tx.KVDelete(collection, ownerID)
}

// pendingEntries lists the ledger. Keys whose value is not a known policy are
// returned in invalid.
func pendingEntries(tx store.Tx, collection string) (entries []pendingEntry, invalid []string, err error) {
	err = tx.KVForEach(collection, func(key string, value []byte) error {
		raw, err := strconv.ParseUint(string(value), 10, 64)
		if err != nil {
			invalid = append(invalid, key)
			return nil
		}
		policy, err := attachment.ParseBypassPolicy(raw)
		if err != nil {
			invalid = append(invalid, key)
			return nil
		}
		entries = append(entries, pendingEntry{ownerID: key, policy: policy})
		return nil
	})
	return entries, invalid, err
}

// replay drains both ledger collections in one write transaction. Each entry is
// scheduled for download once the transaction commits.
func (d *downloads) replay(ctx context.Context) error {
	namespaces := []struct {
		collection string
		enqueue    func(tx store.Tx, ownerID string, policy attachment.BypassPolicy) error
	}{
		{PendingMessageCollection, func(tx store.Tx, id string, p attachment.BypassPolicy) error {
			return d.enqueueForNewMessageID(tx, id, p, true)
		}},
		{PendingStoryCollection, func(tx store.Tx, id string, p attachment.BypassPolicy) error {
			return d.enqueueForNewStoryID(tx, id, p, true)
		}},
	}

	replayed := 0
	err := d.store.Update(ctx, func(tx store.Tx) error {
		for _, ns := range namespaces {
			entries, invalid, err := pendingEntries(tx, ns.collection)
			if err != nil {
				return fmt.Errorf("read %s: %w", ns.collection, err)
			}
			for _, key := range invalid {
				d.logger.Warn("Dropping ledger entry with unknown policy.", "collection", ns.collection, "owner_id", key)
				if err := clearPending(tx, ns.collection, key); err != nil {
					return err
				}
			}
			for _, e := range entries {
				if err := ns.enqueue(tx, e.ownerID, e.policy); err != nil {
					return fmt.Errorf("replay %s %s: %w", ns.collection, e.ownerID, err)
				}
			}
			replayed += len(entries)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if replayed > 0 {
		d.logger.Info("Replayed deferred downloads.", "count", replayed)
	}
	return nil
}
