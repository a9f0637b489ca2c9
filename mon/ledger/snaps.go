package ledger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/store"
)

type SnapKind string

const (
	SnapRemoved SnapKind = "removed"
	SnapPurged  SnapKind = "purged"
)

// SnapRecord is a merged interval of removed or purged snapshots of a pool,
// stored under the last snapshot id it covers so that a forward scan from
// any id lands on the interval holding it.
type SnapRecord struct {
	Begin osdmap.SnapID `json:"begin"`
	End   osdmap.SnapID `json:"end"`
	Epoch osdmap.Epoch  `json:"epoch"`
}

func snapPrefix(kind SnapKind, pool osdmap.PoolID) string {
	return fmt.Sprintf("%s_snap_%d_", kind, pool)
}

func snapKey(kind SnapKind, pool osdmap.PoolID, last osdmap.SnapID) string {
	return fmt.Sprintf("%s%016x", snapPrefix(kind, pool), uint64(last))
}

func removedEpochKey(pool osdmap.PoolID, e osdmap.Epoch) string {
	return fmt.Sprintf("removed_epoch_%d_%08x", pool, uint64(e))
}

func purgedEpochKey(e osdmap.Epoch) string {
	return fmt.Sprintf("purged_epoch_%08x", uint64(e))
}

func (l *Ledger) snapRecords(kind SnapKind, pool osdmap.PoolID) ([]SnapRecord, error) {
	prefix := snapPrefix(kind, pool)
	it := l.store.NewIterator(NamespaceSnap)
	defer it.Release()
	var out []SnapRecord
	for it.LowerBound(prefix); it.Valid() && strings.HasPrefix(it.Key(), prefix); it.Next() {
		var r SnapRecord
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, fmt.Errorf("%w: snap record %s: %v", ErrCorrupt, it.Key(), err)
		}
		out = append(out, r)
	}
	return out, nil
}

// mergeSnapRecords folds set into the stored records of a pool. Records
// touching a new interval are replaced by one record stamped with epoch.
func (l *Ledger) mergeSnapRecords(tx *store.Transaction, kind SnapKind, pool osdmap.PoolID, set osdmap.SnapIntervalSet, epoch osdmap.Epoch) error {
	if set.Empty() {
		return nil
	}
	existing, err := l.snapRecords(kind, pool)
	if err != nil {
		return err
	}
	type working struct {
		SnapRecord
		stored bool
	}
	var records []working
	for _, r := range existing {
		records = append(records, working{SnapRecord: r, stored: true})
	}
	var erased []SnapRecord
	for _, iv := range set {
		merged := SnapRecord{Begin: iv.Start, End: iv.End, Epoch: epoch}
		kept := records[:0:0]
		for _, r := range records {
			if r.End >= merged.Begin && r.Begin <= merged.End {
				if r.Begin < merged.Begin {
					merged.Begin = r.Begin
				}
				if r.End > merged.End {
					merged.End = r.End
				}
				if r.stored {
					erased = append(erased, r.SnapRecord)
				}
				continue
			}
			kept = append(kept, r)
		}
		records = append(kept, working{SnapRecord: merged})
	}
	for _, r := range erased {
		tx.Erase(NamespaceSnap, snapKey(kind, pool, r.End-1))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Begin < records[j].Begin })
	for _, r := range records {
		if r.stored {
			continue
		}
		data, err := json.Marshal(r.SnapRecord)
		if err != nil {
			return err
		}
		tx.Put(NamespaceSnap, snapKey(kind, pool, r.End-1), data)
	}
	return nil
}

// EncodeRemovedSnaps records snapshots removed from pool at epoch.
func (l *Ledger) EncodeRemovedSnaps(tx *store.Transaction, pool osdmap.PoolID, set osdmap.SnapIntervalSet, epoch osdmap.Epoch) error {
	data, err := json.Marshal(set)
	if err != nil {
		return err
	}
	tx.Put(NamespaceSnap, removedEpochKey(pool, epoch), data)
	return l.mergeSnapRecords(tx, SnapRemoved, pool, set, epoch)
}

// EncodePurgedSnaps records the snapshots every pool finished purging at
// epoch as one epoch keyed record and merges them per pool.
func (l *Ledger) EncodePurgedSnaps(tx *store.Transaction, purged map[osdmap.PoolID]osdmap.SnapIntervalSet, epoch osdmap.Epoch) error {
	if len(purged) == 0 {
		return nil
	}
	data, err := json.Marshal(purged)
	if err != nil {
		return err
	}
	tx.Put(NamespaceSnap, purgedEpochKey(epoch), data)
	pools := make([]osdmap.PoolID, 0, len(purged))
	for pool := range purged {
		pools = append(pools, pool)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i] < pools[j] })
	for _, pool := range pools {
		if err := l.mergeSnapRecords(tx, SnapPurged, pool, purged[pool], epoch); err != nil {
			return err
		}
	}
	return nil
}

// LookupSnap finds the record holding snap.
func (l *Ledger) LookupSnap(kind SnapKind, pool osdmap.PoolID, snap osdmap.SnapID) (SnapRecord, bool, error) {
	prefix := snapPrefix(kind, pool)
	it := l.store.NewIterator(NamespaceSnap)
	defer it.Release()
	it.LowerBound(snapKey(kind, pool, snap))
	if !it.Valid() || !strings.HasPrefix(it.Key(), prefix) {
		return SnapRecord{}, false, nil
	}
	var r SnapRecord
	if err := json.Unmarshal(it.Value(), &r); err != nil {
		return SnapRecord{}, false, fmt.Errorf("%w: snap record %s: %v", ErrCorrupt, it.Key(), err)
	}
	if r.Begin <= snap && snap < r.End {
		return r, true, nil
	}
	return SnapRecord{}, false, nil
}

// PurgedAt returns the snapshots purged at epoch, by pool.
func (l *Ledger) PurgedAt(epoch osdmap.Epoch) (map[osdmap.PoolID]osdmap.SnapIntervalSet, error) {
	data, err := l.store.Get(NamespaceSnap, purgedEpochKey(epoch))
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[osdmap.PoolID]osdmap.SnapIntervalSet{}
	return out, json.Unmarshal(data, &out)
}
