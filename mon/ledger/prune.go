package ledger

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/stats"
	"github.com/seaweedfs/mapmon/mon/store"
)

type PruneOptions struct {
	Enabled bool
	// full maps of the newest MinRetained epochs are never pruned
	MinRetained uint64
	// prunable span needed before pruning starts
	Min uint64
	// distance between pinned epochs
	Interval uint64
	// max full maps erased per round
	TxSize uint64
}

func (o PruneOptions) Sanitize() error {
	switch {
	case o.Interval == 0:
		return fmt.Errorf("prune interval is zero")
	case o.Interval == 1:
		return fmt.Errorf("prune interval of one prunes nothing")
	case o.Min == 0:
		return fmt.Errorf("prune min is zero")
	case o.Interval > o.Min:
		return fmt.Errorf("prune interval %d is greater than prune min %d", o.Interval, o.Min)
	case o.TxSize < o.Interval-1:
		return fmt.Errorf("prune txsize %d < prune interval-1 (%d)", o.TxSize, o.Interval-1)
	}
	return nil
}

// ShouldPrune decides whether the span first..last holds enough full maps
// beyond the retained tail to pin another interval.
func (l *Ledger) ShouldPrune(first, last osdmap.Epoch) bool {
	o := l.opts.Prune
	if !o.Enabled {
		return false
	}
	if uint64(last-first) <= o.MinRetained {
		return false
	}
	lastToPin := last - osdmap.Epoch(o.MinRetained)
	if uint64(lastToPin-first) < o.Min {
		return false
	}
	l.mu.RLock()
	hasManifest := !l.manifest.Empty()
	lastPinned := l.manifest.LastPinned()
	l.mu.RUnlock()
	if hasManifest && lastPinned >= lastToPin {
		return false
	}
	return lastPinned+osdmap.Epoch(o.Interval) <= lastToPin
}

// prune pins epochs interval apart starting at the last pinned epoch and
// erases the full maps strictly between adjacent pins. last is the epoch
// being committed in tx.
func (l *Ledger) prune(tx *store.Transaction, first, last osdmap.Epoch) (int, error) {
	if !l.ShouldPrune(first, last) {
		return 0, nil
	}
	o := l.opts.Prune
	manifest := l.Manifest()
	if manifest.Empty() {
		manifest.Pin(first)
	} else if manifest.FirstPinned() != first {
		return 0, fmt.Errorf("%w: first pinned %d but first committed %d", ErrCorrupt, manifest.FirstPinned(), first)
	}
	lastToPin := last - osdmap.Epoch(o.MinRetained)
	removalInterval := o.Interval - 1
	txsize := o.TxSize
	if txsize < removalInterval {
		txsize = removalInterval
	}

	exists := func(e osdmap.Epoch) bool {
		_, err := store.Get(l.store, tx, NamespaceMap, fullKey(e))
		return err == nil
	}

	var pruned uint64
	for pruned+removalInterval <= txsize {
		lastPinned := manifest.LastPinned()
		next := lastPinned + osdmap.Epoch(o.Interval)
		if next > lastToPin {
			break
		}
		if !exists(lastPinned) || !exists(next) {
			return 0, fmt.Errorf("%w: pruning %d..%d without both full maps", ErrCorrupt, lastPinned, next)
		}
		for e := lastPinned + 1; e < next; e++ {
			tx.Erase(NamespaceMap, fullKey(e))
			pruned++
		}
		manifest.Pin(next)
	}
	data, err := manifest.encode()
	if err != nil {
		return 0, err
	}
	tx.Put(NamespaceMap, keyManifest, data)
	glog.V(1).Infof("pruned %d full maps, pinned up to %d (last to pin %d)", pruned, manifest.LastPinned(), lastToPin)
	stats.MonitorPrunedFullMapsCounter.Add(float64(pruned))
	return int(pruned), nil
}
