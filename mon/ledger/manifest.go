package ledger

import (
	"github.com/google/btree"

	"github.com/seaweedfs/mapmon/mon/osdmap"
)

// PinnedManifest holds the epochs whose full maps survive pruning. Any
// epoch in range is rebuilt from the closest pinned epoch below it.
type PinnedManifest struct {
	pinned *btree.BTreeG[osdmap.Epoch]
}

func NewPinnedManifest() *PinnedManifest {
	return &PinnedManifest{
		pinned: btree.NewOrderedG[osdmap.Epoch](8),
	}
}

func (pm *PinnedManifest) Clone() *PinnedManifest {
	return &PinnedManifest{pinned: pm.pinned.Clone()}
}

func (pm *PinnedManifest) Empty() bool { return pm.pinned.Len() == 0 }

func (pm *PinnedManifest) Len() int { return pm.pinned.Len() }

func (pm *PinnedManifest) Pin(e osdmap.Epoch) { pm.pinned.ReplaceOrInsert(e) }

func (pm *PinnedManifest) IsPinned(e osdmap.Epoch) bool { return pm.pinned.Has(e) }

// FirstPinned and LastPinned return 0 on an empty manifest.
func (pm *PinnedManifest) FirstPinned() osdmap.Epoch {
	e, _ := pm.pinned.Min()
	return e
}

func (pm *PinnedManifest) LastPinned() osdmap.Epoch {
	e, _ := pm.pinned.Max()
	return e
}

// LowerClosest returns the greatest pinned epoch <= e.
func (pm *PinnedManifest) LowerClosest(e osdmap.Epoch) (found osdmap.Epoch, ok bool) {
	pm.pinned.DescendLessOrEqual(e, func(item osdmap.Epoch) bool {
		found, ok = item, true
		return false
	})
	return
}

// UnpinBelow drops every pinned epoch < e.
func (pm *PinnedManifest) UnpinBelow(e osdmap.Epoch) {
	var drop []osdmap.Epoch
	pm.pinned.AscendLessThan(e, func(item osdmap.Epoch) bool {
		drop = append(drop, item)
		return true
	})
	for _, d := range drop {
		pm.pinned.Delete(d)
	}
}

func (pm *PinnedManifest) Epochs() []osdmap.Epoch {
	out := make([]osdmap.Epoch, 0, pm.pinned.Len())
	pm.pinned.Ascend(func(item osdmap.Epoch) bool {
		out = append(out, item)
		return true
	})
	return out
}

type manifestRecord struct {
	Pinned []osdmap.Epoch `json:"pinned"`
}

func (pm *PinnedManifest) encode() ([]byte, error) {
	return json.Marshal(manifestRecord{Pinned: pm.Epochs()})
}

func decodeManifest(data []byte) (*PinnedManifest, error) {
	var rec manifestRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	pm := NewPinnedManifest()
	for _, e := range rec.Pinned {
		pm.Pin(e)
	}
	return pm, nil
}
