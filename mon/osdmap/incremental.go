package osdmap

import (
	"fmt"
	"time"
)

// Incremental advances a Map from Epoch-1 to Epoch. Every field is sparse:
// only devices, pools and entries that change are present.
type Incremental struct {
	Epoch    Epoch     `json:"epoch"`
	FSID     string    `json:"fsid"`
	Modified time.Time `json:"modified"`
	FullCRC  uint32    `json:"full_crc"`

	NewFlags          *uint32   `json:"new_flags,omitempty"`
	NewMaxDevice      *DeviceID `json:"new_max_device,omitempty"`
	NewPoolMax        *PoolID   `json:"new_pool_max,omitempty"`
	NewRequireRelease *Release  `json:"new_require_release,omitempty"`
	Crush             *CrushMap `json:"crush,omitempty"`

	// XOR masks over the device state bits
	NewState           map[DeviceID]uint32            `json:"new_state,omitempty"`
	NewWeight          map[DeviceID]uint32            `json:"new_weight,omitempty"`
	NewPrimaryAffinity map[DeviceID]uint32            `json:"new_primary_affinity,omitempty"`
	NewUp              map[DeviceID]string            `json:"new_up,omitempty"`
	NewUUID            map[DeviceID]string            `json:"new_uuid,omitempty"`
	NewXInfo           map[DeviceID]XInfo             `json:"new_xinfo,omitempty"`
	NewLocation        map[DeviceID]map[string]string `json:"new_location,omitempty"`

	NewPools map[PoolID]Pool `json:"new_pools,omitempty"`
	OldPools []PoolID        `json:"old_pools,omitempty"`

	NewBlacklist map[string]time.Time `json:"new_blacklist,omitempty"`
	OldBlacklist []string             `json:"old_blacklist,omitempty"`

	// an empty list removes the mapping
	NewPGTemp map[PGID][]DeviceID `json:"new_pg_temp,omitempty"`

	NewRemovedSnaps map[PoolID]SnapIntervalSet `json:"new_removed_snaps,omitempty"`
	NewPurgedSnaps  map[PoolID]SnapIntervalSet `json:"new_purged_snaps,omitempty"`

	NewLastUpChange time.Time `json:"new_last_up_change"`
	NewLastInChange time.Time `json:"new_last_in_change"`
}

func NewIncremental(epoch Epoch, fsid string) *Incremental {
	return &Incremental{Epoch: epoch, FSID: fsid}
}

func DecodeIncremental(data []byte) (*Incremental, error) {
	inc := &Incremental{}
	if err := json.Unmarshal(data, inc); err != nil {
		return nil, fmt.Errorf("decode incremental: %v", err)
	}
	return inc, nil
}

func (inc *Incremental) Encode() ([]byte, error) {
	return json.Marshal(inc)
}

// IsEmpty reports whether the delta changes nothing besides the epoch.
func (inc *Incremental) IsEmpty() bool {
	return inc.NewFlags == nil && inc.NewMaxDevice == nil && inc.NewPoolMax == nil &&
		inc.NewRequireRelease == nil && inc.Crush == nil &&
		len(inc.NewState) == 0 && len(inc.NewWeight) == 0 && len(inc.NewPrimaryAffinity) == 0 &&
		len(inc.NewUp) == 0 && len(inc.NewUUID) == 0 && len(inc.NewXInfo) == 0 &&
		len(inc.NewLocation) == 0 && len(inc.NewPools) == 0 && len(inc.OldPools) == 0 &&
		len(inc.NewBlacklist) == 0 && len(inc.OldBlacklist) == 0 && len(inc.NewPGTemp) == 0 &&
		len(inc.NewRemovedSnaps) == 0 && len(inc.NewPurgedSnaps) == 0
}

// Normalize drops entries that would not change anything.
func (inc *Incremental) Normalize() {
	for id, mask := range inc.NewState {
		if mask == 0 {
			delete(inc.NewState, id)
		}
	}
	for id, s := range inc.NewRemovedSnaps {
		if s.Empty() {
			delete(inc.NewRemovedSnaps, id)
		}
	}
	for id, s := range inc.NewPurgedSnaps {
		if s.Empty() {
			delete(inc.NewPurgedSnaps, id)
		}
	}
}

func (inc *Incremental) PoolRemoved(id PoolID) bool {
	for _, p := range inc.OldPools {
		if p == id {
			return true
		}
	}
	return false
}

// Apply produces the next epoch. The receiver is left untouched.
func (m *Map) Apply(inc *Incremental) (*Map, error) {
	if inc.Epoch != m.Epoch+1 {
		return nil, fmt.Errorf("%w: map %d, incremental %d", ErrEpochMismatch, m.Epoch, inc.Epoch)
	}
	if inc.FSID != "" && inc.FSID != m.FSID {
		return nil, fmt.Errorf("incremental fsid %s does not match map %s", inc.FSID, m.FSID)
	}
	n := m.Clone()
	n.Epoch = inc.Epoch
	if !inc.Modified.IsZero() {
		n.Modified = inc.Modified
	}
	if inc.NewFlags != nil {
		n.Flags = *inc.NewFlags
	}
	if inc.NewMaxDevice != nil {
		n.MaxDevice = *inc.NewMaxDevice
	}
	if inc.NewPoolMax != nil {
		n.PoolMax = *inc.NewPoolMax
	}
	if inc.NewRequireRelease != nil {
		n.RequireRelease = *inc.NewRequireRelease
	}
	if inc.Crush != nil {
		n.Crush = CrushMap{Version: inc.Crush.Version, Blob: append([]byte(nil), inc.Crush.Blob...)}
	}

	for id, p := range inc.NewPools {
		n.Pools[id] = p.Clone()
	}
	for _, id := range inc.OldPools {
		delete(n.Pools, id)
		delete(n.RemovedSnapsQueue, id)
		for pg := range n.PGTemp {
			if pg.Pool == id {
				delete(n.PGTemp, pg)
			}
		}
	}

	for id, mask := range inc.NewState {
		d := n.Devices[id]
		d.ID = id
		was := d.State
		s := was ^ mask
		if s&StateExists == 0 {
			delete(n.Devices, id)
			continue
		}
		if was&StateExists == 0 {
			d = Device{ID: id, Weight: WeightOut, PrimaryAffinity: MaxPrimaryAffinity}
		}
		if was&StateUp != 0 && s&StateUp == 0 {
			d.DownAt = inc.Epoch
			d.XInfo.DownStamp = inc.Modified
		}
		d.State = s
		n.Devices[id] = d
	}
	// after creation so a device born in this delta keeps its xinfo
	for id, x := range inc.NewXInfo {
		d, ok := n.Devices[id]
		if !ok {
			continue
		}
		if x.DownStamp.IsZero() && d.DownAt == inc.Epoch && d.State&StateUp == 0 {
			x.DownStamp = inc.Modified
		}
		d.XInfo = x
		n.Devices[id] = d
	}
	for id, w := range inc.NewWeight {
		d, ok := n.Devices[id]
		if !ok {
			continue
		}
		d.Weight = w
		if w != WeightOut {
			d.State &^= StateAutoOut | StateNew
			d.XInfo.OldWeight = 0
		}
		n.Devices[id] = d
	}
	for id, a := range inc.NewPrimaryAffinity {
		if d, ok := n.Devices[id]; ok {
			d.PrimaryAffinity = a
			n.Devices[id] = d
		}
	}
	for id, addr := range inc.NewUp {
		d, ok := n.Devices[id]
		if !ok {
			continue
		}
		d.State |= StateExists | StateUp
		d.State &^= StateNew
		d.Addr = addr
		d.UpFrom = inc.Epoch
		n.Devices[id] = d
	}
	for id, u := range inc.NewUUID {
		if d, ok := n.Devices[id]; ok {
			d.UUID = u
			n.Devices[id] = d
		}
	}
	for id, loc := range inc.NewLocation {
		if d, ok := n.Devices[id]; ok {
			d.Location = make(map[string]string, len(loc))
			for k, v := range loc {
				d.Location[k] = v
			}
			n.Devices[id] = d
		}
	}

	for pg, devs := range inc.NewPGTemp {
		if len(devs) == 0 {
			delete(n.PGTemp, pg)
		} else {
			n.PGTemp[pg] = append([]DeviceID(nil), devs...)
		}
	}

	for addr, until := range inc.NewBlacklist {
		n.Blacklist[addr] = until
	}
	for _, addr := range inc.OldBlacklist {
		delete(n.Blacklist, addr)
	}

	for id, s := range inc.NewRemovedSnaps {
		n.RemovedSnapsQueue[id] = n.RemovedSnapsQueue[id].Union(s)
	}
	for id, s := range inc.NewPurgedSnaps {
		left := n.RemovedSnapsQueue[id].Subtract(s)
		if left.Empty() {
			delete(n.RemovedSnapsQueue, id)
		} else {
			n.RemovedSnapsQueue[id] = left
		}
	}

	if !inc.NewLastUpChange.IsZero() {
		n.LastUpChange = inc.NewLastUpChange
	}
	if !inc.NewLastInChange.IsZero() {
		n.LastInChange = inc.NewLastInChange
	}
	return n, nil
}
