package membership

import (
	"fmt"
	"time"

	"github.com/seaweedfs/mapmon/mon/osdmap"
)

// Pending is the state of one proposal round: the committed map, the delta
// staged on top of it and the records persisted next to the map. Handlers
// read through Next to see changes staged earlier in the same round.
type Pending struct {
	Base     *osdmap.Map
	Inc      *osdmap.Incremental
	Now      time.Time
	Creating *CreatingPGs

	Metadata        map[osdmap.DeviceID]map[string]string
	MetadataRemoved map[osdmap.DeviceID]bool
	// legacy removed snaps folded into the purged record by a release bump
	LegacyPurged map[osdmap.PoolID]osdmap.SnapIntervalSet

	creatingChanged bool
	next            *osdmap.Map
}

func NewPending(base *osdmap.Map, creating *CreatingPGs, now time.Time) *Pending {
	if creating == nil {
		creating = NewCreatingPGs()
	}
	inc := osdmap.NewIncremental(base.Epoch+1, base.FSID)
	inc.Modified = now
	return &Pending{
		Base:            base,
		Inc:             inc,
		Now:             now,
		Creating:        creating.Clone(),
		Metadata:        make(map[osdmap.DeviceID]map[string]string),
		MetadataRemoved: make(map[osdmap.DeviceID]bool),
	}
}

func (p *Pending) Epoch() osdmap.Epoch { return p.Inc.Epoch }

// Next is the map as it would be if the round committed now.
func (p *Pending) Next() *osdmap.Map {
	if p.next == nil {
		next, err := p.Base.Apply(p.Inc)
		if err != nil {
			panic(fmt.Sprintf("pending delta does not apply to its own base: %v", err))
		}
		p.next = next
	}
	return p.next
}

func (p *Pending) touch() { p.next = nil }

// Empty reports whether the round has nothing to commit.
func (p *Pending) Empty() bool {
	return p.Inc.IsEmpty() && !p.creatingChanged && len(p.Metadata) == 0 && len(p.MetadataRemoved) == 0
}

func (p *Pending) SetState(id osdmap.DeviceID, desired uint32) {
	mask := p.Base.Devices[id].State ^ desired
	if p.Inc.NewState == nil {
		p.Inc.NewState = make(map[osdmap.DeviceID]uint32)
	}
	if mask == 0 {
		delete(p.Inc.NewState, id)
	} else {
		p.Inc.NewState[id] = mask
	}
	p.touch()
}

func (p *Pending) SetWeight(id osdmap.DeviceID, w uint32) {
	if p.Inc.NewWeight == nil {
		p.Inc.NewWeight = make(map[osdmap.DeviceID]uint32)
	}
	if d, ok := p.Base.Devices[id]; ok && d.Weight == w && p.Inc.NewState[id]&osdmap.StateExists == 0 {
		delete(p.Inc.NewWeight, id)
	} else {
		p.Inc.NewWeight[id] = w
	}
	p.touch()
}

// XInfo returns the staged xinfo of a device, or the committed one.
func (p *Pending) XInfo(id osdmap.DeviceID) osdmap.XInfo {
	if x, ok := p.Inc.NewXInfo[id]; ok {
		return x
	}
	return p.Base.Devices[id].XInfo
}

func (p *Pending) SetXInfo(id osdmap.DeviceID, x osdmap.XInfo) {
	if p.Inc.NewXInfo == nil {
		p.Inc.NewXInfo = make(map[osdmap.DeviceID]osdmap.XInfo)
	}
	p.Inc.NewXInfo[id] = x
	p.touch()
}

func (p *Pending) SetUp(id osdmap.DeviceID, addr string) {
	if p.Inc.NewUp == nil {
		p.Inc.NewUp = make(map[osdmap.DeviceID]string)
	}
	p.Inc.NewUp[id] = addr
	p.touch()
}

func (p *Pending) SetUUID(id osdmap.DeviceID, uuid string) {
	if p.Inc.NewUUID == nil {
		p.Inc.NewUUID = make(map[osdmap.DeviceID]string)
	}
	p.Inc.NewUUID[id] = uuid
	p.touch()
}

func (p *Pending) SetLocation(id osdmap.DeviceID, loc map[string]string) {
	if p.Inc.NewLocation == nil {
		p.Inc.NewLocation = make(map[osdmap.DeviceID]map[string]string)
	}
	p.Inc.NewLocation[id] = loc
	p.touch()
}

func (p *Pending) SetPGTemp(pg osdmap.PGID, devs []osdmap.DeviceID) {
	if p.Inc.NewPGTemp == nil {
		p.Inc.NewPGTemp = make(map[osdmap.PGID][]osdmap.DeviceID)
	}
	if _, committed := p.Base.PGTemp[pg]; len(devs) == 0 && !committed {
		delete(p.Inc.NewPGTemp, pg)
	} else {
		p.Inc.NewPGTemp[pg] = append([]osdmap.DeviceID{}, devs...)
	}
	p.touch()
}

func (p *Pending) SetFlags(flags uint32) {
	if flags == p.Base.Flags {
		p.Inc.NewFlags = nil
	} else {
		p.Inc.NewFlags = &flags
	}
	p.touch()
}

// Pool returns the pool as staged this round.
func (p *Pending) Pool(id osdmap.PoolID) (osdmap.Pool, bool) {
	return p.Next().Pool(id)
}

// UpdatePool stages a modified copy of a pool.
func (p *Pending) UpdatePool(id osdmap.PoolID, update func(pool *osdmap.Pool)) bool {
	pool, ok := p.Pool(id)
	if !ok {
		return false
	}
	pool = pool.Clone()
	update(&pool)
	pool.LastChange = p.Epoch()
	if p.Inc.NewPools == nil {
		p.Inc.NewPools = make(map[osdmap.PoolID]osdmap.Pool)
	}
	p.Inc.NewPools[id] = pool
	p.touch()
	return true
}

func (p *Pending) AddRemovedSnaps(pool osdmap.PoolID, set osdmap.SnapIntervalSet) {
	if p.Inc.NewRemovedSnaps == nil {
		p.Inc.NewRemovedSnaps = make(map[osdmap.PoolID]osdmap.SnapIntervalSet)
	}
	p.Inc.NewRemovedSnaps[pool] = p.Inc.NewRemovedSnaps[pool].Union(set)
	p.touch()
}

func (p *Pending) AddPurgedSnaps(pool osdmap.PoolID, set osdmap.SnapIntervalSet) {
	if p.Inc.NewPurgedSnaps == nil {
		p.Inc.NewPurgedSnaps = make(map[osdmap.PoolID]osdmap.SnapIntervalSet)
	}
	p.Inc.NewPurgedSnaps[pool] = p.Inc.NewPurgedSnaps[pool].Union(set)
	p.touch()
}

// isStagedDown reports whether this round takes a committed up device down.
func (p *Pending) isStagedDown(id osdmap.DeviceID) bool {
	return p.Base.IsUp(id) && p.Inc.NewState[id]&osdmap.StateUp != 0
}

func (p *Pending) isBooting(id osdmap.DeviceID) bool {
	_, ok := p.Inc.NewUp[id]
	return ok
}
