package membership

import (
	"sort"
	"time"

	"github.com/golang/glog"

	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/remap"
)

// Finalize runs the fixups that close a round. job is the background
// mapping of the committed map; it may be nil.
func (sm *Machine) Finalize(p *Pending, job *remap.Job) {
	p.Inc.Modified = p.Now
	sm.migrateRelease(p)
	sm.propagateSnapsToTiers(p)
	sm.prunePurgedSnaps(p)
	sm.primePGTemp(p, job)
	p.Inc.Normalize()
	sm.cleanPGTemps(p)
	sm.updateCreating(p)
	sm.stampChanges(p)
	sort.Slice(p.Inc.OldPools, func(i, j int) bool { return p.Inc.OldPools[i] < p.Inc.OldPools[j] })
	sort.Strings(p.Inc.OldBlacklist)
	p.touch()
}

// migrateRelease rewrites legacy pool records once the required release
// reaches ReleasePurgedSnaps.
func (sm *Machine) migrateRelease(p *Pending) {
	if p.Base.RequireRelease >= osdmap.ReleasePurgedSnaps || p.Next().RequireRelease < osdmap.ReleasePurgedSnaps {
		return
	}
	for _, pool := range p.Next().GetPools() {
		mode := pool.CacheMode
		switch mode {
		case osdmap.CacheModeForward:
			mode = osdmap.CacheModeProxy
		case osdmap.CacheModeReadforward:
			mode = osdmap.CacheModeReadproxy
		}
		legacy := pool.RemovedSnaps
		if mode == pool.CacheMode && legacy.Empty() {
			continue
		}
		glog.Infof("pool %d: migrating cache mode %s and %d legacy removed snapshots", pool.ID, pool.CacheMode, legacy.Size())
		// still queued ones are purged through the queue as usual
		if done := legacy.Subtract(p.Next().RemovedSnapsQueue[pool.ID]); !done.Empty() {
			if p.LegacyPurged == nil {
				p.LegacyPurged = make(map[osdmap.PoolID]osdmap.SnapIntervalSet)
			}
			p.LegacyPurged[pool.ID] = done
		}
		p.UpdatePool(pool.ID, func(pl *osdmap.Pool) {
			pl.CacheMode = mode
			pl.RemovedSnaps = nil
		})
	}
}

func topologyChanged(inc *osdmap.Incremental) bool {
	for _, mask := range inc.NewState {
		if mask&(osdmap.StateUp|osdmap.StateExists) != 0 {
			return true
		}
	}
	return len(inc.NewWeight) > 0 || len(inc.NewUp) > 0 || len(inc.NewPrimaryAffinity) > 0
}

// primePGTemp pins the current acting set of pgs whose mapping the round
// changes, so data stays readable while it moves.
func (sm *Machine) primePGTemp(p *Pending, job *remap.Job) {
	if !sm.opts.PrimePGTemp || job == nil || !topologyChanged(p.Inc) {
		return
	}
	if job.Epoch() != p.Base.Epoch {
		glog.V(1).Infof("mapping job is for epoch %d, map is at %d; not priming pg_temp", job.Epoch(), p.Base.Epoch)
		return
	}
	mapping, ok := job.Wait(sm.opts.PrimePGTempMaxTime)
	if !ok {
		glog.V(1).Infof("mapping of epoch %d not ready; not priming pg_temp", p.Base.Epoch)
		return
	}
	changed := map[osdmap.DeviceID]bool{}
	for id := range p.Inc.NewState {
		changed[id] = true
	}
	for id := range p.Inc.NewWeight {
		changed[id] = true
	}
	for id := range p.Inc.NewUp {
		changed[id] = true
	}
	for id := range p.Inc.NewPrimaryAffinity {
		changed[id] = true
	}
	affected := map[osdmap.PGID]bool{}
	for id := range changed {
		for _, pg := range mapping.ActingPGs(id) {
			affected[pg] = true
		}
	}
	pgs := make([]osdmap.PGID, 0, len(affected))
	for pg := range affected {
		pgs = append(pgs, pg)
	}
	osdmap.SortPGIDs(pgs)

	next := p.Next()
	clk := sm.detector.Clock()
	deadline := clk.Now().Add(sm.opts.PrimePGTempMaxTime)
	primed := 0
	for i, pg := range pgs {
		if i%64 == 63 && clk.Now().After(deadline) {
			glog.V(1).Infof("priming pg_temp stopped after %d of %d pgs", i, len(pgs))
			break
		}
		if _, staged := p.Inc.NewPGTemp[pg]; staged {
			continue
		}
		if _, has := next.PGTemp[pg]; has {
			continue
		}
		pool, ok := next.Pool(pg.Pool)
		if !ok || pg.Seed >= pool.PGNum {
			continue
		}
		var keep []osdmap.DeviceID
		for _, d := range mapping.Acting[pg] {
			if next.IsUp(d) {
				keep = append(keep, d)
			}
		}
		if len(keep) < pool.MinSize {
			continue
		}
		up, _, err := next.PGToUpActing(sm.placer, pg)
		if err != nil || sameDevices(up, keep) {
			continue
		}
		p.SetPGTemp(pg, keep)
		primed++
	}
	if primed > 0 {
		glog.V(1).Infof("primed pg_temp for %d pgs", primed)
	}
}

// cleanPGTemps drops overrides of pgs that are gone, that name devices no
// longer up, or that equal the up set.
func (sm *Machine) cleanPGTemps(p *Pending) {
	next := p.Next()
	var drop []osdmap.PGID
	for pg, temp := range next.PGTemp {
		if !next.PGExists(pg) {
			drop = append(drop, pg)
			continue
		}
		down := false
		for _, d := range temp {
			if !next.IsUp(d) {
				down = true
				break
			}
		}
		if down {
			drop = append(drop, pg)
			continue
		}
		if _, fresh := p.Inc.NewPGTemp[pg]; fresh {
			continue
		}
		up, _, err := next.PGToUpActing(sm.placer, pg)
		if err == nil && sameDevices(up, temp) {
			drop = append(drop, pg)
		}
	}
	for _, pg := range drop {
		p.SetPGTemp(pg, nil)
	}
}

func (sm *Machine) updateCreating(p *Pending) {
	if p.Creating.scan(p.Base, p.Inc) {
		p.creatingChanged = true
	}
	max := sm.opts.MaxCreatingPGs
	if max <= 0 {
		max = 1
	}
	if created := p.Creating.materialize(max, p.Epoch(), p.Now); len(created) > 0 {
		glog.V(1).Infof("epoch %d: %d pgs to create, %d queued", p.Epoch(), len(created), p.Creating.Queued())
		p.creatingChanged = true
	}
	for _, pool := range p.Next().GetPools() {
		if pool.HasFlag(osdmap.PoolFlagCreating) && !p.Creating.Creating(pool.ID) {
			p.UpdatePool(pool.ID, func(pl *osdmap.Pool) { pl.Flags &^= osdmap.PoolFlagCreating })
		}
	}
}

func (sm *Machine) stampChanges(p *Pending) {
	up, in := len(p.Inc.NewUp) > 0, len(p.Inc.NewWeight) > 0
	for _, mask := range p.Inc.NewState {
		if mask&(osdmap.StateUp|osdmap.StateExists) != 0 {
			up = true
		}
		if mask&osdmap.StateExists != 0 {
			in = true
		}
	}
	if up {
		p.Inc.NewLastUpChange = p.Now
	}
	if in {
		p.Inc.NewLastInChange = p.Now
	}
}

// NeedsRound reports whether housekeeping alone warrants a proposal.
func (sm *Machine) NeedsRound(creating *CreatingPGs, m *osdmap.Map, now time.Time) bool {
	if creating != nil && creating.Queued() > 0 {
		return true
	}
	for _, pool := range m.Pools {
		if pool.HasFlag(osdmap.PoolFlagCreating) && (creating == nil || !creating.Creating(pool.ID)) {
			return true
		}
	}
	for pool := range m.RemovedSnapsQueue {
		if len(sm.purgedReports[pool]) > 0 {
			probe := NewPending(m, creating, now)
			sm.prunePurgedSnaps(probe)
			return len(probe.Inc.NewPurgedSnaps) > 0
		}
	}
	return false
}
