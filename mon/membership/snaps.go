package membership

import (
	"sort"

	"github.com/golang/glog"

	"github.com/seaweedfs/mapmon/mon/osdmap"
)

// RemoveSnaps queues self managed snapshots of a pool for removal.
type RemoveSnaps struct {
	Pool  osdmap.PoolID
	Snaps []osdmap.SnapID
}

func (s RemoveSnaps) Kind() string { return "snap-rm" }

func (s RemoveSnaps) Apply(sm *Machine, p *Pending) (Result, error) {
	pool, err := lookupPool(p, s.Pool)
	if err != nil {
		return Result{}, err
	}
	if pool.IsTier() {
		return Result{}, reject(EINVAL, "pool %d is a tier of pool %d; remove snapshots from the base pool", s.Pool, pool.TierOf)
	}
	var add osdmap.SnapIntervalSet
	pending, committed := 0, 0
	seq := pool.SnapSeq
	for _, snap := range s.Snaps {
		if snap == 0 {
			return Result{}, reject(EINVAL, "snapshot id 0 is invalid")
		}
		switch {
		case p.Inc.NewRemovedSnaps[s.Pool].Contains(snap) || add.Contains(snap):
			pending++
		case p.Base.RemovedSnapsQueue[s.Pool].Contains(snap) || pool.RemovedSnaps.Contains(snap):
			committed++
		case sm.Purged != nil && sm.Purged(s.Pool, snap):
			committed++
		default:
			add = add.Insert(snap, snap+1)
		}
		if snap > seq {
			seq = snap
		}
	}
	if add.Empty() {
		if pending > 0 {
			return alreadyPending("snapshot removal already pending")
		}
		return noop("snapshots already removed")
	}
	p.AddRemovedSnaps(s.Pool, add)
	legacy := p.Next().RequireRelease < osdmap.ReleasePurgedSnaps
	epoch := p.Epoch()
	p.UpdatePool(s.Pool, func(pl *osdmap.Pool) {
		pl.Flags |= osdmap.PoolFlagSelfManagedSnaps
		pl.SnapSeq = seq
		pl.SnapEpoch = epoch
		if legacy {
			pl.RemovedSnaps = pl.RemovedSnaps.Union(add)
		}
	})
	return staged("removing %d snapshots of pool %d", add.Size(), s.Pool)
}

// PurgedSnapsReport is a device stating which queued snapshots of a pool it
// has finished purging.
type PurgedSnapsReport struct {
	Device osdmap.DeviceID
	Pool   osdmap.PoolID
	Purged osdmap.SnapIntervalSet
}

func (s PurgedSnapsReport) Kind() string { return "snap-purged" }

func (s PurgedSnapsReport) Apply(sm *Machine, p *Pending) (Result, error) {
	if !p.Base.IsUp(s.Device) {
		return Result{}, reject(EPERM, "device.%d is not up", s.Device)
	}
	if _, ok := p.Base.Pool(s.Pool); !ok {
		return Result{}, reject(ENOENT, "pool %d does not exist", s.Pool)
	}
	reports := sm.purgedReports[s.Pool]
	if reports == nil {
		reports = make(map[osdmap.DeviceID]osdmap.SnapIntervalSet)
		sm.purgedReports[s.Pool] = reports
	}
	reports[s.Device] = s.Purged.Clone()
	return noop("purged snapshots of pool %d from device.%d recorded", s.Pool, s.Device)
}

// propagateSnapsToTiers copies the snapshot state of base pools changed
// this round onto their tiers.
func (sm *Machine) propagateSnapsToTiers(p *Pending) {
	ids := make([]osdmap.PoolID, 0, len(p.Inc.NewPools))
	for id := range p.Inc.NewPools {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	epoch := p.Epoch()
	for _, id := range ids {
		base := p.Inc.NewPools[id]
		if !base.HasTiers() || base.SnapEpoch != epoch {
			continue
		}
		removed := p.Inc.NewRemovedSnaps[id]
		for _, tierID := range base.Tiers {
			p.UpdatePool(tierID, func(tier *osdmap.Pool) {
				tier.SnapSeq = base.SnapSeq
				tier.SnapEpoch = epoch
				tier.Flags |= base.Flags & osdmap.PoolFlagSelfManagedSnaps
				tier.RemovedSnaps = base.RemovedSnaps.Clone()
			})
			if !removed.Empty() {
				p.AddRemovedSnaps(tierID, removed)
			}
		}
	}
}

// prunePurgedSnaps moves queued snapshots into the purged record once a
// majority of the devices holding the pool report them purged.
func (sm *Machine) prunePurgedSnaps(p *Pending) {
	budget := sm.opts.MaxSnapPrunePerEpoch
	if budget == 0 {
		return
	}
	pools := make([]osdmap.PoolID, 0, len(p.Base.RemovedSnapsQueue))
	for id := range p.Base.RemovedSnapsQueue {
		pools = append(pools, id)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i] < pools[j] })

	for _, id := range pools {
		if budget == 0 {
			break
		}
		pool, ok := p.Base.Pool(id)
		if !ok || p.Inc.PoolRemoved(id) {
			continue
		}
		reports := sm.purgedReports[id]
		if len(reports) == 0 {
			continue
		}
		owners := sm.poolOwners(p.Base, pool)
		if len(owners) == 0 {
			continue
		}
		queue := p.Base.RemovedSnapsQueue[id].Subtract(p.Inc.NewPurgedSnaps[id])
		done := corroborated(queue, reports, owners).Truncate(budget)
		if done.Empty() {
			continue
		}
		budget -= done.Size()
		glog.V(1).Infof("pool %d: %d snapshots purged by a majority of %d devices", id, done.Size(), len(owners))
		p.AddPurgedSnaps(id, done)
	}
}

func (sm *Machine) poolOwners(m *osdmap.Map, pool osdmap.Pool) map[osdmap.DeviceID]bool {
	owners := make(map[osdmap.DeviceID]bool)
	for _, pg := range pool.PGs() {
		acting, err := m.PGToActingSet(sm.placer, pg)
		if err != nil {
			continue
		}
		for _, d := range acting {
			owners[d] = true
		}
	}
	return owners
}

// corroborated is the part of queue that more than half of owners report.
func corroborated(queue osdmap.SnapIntervalSet, reports map[osdmap.DeviceID]osdmap.SnapIntervalSet, owners map[osdmap.DeviceID]bool) osdmap.SnapIntervalSet {
	// count reporters over elementary segments delimited by every bound
	bounds := map[osdmap.SnapID]bool{}
	var sets []osdmap.SnapIntervalSet
	for dev, set := range reports {
		if !owners[dev] {
			continue
		}
		set = set.Intersect(queue)
		sets = append(sets, set)
		for _, iv := range set {
			bounds[iv.Start] = true
			bounds[iv.End] = true
		}
	}
	points := make([]osdmap.SnapID, 0, len(bounds))
	for b := range bounds {
		points = append(points, b)
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	var out osdmap.SnapIntervalSet
	for i := 0; i+1 < len(points); i++ {
		start, end := points[i], points[i+1]
		count := 0
		for _, set := range sets {
			if set.Contains(start) {
				count++
			}
		}
		if count*2 > len(owners) {
			out = out.Insert(start, end)
		}
	}
	return out
}
