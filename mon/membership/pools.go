package membership

import (
	"github.com/seaweedfs/mapmon/mon/osdmap"
)

const maxPGNum = 65536

type CreatePool struct {
	Name      string
	Size      int
	MinSize   int
	PGNum     uint32
	CrushRule int
}

func (s CreatePool) Kind() string { return "pool-create" }

func (s CreatePool) Apply(sm *Machine, p *Pending) (Result, error) {
	if s.Name == "" {
		return Result{}, reject(EINVAL, "pool name is empty")
	}
	if pool, ok := p.Next().PoolByName(s.Name); ok {
		if _, committed := p.Base.Pool(pool.ID); committed {
			return Result{Outcome: NoOp, Message: sprintf("pool '%s' already exists", s.Name), Value: pool.ID}, nil
		}
		return Result{Outcome: AlreadyPending, Message: sprintf("pool '%s' creation already pending", s.Name), Value: pool.ID}, nil
	}
	size := s.Size
	if size == 0 {
		size = 3
	}
	if size < 1 || size > 10 {
		return Result{}, reject(EINVAL, "pool size %d must be in [1, 10]", size)
	}
	minSize := s.MinSize
	if minSize == 0 {
		minSize = size - size/2
	}
	if minSize < 1 || minSize > size {
		return Result{}, reject(EINVAL, "pool min_size %d must be in [1, %d]", minSize, size)
	}
	if s.PGNum == 0 || s.PGNum > maxPGNum {
		return Result{}, reject(EINVAL, "pg_num %d must be in [1, %d]", s.PGNum, maxPGNum)
	}

	id := p.Next().PoolMax + 1
	p.Inc.NewPoolMax = &id
	if p.Inc.NewPools == nil {
		p.Inc.NewPools = make(map[osdmap.PoolID]osdmap.Pool)
	}
	p.Inc.NewPools[id] = osdmap.Pool{
		ID:         id,
		Name:       s.Name,
		Size:       size,
		MinSize:    minSize,
		CrushRule:  s.CrushRule,
		PGNum:      s.PGNum,
		Flags:      osdmap.PoolFlagCreating,
		TierOf:     osdmap.NoPool,
		ReadTier:   osdmap.NoPool,
		WriteTier:  osdmap.NoPool,
		CacheMode:  osdmap.CacheModeNone,
		LastChange: p.Epoch(),
	}
	p.touch()
	return Result{Outcome: Staged, Message: sprintf("pool '%s' created", s.Name), Value: id}, nil
}

func lookupPool(p *Pending, id osdmap.PoolID) (osdmap.Pool, error) {
	pool, ok := p.Pool(id)
	if !ok {
		return pool, reject(ENOENT, "pool %d does not exist", id)
	}
	return pool, nil
}

// SetPGNum grows a pool. Shrinking is not supported.
type SetPGNum struct {
	Pool  osdmap.PoolID
	PGNum uint32
}

func (s SetPGNum) Kind() string { return "pool-set-pg-num" }

func (s SetPGNum) Apply(sm *Machine, p *Pending) (Result, error) {
	pool, err := lookupPool(p, s.Pool)
	if err != nil {
		return Result{}, err
	}
	if s.PGNum > maxPGNum {
		return Result{}, reject(EINVAL, "pg_num %d exceeds %d", s.PGNum, maxPGNum)
	}
	if s.PGNum < pool.PGNum {
		return Result{}, reject(EPERM, "decreasing pg_num from %d to %d is not supported", pool.PGNum, s.PGNum)
	}
	if s.PGNum == pool.PGNum {
		if base, ok := p.Base.Pool(s.Pool); ok && base.PGNum == s.PGNum {
			return noop("pool %d pg_num is already %d", s.Pool, s.PGNum)
		}
		return alreadyPending("pool %d pg_num change already pending", s.Pool)
	}
	p.UpdatePool(s.Pool, func(pl *osdmap.Pool) {
		pl.PGNum = s.PGNum
		pl.Flags |= osdmap.PoolFlagCreating
	})
	return staged("set pool %d pg_num to %d", s.Pool, s.PGNum)
}

type DeletePool struct {
	Pool    osdmap.PoolID
	Confirm bool
}

func (s DeletePool) Kind() string { return "pool-delete" }

func (s DeletePool) Apply(sm *Machine, p *Pending) (Result, error) {
	if !s.Confirm {
		return Result{}, reject(EPERM, "deleting pool %d removes all its data; confirm to proceed", s.Pool)
	}
	if p.Inc.PoolRemoved(s.Pool) {
		return alreadyPending("pool %d removal already pending", s.Pool)
	}
	pool, ok := p.Pool(s.Pool)
	if !ok {
		return noop("pool %d does not exist", s.Pool)
	}
	if _, committed := p.Base.Pool(s.Pool); !committed {
		return Result{}, reject(EAGAIN, "pool %d is being created", s.Pool)
	}
	if pool.IsTier() {
		return Result{}, reject(EBUSY, "pool %d is a tier of pool %d", s.Pool, pool.TierOf)
	}
	if pool.HasTiers() {
		return Result{}, reject(EBUSY, "pool %d has tiers %v", s.Pool, pool.Tiers)
	}
	delete(p.Inc.NewPools, s.Pool)
	delete(p.Inc.NewRemovedSnaps, s.Pool)
	delete(p.Inc.NewPurgedSnaps, s.Pool)
	for pg := range p.Inc.NewPGTemp {
		if pg.Pool == s.Pool {
			delete(p.Inc.NewPGTemp, pg)
		}
	}
	p.Inc.OldPools = append(p.Inc.OldPools, s.Pool)
	p.touch()
	return staged("pool %d removed", s.Pool)
}

// TierAdd makes Tier a cache tier of Base.
type TierAdd struct {
	Base osdmap.PoolID
	Tier osdmap.PoolID
}

func (s TierAdd) Kind() string { return "tier-add" }

func (s TierAdd) Apply(sm *Machine, p *Pending) (Result, error) {
	if s.Base == s.Tier {
		return Result{}, reject(EINVAL, "a pool cannot be a tier of itself")
	}
	base, err := lookupPool(p, s.Base)
	if err != nil {
		return Result{}, err
	}
	tier, err := lookupPool(p, s.Tier)
	if err != nil {
		return Result{}, err
	}
	if tier.TierOf == s.Base {
		if committed, ok := p.Base.Pool(s.Tier); ok && committed.TierOf == s.Base {
			return noop("pool %d is already a tier of pool %d", s.Tier, s.Base)
		}
		return alreadyPending("tier add already pending")
	}
	if tier.IsTier() {
		return Result{}, reject(EBUSY, "pool %d is already a tier of pool %d", s.Tier, tier.TierOf)
	}
	if tier.HasTiers() {
		return Result{}, reject(EBUSY, "pool %d has its own tiers", s.Tier)
	}
	if base.IsTier() {
		return Result{}, reject(EBUSY, "pool %d is itself a tier", s.Base)
	}
	epoch := p.Epoch()
	p.UpdatePool(s.Base, func(pl *osdmap.Pool) {
		pl.AddTier(s.Tier)
		pl.SnapEpoch = epoch
	})
	p.UpdatePool(s.Tier, func(pl *osdmap.Pool) {
		pl.TierOf = s.Base
	})
	return staged("pool %d is now a tier of pool %d", s.Tier, s.Base)
}

type TierRemove struct {
	Base osdmap.PoolID
	Tier osdmap.PoolID
}

func (s TierRemove) Kind() string { return "tier-remove" }

func (s TierRemove) Apply(sm *Machine, p *Pending) (Result, error) {
	base, err := lookupPool(p, s.Base)
	if err != nil {
		return Result{}, err
	}
	tier, err := lookupPool(p, s.Tier)
	if err != nil {
		return Result{}, err
	}
	if tier.TierOf != s.Base {
		if committed, ok := p.Base.Pool(s.Tier); ok && committed.TierOf == s.Base {
			return alreadyPending("tier removal already pending")
		}
		return noop("pool %d is not a tier of pool %d", s.Tier, s.Base)
	}
	if base.ReadTier == s.Tier || base.WriteTier == s.Tier {
		return Result{}, reject(EBUSY, "pool %d is the overlay of pool %d; remove the overlay first", s.Tier, s.Base)
	}
	p.UpdatePool(s.Base, func(pl *osdmap.Pool) { pl.RemoveTier(s.Tier) })
	p.UpdatePool(s.Tier, func(pl *osdmap.Pool) {
		pl.TierOf = osdmap.NoPool
		pl.CacheMode = osdmap.CacheModeNone
	})
	return staged("pool %d is no longer a tier of pool %d", s.Tier, s.Base)
}

type SetCacheMode struct {
	Tier osdmap.PoolID
	Mode osdmap.CacheMode
}

func (s SetCacheMode) Kind() string { return "tier-cache-mode" }

func (s SetCacheMode) Apply(sm *Machine, p *Pending) (Result, error) {
	if !s.Mode.Valid() {
		return Result{}, reject(EINVAL, "unknown cache mode %q", s.Mode)
	}
	tier, err := lookupPool(p, s.Tier)
	if err != nil {
		return Result{}, err
	}
	if !tier.IsTier() {
		return Result{}, reject(EINVAL, "pool %d is not a tier", s.Tier)
	}
	if tier.CacheMode == s.Mode {
		if committed, ok := p.Base.Pool(s.Tier); ok && committed.CacheMode == s.Mode {
			return noop("pool %d cache mode is already %s", s.Tier, s.Mode)
		}
		return alreadyPending("cache mode change already pending")
	}
	p.UpdatePool(s.Tier, func(pl *osdmap.Pool) { pl.CacheMode = s.Mode })
	return staged("set pool %d cache mode to %s", s.Tier, s.Mode)
}

// SetOverlay routes client io of Base through Tier. NoPool removes it.
type SetOverlay struct {
	Base osdmap.PoolID
	Tier osdmap.PoolID
}

func (s SetOverlay) Kind() string { return "tier-overlay" }

func (s SetOverlay) Apply(sm *Machine, p *Pending) (Result, error) {
	base, err := lookupPool(p, s.Base)
	if err != nil {
		return Result{}, err
	}
	if s.Tier != osdmap.NoPool {
		tier, err := lookupPool(p, s.Tier)
		if err != nil {
			return Result{}, err
		}
		if tier.TierOf != s.Base {
			return Result{}, reject(EINVAL, "pool %d is not a tier of pool %d", s.Tier, s.Base)
		}
	}
	if base.ReadTier == s.Tier && base.WriteTier == s.Tier {
		return noop("overlay of pool %d unchanged", s.Base)
	}
	p.UpdatePool(s.Base, func(pl *osdmap.Pool) {
		pl.ReadTier = s.Tier
		pl.WriteTier = s.Tier
	})
	return staged("overlay of pool %d set to %d", s.Base, s.Tier)
}

// SetPGTemp overrides the acting set of a placement group. An empty list
// removes the override.
type SetPGTemp struct {
	PG      osdmap.PGID
	Devices []osdmap.DeviceID
}

func (s SetPGTemp) Kind() string { return "pg-temp" }

func (s SetPGTemp) Apply(sm *Machine, p *Pending) (Result, error) {
	next := p.Next()
	pool, ok := next.Pool(s.PG.Pool)
	if !ok || s.PG.Seed >= pool.PGNum {
		return Result{}, reject(ENOENT, "pg %s does not exist", s.PG)
	}
	if _, pending := p.Inc.NewPGTemp[s.PG]; pending {
		if sameDevices(p.Inc.NewPGTemp[s.PG], s.Devices) {
			return alreadyPending("pg_temp of %s already pending", s.PG)
		}
		return Result{}, reject(EAGAIN, "pg_temp of %s has a pending change", s.PG)
	}
	if len(s.Devices) > pool.Size {
		return Result{}, reject(EINVAL, "pg_temp of %d devices exceeds pool size %d", len(s.Devices), pool.Size)
	}
	seen := make(map[osdmap.DeviceID]bool)
	for _, id := range s.Devices {
		if seen[id] {
			return Result{}, reject(EINVAL, "device.%d listed twice", id)
		}
		seen[id] = true
		if !next.Exists(id) {
			return Result{}, reject(ENOENT, "device.%d does not exist", id)
		}
		if !next.IsUp(id) {
			return Result{}, reject(EINVAL, "device.%d is not up", id)
		}
	}
	if sameDevices(next.PGTemp[s.PG], s.Devices) {
		return noop("pg_temp of %s unchanged", s.PG)
	}
	p.SetPGTemp(s.PG, s.Devices)
	if len(s.Devices) == 0 {
		return staged("removed pg_temp of %s", s.PG)
	}
	return staged("set pg_temp of %s to %v", s.PG, s.Devices)
}

func sameDevices(a, b []osdmap.DeviceID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PGCreated is a device reporting a queued placement group as created.
type PGCreated struct {
	PG osdmap.PGID
}

func (s PGCreated) Kind() string { return "pg-created" }

func (s PGCreated) Apply(sm *Machine, p *Pending) (Result, error) {
	if _, ok := p.Creating.PGs[s.PG]; !ok {
		return noop("pg %s is not creating", s.PG)
	}
	delete(p.Creating.PGs, s.PG)
	p.creatingChanged = true
	return staged("pg %s created", s.PG)
}
