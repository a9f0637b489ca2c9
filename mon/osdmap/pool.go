package osdmap

import "sort"

const (
	PoolFlagCreating uint64 = 1 << iota
	PoolFlagFull
	PoolFlagNearFull
	PoolFlagBackfillFull
	PoolFlagSelfManagedSnaps
)

const NoPool PoolID = -1

type CacheMode string

const (
	CacheModeNone      CacheMode = "none"
	CacheModeWriteback CacheMode = "writeback"
	CacheModeReadproxy CacheMode = "readproxy"
	CacheModeProxy     CacheMode = "proxy"
	CacheModeReadonly  CacheMode = "readonly"

	// only found in maps written before ReleasePurgedSnaps
	CacheModeForward     CacheMode = "forward"
	CacheModeReadforward CacheMode = "readforward"
)

func (c CacheMode) Valid() bool {
	switch c {
	case CacheModeNone, CacheModeWriteback, CacheModeReadproxy, CacheModeProxy, CacheModeReadonly:
		return true
	}
	return false
}

type Pool struct {
	ID        PoolID    `json:"id"`
	Name      string    `json:"name"`
	Size      int       `json:"size"`
	MinSize   int       `json:"min_size"`
	CrushRule int       `json:"crush_rule"`
	PGNum     uint32    `json:"pg_num"`
	Flags     uint64    `json:"flags"`
	SnapSeq   SnapID    `json:"snap_seq"`
	SnapEpoch Epoch     `json:"snap_epoch"`
	TierOf    PoolID    `json:"tier_of"`
	ReadTier  PoolID    `json:"read_tier"`
	WriteTier PoolID    `json:"write_tier"`
	Tiers     []PoolID  `json:"tiers,omitempty"`
	CacheMode CacheMode `json:"cache_mode"`

	// legacy per pool record, folded into the purged record when the
	// required release reaches ReleasePurgedSnaps
	RemovedSnaps SnapIntervalSet `json:"removed_snaps,omitempty"`

	LastChange Epoch `json:"last_change"`
}

func (p Pool) HasFlag(f uint64) bool { return p.Flags&f != 0 }
func (p Pool) IsTier() bool          { return p.TierOf != NoPool }
func (p Pool) HasTiers() bool        { return len(p.Tiers) > 0 }

func (p Pool) Clone() Pool {
	c := p
	if p.Tiers != nil {
		c.Tiers = append([]PoolID(nil), p.Tiers...)
	}
	c.RemovedSnaps = p.RemovedSnaps.Clone()
	return c
}

func (p *Pool) AddTier(id PoolID) {
	for _, t := range p.Tiers {
		if t == id {
			return
		}
	}
	p.Tiers = append(p.Tiers, id)
	sort.Slice(p.Tiers, func(i, j int) bool { return p.Tiers[i] < p.Tiers[j] })
}

func (p *Pool) RemoveTier(id PoolID) {
	for i, t := range p.Tiers {
		if t == id {
			p.Tiers = append(p.Tiers[:i:i], p.Tiers[i+1:]...)
			break
		}
	}
	if len(p.Tiers) == 0 {
		p.Tiers = nil
	}
}

func (p Pool) PGs() []PGID {
	pgs := make([]PGID, 0, p.PGNum)
	for s := uint32(0); s < p.PGNum; s++ {
		pgs = append(pgs, PGID{Pool: p.ID, Seed: s})
	}
	return pgs
}
