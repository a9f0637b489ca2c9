package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/remap"
)

func TestPoolCreationIsThrottled(t *testing.T) {
	base := cluster(6)
	opts := DefaultOptions()
	opts.MaxCreatingPGs = 4
	sm := newMachine(opts)

	p := NewPending(base, nil, t0)
	r, err := CreatePool{Name: "rbd", PGNum: 8}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, Staged, r.Outcome)
	id := r.Value.(osdmap.PoolID)
	r, err = CreatePool{Name: "rbd", PGNum: 8}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPending, r.Outcome)
	_, err = CreatePool{Name: "bad", PGNum: 8, Size: 2, MinSize: 3}.Apply(sm, p)
	requireCode(t, err, EINVAL)

	next := commit(t, sm, p)
	pool, ok := next.Pool(id)
	require.True(t, ok)
	assert.Equal(t, 3, pool.Size)
	assert.Equal(t, 2, pool.MinSize)
	assert.True(t, pool.HasFlag(osdmap.PoolFlagCreating))
	assert.Len(t, p.Creating.PGs, 4)
	assert.Equal(t, 4, p.Creating.Queued())
	assert.True(t, sm.NeedsRound(p.Creating, next, t0))

	creating := p.Creating
	p = NewPending(next, creating, t0)
	next = commit(t, sm, p)
	assert.Len(t, p.Creating.PGs, 8)
	assert.Zero(t, p.Creating.Queued())
	assert.Equal(t, next.Epoch, p.Creating.PGs[osdmap.PGID{Pool: id, Seed: 7}].Epoch)
	assert.False(t, sm.NeedsRound(p.Creating, next, t0))

	creating = p.Creating
	p = NewPending(next, creating, t0)
	for _, pg := range pool.PGs() {
		r, err := PGCreated{PG: pg}.Apply(sm, p)
		require.NoError(t, err)
		assert.Equal(t, Staged, r.Outcome)
	}
	next = commit(t, sm, p)
	pool, _ = next.Pool(id)
	assert.False(t, pool.HasFlag(osdmap.PoolFlagCreating))
	assert.Empty(t, p.Creating.PGs)

	data, err := p.Creating.Encode()
	require.NoError(t, err)
	decoded, err := DecodeCreatingPGs(data)
	require.NoError(t, err)
	assert.Empty(t, decoded.PGs)

	p = NewPending(next, p.Creating, t0)
	_, err = SetPGNum{Pool: id, PGNum: 4}.Apply(sm, p)
	requireCode(t, err, EPERM)
	_, err = SetPGNum{Pool: id, PGNum: 12}.Apply(sm, p)
	require.NoError(t, err)
	next = commit(t, sm, p)
	assert.Equal(t, osdmap.PGID{Pool: id, Seed: 8}, firstCreating(p.Creating))
	assert.Len(t, p.Creating.PGs, 4)
}

func firstCreating(c *CreatingPGs) osdmap.PGID {
	var pgs []osdmap.PGID
	for pg := range c.PGs {
		pgs = append(pgs, pg)
	}
	osdmap.SortPGIDs(pgs)
	return pgs[0]
}

func TestDeletePool(t *testing.T) {
	base := cluster(6)
	addPool(base, 1, 4)
	addPool(base, 2, 4)
	base.PGTemp[osdmap.PGID{Pool: 1, Seed: 0}] = []osdmap.DeviceID{0, 1}
	sm := newMachine(DefaultOptions())

	p := NewPending(base, nil, t0)
	_, err := TierAdd{Base: 1, Tier: 2}.Apply(sm, p)
	require.NoError(t, err)
	next := commit(t, sm, p)
	assert.Equal(t, []osdmap.PoolID{2}, next.Pools[1].Tiers)
	assert.Equal(t, osdmap.PoolID(1), next.Pools[2].TierOf)

	p = NewPending(next, nil, t0)
	_, err = DeletePool{Pool: 1}.Apply(sm, p)
	requireCode(t, err, EPERM)
	_, err = DeletePool{Pool: 1, Confirm: true}.Apply(sm, p)
	requireCode(t, err, EBUSY)
	_, err = DeletePool{Pool: 2, Confirm: true}.Apply(sm, p)
	requireCode(t, err, EBUSY)

	_, err = TierRemove{Base: 1, Tier: 2}.Apply(sm, p)
	require.NoError(t, err)
	next = commit(t, sm, p)

	p = NewPending(next, nil, t0)
	r, err := DeletePool{Pool: 1, Confirm: true}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, Staged, r.Outcome)
	r, err = DeletePool{Pool: 1, Confirm: true}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPending, r.Outcome)
	next = commit(t, sm, p)
	_, ok := next.Pool(1)
	assert.False(t, ok)
	assert.Empty(t, next.PGTemp)
}

func TestTierRules(t *testing.T) {
	base := cluster(6)
	addPool(base, 1, 4)
	addPool(base, 2, 4)
	addPool(base, 3, 4)
	sm := newMachine(DefaultOptions())

	p := NewPending(base, nil, t0)
	_, err := TierAdd{Base: 1, Tier: 1}.Apply(sm, p)
	requireCode(t, err, EINVAL)
	_, err = TierAdd{Base: 1, Tier: 2}.Apply(sm, p)
	require.NoError(t, err)
	_, err = TierAdd{Base: 3, Tier: 2}.Apply(sm, p)
	requireCode(t, err, EBUSY)
	_, err = TierAdd{Base: 2, Tier: 3}.Apply(sm, p)
	requireCode(t, err, EBUSY)
	_, err = SetCacheMode{Tier: 1, Mode: osdmap.CacheModeWriteback}.Apply(sm, p)
	requireCode(t, err, EINVAL)
	_, err = SetCacheMode{Tier: 2, Mode: osdmap.CacheModeForward}.Apply(sm, p)
	requireCode(t, err, EINVAL)
	_, err = SetCacheMode{Tier: 2, Mode: osdmap.CacheModeWriteback}.Apply(sm, p)
	require.NoError(t, err)
	_, err = SetOverlay{Base: 1, Tier: 2}.Apply(sm, p)
	require.NoError(t, err)
	next := commit(t, sm, p)
	assert.Equal(t, osdmap.PoolID(2), next.Pools[1].ReadTier)

	p = NewPending(next, nil, t0)
	_, err = TierRemove{Base: 1, Tier: 2}.Apply(sm, p)
	requireCode(t, err, EBUSY)
	_, err = SetOverlay{Base: 1, Tier: osdmap.NoPool}.Apply(sm, p)
	require.NoError(t, err)
	_, err = TierRemove{Base: 1, Tier: 2}.Apply(sm, p)
	require.NoError(t, err)
	next = commit(t, sm, p)
	assert.False(t, next.Pools[2].IsTier())
	assert.Equal(t, osdmap.CacheModeNone, next.Pools[2].CacheMode)
}

func TestPGTemp(t *testing.T) {
	base := cluster(6)
	setDown(base, 5, t0)
	addPool(base, 1, 4)
	sm := newMachine(DefaultOptions())
	pg := osdmap.PGID{Pool: 1, Seed: 0}

	p := NewPending(base, nil, t0)
	_, err := SetPGTemp{PG: osdmap.PGID{Pool: 1, Seed: 9}, Devices: []osdmap.DeviceID{0}}.Apply(sm, p)
	requireCode(t, err, ENOENT)
	_, err = SetPGTemp{PG: pg, Devices: []osdmap.DeviceID{0, 5}}.Apply(sm, p)
	requireCode(t, err, EINVAL)
	_, err = SetPGTemp{PG: pg, Devices: []osdmap.DeviceID{0, 0}}.Apply(sm, p)
	requireCode(t, err, EINVAL)

	r, err := SetPGTemp{PG: pg, Devices: []osdmap.DeviceID{0, 1}}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, Staged, r.Outcome)
	r, err = SetPGTemp{PG: pg, Devices: []osdmap.DeviceID{0, 1}}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPending, r.Outcome)
	_, err = SetPGTemp{PG: pg, Devices: []osdmap.DeviceID{1, 2}}.Apply(sm, p)
	requireCode(t, err, EAGAIN)
	next := commit(t, sm, p)
	assert.Equal(t, []osdmap.DeviceID{0, 1}, next.PGTemp[pg])
	acting, err := next.PGToActingSet(osdmap.HashPlacer{}, pg)
	require.NoError(t, err)
	assert.Equal(t, []osdmap.DeviceID{0, 1}, acting)

	// an override naming a device that went down is dropped
	p = NewPending(next, nil, t0)
	_, err = MarkDown{ID: 0}.Apply(sm, p)
	require.NoError(t, err)
	next = commit(t, sm, p)
	assert.NotContains(t, next.PGTemp, pg)
}

func TestPrimePGTemp(t *testing.T) {
	base := cluster(6)
	addPool(base, 1, 16)
	opts := DefaultOptions()
	opts.PrimePGTempMaxTime = 5 * time.Second
	sm := newMachine(opts)

	job := remap.NewMapper(nil, 2, 4).Start(base)
	p := NewPending(base, nil, t0)
	_, err := MarkOut{ID: 0}.Apply(sm, p)
	require.NoError(t, err)
	sm.Finalize(p, job)

	mapping, ok := job.Wait(time.Second)
	require.True(t, ok)
	affected := mapping.ActingPGs(0)
	require.NotEmpty(t, affected)
	for _, pg := range affected {
		assert.Equal(t, mapping.Acting[pg], p.Inc.NewPGTemp[pg], pg.String())
	}
	for pg := range p.Inc.NewPGTemp {
		assert.Contains(t, affected, pg)
	}
}

func TestPrimePGTempBudgetUsesMonitorClock(t *testing.T) {
	base := cluster(6)
	addPool(base, 1, 512)
	opts := DefaultOptions()
	opts.PrimePGTempMaxTime = time.Nanosecond
	sm := newMachine(opts)

	job := remap.NewMapper(nil, 2, 64).Start(base)
	mapping, ok := job.Wait(5 * time.Second)
	require.True(t, ok)
	affected := mapping.ActingPGs(0)
	require.Greater(t, len(affected), 64)

	// the mock clock stands still, so the budget never runs out
	p := NewPending(base, nil, t0)
	_, err := MarkOut{ID: 0}.Apply(sm, p)
	require.NoError(t, err)
	sm.Finalize(p, job)
	assert.Len(t, p.Inc.NewPGTemp, len(affected))
}

func TestPrimePGTempIgnoresStaleJob(t *testing.T) {
	base := cluster(6)
	addPool(base, 1, 16)
	opts := DefaultOptions()
	opts.PrimePGTempMaxTime = 5 * time.Second
	sm := newMachine(opts)

	older := base.Clone()
	older.Epoch = 0
	job := remap.NewMapper(nil, 2, 4).Start(older)

	p := NewPending(base, nil, t0)
	_, err := MarkDown{ID: 0}.Apply(sm, p)
	require.NoError(t, err)
	sm.Finalize(p, job)
	assert.Empty(t, p.Inc.NewPGTemp)
}

func TestSnapshotRemovalAndPurge(t *testing.T) {
	base := cluster(6)
	addPool(base, 1, 4)
	sm := newMachine(DefaultOptions())

	p := NewPending(base, nil, t0)
	_, err := RemoveSnaps{Pool: 1, Snaps: []osdmap.SnapID{2, 3, 5}}.Apply(sm, p)
	require.NoError(t, err)
	r, err := RemoveSnaps{Pool: 1, Snaps: []osdmap.SnapID{3}}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPending, r.Outcome)
	next := commit(t, sm, p)
	queue := osdmap.SnapIntervalSet{{Start: 2, End: 4}, {Start: 5, End: 6}}
	assert.Equal(t, queue, next.RemovedSnapsQueue[1])
	assert.Equal(t, osdmap.SnapID(5), next.Pools[1].SnapSeq)
	assert.True(t, next.Pools[1].HasFlag(osdmap.PoolFlagSelfManagedSnaps))
	assert.Empty(t, next.Pools[1].RemovedSnaps)

	p = NewPending(next, nil, t0)
	r, err = RemoveSnaps{Pool: 1, Snaps: []osdmap.SnapID{5}}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, NoOp, r.Outcome)

	owners := sm.poolOwners(next, next.Pools[1])
	require.GreaterOrEqual(t, len(owners), 3)
	var ids []osdmap.DeviceID
	for id := range owners {
		ids = append(ids, id)
	}

	// a single reporter is not a majority
	_, err = PurgedSnapsReport{Device: ids[0], Pool: 1, Purged: osdmap.SnapIntervalSet{{Start: 2, End: 4}}}.Apply(sm, p)
	require.NoError(t, err)
	sm.prunePurgedSnaps(p)
	assert.Empty(t, p.Inc.NewPurgedSnaps)
	assert.False(t, sm.NeedsRound(nil, next, t0))

	for _, id := range ids {
		_, err = PurgedSnapsReport{Device: id, Pool: 1, Purged: osdmap.SnapIntervalSet{{Start: 2, End: 4}}}.Apply(sm, p)
		require.NoError(t, err)
	}
	assert.True(t, sm.NeedsRound(nil, next, t0))
	next = commit(t, sm, p)
	assert.Equal(t, osdmap.SnapIntervalSet{{Start: 5, End: 6}}, next.RemovedSnapsQueue[1])
	assert.Equal(t, osdmap.SnapIntervalSet{{Start: 2, End: 4}}, p.Inc.NewPurgedSnaps[1])
}

func TestPurgeBudget(t *testing.T) {
	queue := osdmap.SnapIntervalSet{{Start: 1, End: 10}}
	owners := map[osdmap.DeviceID]bool{0: true, 1: true, 2: true}
	reports := map[osdmap.DeviceID]osdmap.SnapIntervalSet{
		0: {{Start: 1, End: 6}},
		1: {{Start: 3, End: 10}},
		2: {{Start: 1, End: 4}},
		7: {{Start: 1, End: 10}},
	}
	got := corroborated(queue, reports, owners)
	assert.Equal(t, osdmap.SnapIntervalSet{{Start: 1, End: 6}}, got)
	assert.Equal(t, osdmap.SnapIntervalSet{{Start: 1, End: 3}}, got.Truncate(2))
}

func TestSnapsPropagateToTiers(t *testing.T) {
	base := cluster(6)
	addPool(base, 1, 4)
	addPool(base, 2, 4)
	sm := newMachine(DefaultOptions())

	p := NewPending(base, nil, t0)
	_, err := TierAdd{Base: 1, Tier: 2}.Apply(sm, p)
	require.NoError(t, err)
	next := commit(t, sm, p)

	p = NewPending(next, nil, t0)
	_, err = RemoveSnaps{Pool: 2, Snaps: []osdmap.SnapID{1}}.Apply(sm, p)
	requireCode(t, err, EINVAL)
	_, err = RemoveSnaps{Pool: 1, Snaps: []osdmap.SnapID{4}}.Apply(sm, p)
	require.NoError(t, err)
	next = commit(t, sm, p)
	assert.Equal(t, osdmap.SnapID(4), next.Pools[2].SnapSeq)
	assert.Equal(t, next.Epoch, next.Pools[2].SnapEpoch)
	assert.Equal(t, next.RemovedSnapsQueue[1], next.RemovedSnapsQueue[2])
}

func TestReleaseMigratesLegacyPools(t *testing.T) {
	base := cluster(6)
	base.RequireRelease = osdmap.ReleaseBase
	addPool(base, 1, 4)
	addPool(base, 2, 4)
	pool := base.Pools[2]
	pool.TierOf = 1
	pool.CacheMode = osdmap.CacheModeForward
	pool.RemovedSnaps = osdmap.SnapIntervalSet{{Start: 1, End: 3}}
	base.Pools[2] = pool
	sm := newMachine(DefaultOptions())

	p := NewPending(base, nil, t0)
	_, err := RemoveSnaps{Pool: 1, Snaps: []osdmap.SnapID{7}}.Apply(sm, p)
	require.NoError(t, err)
	assert.True(t, p.Next().Pools[1].RemovedSnaps.Contains(7))
	next := commit(t, sm, p)
	assert.True(t, next.Pools[1].RemovedSnaps.Contains(7))

	p = NewPending(next, nil, t0)
	_, err = RequireRelease{Release: osdmap.ReleasePurgedSnaps}.Apply(sm, p)
	require.NoError(t, err)
	next = commit(t, sm, p)
	assert.Equal(t, osdmap.ReleasePurgedSnaps, next.RequireRelease)
	assert.Equal(t, osdmap.CacheModeProxy, next.Pools[2].CacheMode)
	assert.Empty(t, next.Pools[2].RemovedSnaps)
	assert.Empty(t, next.Pools[1].RemovedSnaps)
	assert.Equal(t, osdmap.SnapIntervalSet{{Start: 1, End: 3}}, p.LegacyPurged[2])
	// still queued, so it is purged through the queue
	assert.NotContains(t, p.LegacyPurged, osdmap.PoolID(1))
}
