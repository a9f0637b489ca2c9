package membership

import (
	"fmt"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/mapmon/mon/failure"
	"github.com/seaweedfs/mapmon/mon/osdmap"
)

var t0 = time.Unix(1000000, 0)

func cluster(n int) *osdmap.Map {
	var devs []osdmap.Device
	for i := 0; i < n; i++ {
		devs = append(devs, osdmap.Device{
			ID:       osdmap.DeviceID(i),
			State:    osdmap.StateUp,
			Weight:   osdmap.WeightIn,
			Addr:     fmt.Sprintf("10.0.0.%d:6800", i),
			Location: map[string]string{"host": fmt.Sprintf("host%d", i)},
		})
	}
	return osdmap.NewGenesis("fsid", t0, devs)
}

func addPool(m *osdmap.Map, id osdmap.PoolID, pgNum uint32) {
	m.Pools[id] = osdmap.Pool{ID: id, Name: fmt.Sprintf("pool%d", id), Size: 3, MinSize: 2, PGNum: pgNum,
		TierOf: osdmap.NoPool, ReadTier: osdmap.NoPool, WriteTier: osdmap.NoPool, CacheMode: osdmap.CacheModeNone}
	if id > m.PoolMax {
		m.PoolMax = id
	}
}

func setDown(m *osdmap.Map, id osdmap.DeviceID, since time.Time) {
	d := m.Devices[id]
	d.State &^= osdmap.StateUp
	d.XInfo.DownStamp = since
	m.Devices[id] = d
}

func newMachine(opts Options) *Machine {
	fo := failure.DefaultOptions()
	fo.MinReporters = 1
	return NewMachine(opts, failure.New(fo, clock.NewMock()), nil)
}

func commit(t *testing.T, sm *Machine, p *Pending) *osdmap.Map {
	sm.Finalize(p, nil)
	next, err := p.Base.Apply(p.Inc)
	require.NoError(t, err)
	return next
}

func encoded(t *testing.T, inc *osdmap.Incremental) string {
	data, err := inc.Encode()
	require.NoError(t, err)
	return string(data)
}

func requireCode(t *testing.T, err error, code Code) {
	t.Helper()
	require.Error(t, err)
	got, ok := CodeOf(err)
	require.True(t, ok, "not a rejection: %v", err)
	assert.Equal(t, code, got, err.Error())
}

func TestRepeatedStimuliInOneRound(t *testing.T) {
	base := cluster(10)
	setDown(base, 3, t0)
	opts := DefaultOptions()
	opts.MinInRatio = 0.5
	sm := newMachine(opts)
	p := NewPending(base, nil, t0.Add(time.Minute))

	r, err := Boot{ID: 3, Addr: "10.0.0.3:6801", Clean: true}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, Staged, r.Outcome)
	before := encoded(t, p.Inc)
	r, err = Boot{ID: 3, Addr: "10.0.0.3:6801", Clean: true}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPending, r.Outcome)
	assert.Equal(t, before, encoded(t, p.Inc))

	r, err = MarkDown{ID: 5}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, Staged, r.Outcome)
	before = encoded(t, p.Inc)
	r, err = MarkDown{ID: 5}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPending, r.Outcome)
	assert.Equal(t, before, encoded(t, p.Inc))

	r, err = MarkOut{ID: 6}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, Staged, r.Outcome)
	before = encoded(t, p.Inc)
	r, err = MarkOut{ID: 6}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPending, r.Outcome)
	assert.Equal(t, before, encoded(t, p.Inc))

	next := commit(t, sm, p)
	assert.True(t, next.IsUp(3))
	assert.Equal(t, "10.0.0.3:6801", next.Devices[3].Addr)
	assert.Equal(t, osdmap.Epoch(2), next.Devices[3].UpFrom)
	assert.True(t, next.IsDown(5))
	assert.True(t, next.IsOut(6))
	assert.Equal(t, t0.Add(time.Minute), next.LastUpChange)

	// repeats against the committed map change nothing
	p = NewPending(next, p.Creating, t0.Add(2*time.Minute))
	for _, s := range []Stimulus{
		Boot{ID: 3, Addr: "10.0.0.3:6801"},
		MarkDown{ID: 5},
		MarkOut{ID: 6},
	} {
		r, err := s.Apply(sm, p)
		require.NoError(t, err)
		assert.Equal(t, NoOp, r.Outcome, s.Kind())
	}
	assert.True(t, p.Empty())
}

func TestUpRatioFloor(t *testing.T) {
	base := cluster(10)
	opts := DefaultOptions()
	opts.MinUpRatio = 0.8
	sm := newMachine(opts)
	p := NewPending(base, nil, t0)

	_, err := MarkDown{ID: 0}.Apply(sm, p)
	require.NoError(t, err)
	_, err = MarkDown{ID: 1}.Apply(sm, p)
	require.NoError(t, err)
	before := encoded(t, p.Inc)
	_, err = MarkDown{ID: 2}.Apply(sm, p)
	requireCode(t, err, EPERM)
	assert.Equal(t, before, encoded(t, p.Inc))

	next := commit(t, sm, p)
	_, up, _ := next.NumDevices()
	assert.Equal(t, 8, up)

	p = NewPending(next, p.Creating, t0)
	_, err = MarkDown{ID: 2}.Apply(sm, p)
	requireCode(t, err, EPERM)
}

func TestInRatioFloorAndFlags(t *testing.T) {
	base := cluster(4)
	sm := newMachine(DefaultOptions())
	p := NewPending(base, nil, t0)

	// 3 of 4 in is exactly the default floor
	_, err := MarkOut{ID: 0}.Apply(sm, p)
	require.NoError(t, err)
	_, err = MarkOut{ID: 1}.Apply(sm, p)
	requireCode(t, err, EPERM)

	_, err = SetFlag{Name: "nodown", On: true}.Apply(sm, p)
	require.NoError(t, err)
	_, err = MarkDown{ID: 2}.Apply(sm, p)
	requireCode(t, err, EPERM)

	_, err = SetFlag{Name: "bogus", On: true}.Apply(sm, p)
	requireCode(t, err, EINVAL)

	_, err = DeviceFlag{ID: 3, Flag: "noup", On: true}.Apply(sm, p)
	require.NoError(t, err)
	next := commit(t, sm, p)
	assert.True(t, next.TestFlag(osdmap.FlagNoDown))
	assert.True(t, next.DeviceFlag(3, osdmap.StateNoUp, osdmap.FlagNoUp))

	p = NewPending(next, nil, t0)
	r, err := SetFlag{Name: "nodown", On: true}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, NoOp, r.Outcome)
}

func TestCreateDevice(t *testing.T) {
	base := cluster(3)
	sm := newMachine(DefaultOptions())
	u1 := "0b5c36d4-0e07-4a49-9d7b-8f4c8f0e1a01"
	u2 := "0b5c36d4-0e07-4a49-9d7b-8f4c8f0e1a02"

	p := NewPending(base, nil, t0)
	_, err := CreateDevice{UUID: "not-a-uuid"}.Apply(sm, p)
	requireCode(t, err, EINVAL)

	r, err := CreateDevice{UUID: u1}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, Staged, r.Outcome)
	assert.Equal(t, osdmap.DeviceID(3), r.Value)

	_, err = CreateDevice{UUID: u1}.Apply(sm, p)
	requireCode(t, err, EAGAIN)

	id := osdmap.DeviceID(1)
	_, err = CreateDevice{UUID: u2, ID: &id}.Apply(sm, p)
	requireCode(t, err, EEXIST)

	next := commit(t, sm, p)
	d, ok := next.Device(3)
	require.True(t, ok)
	assert.Equal(t, u1, d.UUID)
	assert.True(t, d.IsNew())
	assert.False(t, d.IsUp())
	assert.Equal(t, osdmap.WeightOut, d.Weight)
	assert.Equal(t, osdmap.DeviceID(4), next.MaxDevice)

	p = NewPending(next, nil, t0)
	r, err = CreateDevice{UUID: u1}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, NoOp, r.Outcome)
	assert.Equal(t, osdmap.DeviceID(3), r.Value)

	other := osdmap.DeviceID(7)
	_, err = CreateDevice{UUID: u1, ID: &other}.Apply(sm, p)
	requireCode(t, err, EEXIST)

	r, err = CreateDevice{UUID: u2, ID: &other}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, other, r.Value)
	next = commit(t, sm, p)
	assert.Equal(t, osdmap.DeviceID(8), next.MaxDevice)
	assert.True(t, next.Exists(7))
}

func TestDestroyAndReuse(t *testing.T) {
	base := cluster(4)
	setDown(base, 1, t0)
	sm := newMachine(DefaultOptions())

	p := NewPending(base, nil, t0)
	_, err := Destroy{ID: 2}.Apply(sm, p)
	requireCode(t, err, EBUSY)
	requireCode(t, Destroy{ID: 2}.Validate(sm, p), EBUSY)
	assert.NoError(t, Destroy{ID: 1}.Validate(sm, p))
	assert.True(t, p.Empty())

	r, err := Destroy{ID: 1}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, Staged, r.Outcome)
	r, err = Destroy{ID: 1}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPending, r.Outcome)
	next := commit(t, sm, p)
	assert.True(t, next.IsDestroyed(1))
	assert.Empty(t, next.Devices[1].UUID)
	assert.True(t, next.IsOut(1))

	p = NewPending(next, nil, t0)
	_, err = Boot{ID: 1, Addr: "10.0.0.1:7000"}.Apply(sm, p)
	requireCode(t, err, EPERM)
	u := "5f0c36d4-0e07-4a49-9d7b-8f4c8f0e1a99"
	r, err = CreateDevice{UUID: u}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, osdmap.DeviceID(1), r.Value)
	next = commit(t, sm, p)
	assert.False(t, next.IsDestroyed(1))
	assert.True(t, next.Devices[1].IsNew())
	assert.Equal(t, u, next.Devices[1].UUID)
	assert.Equal(t, osdmap.DeviceID(4), next.MaxDevice)
}

func TestRemoveLeavesHole(t *testing.T) {
	base := cluster(4)
	setDown(base, 2, t0)
	sm := newMachine(DefaultOptions())

	p := NewPending(base, nil, t0)
	_, err := Remove{ID: 1}.Apply(sm, p)
	requireCode(t, err, EBUSY)
	p.Metadata[2] = map[string]string{"hostname": "node2"}
	r, err := Remove{ID: 2}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, Staged, r.Outcome)
	assert.True(t, p.MetadataRemoved[2])
	assert.NotContains(t, p.Metadata, osdmap.DeviceID(2))
	next := commit(t, sm, p)
	assert.False(t, next.Exists(2))
	_, found := next.Devices[2]
	assert.False(t, found)

	p = NewPending(next, nil, t0)
	r, err = Remove{ID: 2}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, NoOp, r.Outcome)
	r, err = CreateDevice{UUID: "5f0c36d4-0e07-4a49-9d7b-8f4c8f0e1a11"}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, osdmap.DeviceID(2), r.Value)
}

func TestBootLaggyHistory(t *testing.T) {
	base := cluster(4)
	setDown(base, 1, t0)
	setDown(base, 2, t0)
	sm := newMachine(DefaultOptions())
	p := NewPending(base, nil, t0.Add(100*time.Second))

	_, err := Boot{ID: 1, Addr: "10.0.0.1:6801"}.Apply(sm, p)
	require.NoError(t, err)
	x := p.XInfo(1)
	assert.InDelta(t, 30.0, x.LaggyInterval, 1e-9)
	assert.InDelta(t, 0.3, x.LaggyProbability, 1e-9)

	// clamped to the max interval
	p = NewPending(base, nil, t0.Add(time.Hour))
	_, err = Boot{ID: 2, Addr: "10.0.0.2:6801"}.Apply(sm, p)
	require.NoError(t, err)
	assert.InDelta(t, 90.0, p.XInfo(2).LaggyInterval, 1e-9)

	d := base.Devices[1]
	d.XInfo.LaggyProbability = 0.5
	d.XInfo.LaggyInterval = 40
	base.Devices[1] = d
	p = NewPending(base, nil, t0.Add(time.Hour))
	_, err = Boot{ID: 1, Addr: "10.0.0.1:6801", Clean: true}.Apply(sm, p)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, p.XInfo(1).LaggyProbability, 1e-9)
	assert.InDelta(t, 28.0, p.XInfo(1).LaggyInterval, 1e-9)
}

func TestBootNewAddressWhileUp(t *testing.T) {
	base := cluster(4)
	sm := newMachine(DefaultOptions())
	p := NewPending(base, nil, t0)

	r, err := Boot{ID: 1, Addr: base.Devices[1].Addr}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, NoOp, r.Outcome)

	r, err = Boot{ID: 1, Addr: "10.0.0.1:7000"}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, Requeue, r.Outcome)
	assert.False(t, p.Next().IsUp(1))
	next := commit(t, sm, p)
	assert.True(t, next.IsDown(1))

	p = NewPending(next, nil, t0.Add(time.Second))
	r, err = Boot{ID: 1, Addr: "10.0.0.1:7000"}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, Staged, r.Outcome)
	_, err = Boot{ID: 1, Addr: "10.0.0.1:7001"}.Apply(sm, p)
	requireCode(t, err, EAGAIN)
	_, err = MarkDown{ID: 1}.Apply(sm, p)
	requireCode(t, err, EAGAIN)
}

func TestBootAutoMarkIn(t *testing.T) {
	base := cluster(4)
	sm := newMachine(DefaultOptions())
	u := "5f0c36d4-0e07-4a49-9d7b-8f4c8f0e1a55"
	p := NewPending(base, nil, t0)
	r, err := CreateDevice{UUID: u}.Apply(sm, p)
	require.NoError(t, err)
	id := r.Value.(osdmap.DeviceID)
	next := commit(t, sm, p)

	p = NewPending(next, nil, t0)
	meta := map[string]string{"hostname": "node4"}
	_, err = Boot{ID: id, Addr: "10.0.0.4:6800", UUID: u, Clean: true, Metadata: meta}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, meta, p.Metadata[id])
	next = commit(t, sm, p)
	d, _ := next.Device(id)
	assert.True(t, d.IsUp())
	assert.False(t, d.IsNew())
	assert.Equal(t, osdmap.WeightIn, d.Weight)

	_, err = Boot{ID: 9, Addr: "x"}.Apply(sm, NewPending(next, nil, t0))
	requireCode(t, err, ENOENT)
}

func TestOutRemembersWeight(t *testing.T) {
	base := cluster(10)
	d := base.Devices[4]
	d.Weight = 0x8000
	base.Devices[4] = d
	sm := newMachine(DefaultOptions())

	p := NewPending(base, nil, t0)
	_, err := MarkOut{ID: 4}.Apply(sm, p)
	require.NoError(t, err)
	next := commit(t, sm, p)
	assert.Equal(t, uint32(0x8000), next.Devices[4].XInfo.OldWeight)
	assert.True(t, next.IsOut(4))

	p = NewPending(next, nil, t0)
	r, err := MarkIn{ID: 4}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, Staged, r.Outcome)
	next = commit(t, sm, p)
	assert.Equal(t, uint32(0x8000), next.Weight(4))
	assert.Zero(t, next.Devices[4].XInfo.OldWeight)
}

func TestDownOutAndAutoIn(t *testing.T) {
	base := cluster(10)
	setDown(base, 4, t0)
	fo := failure.DefaultOptions()
	fo.AdjustDownOutInterval = false
	sm := NewMachine(DefaultOptions(), failure.New(fo, clock.NewMock()), nil)
	sm.Detector().Forget(base, t0)

	p := NewPending(base, nil, t0.Add(599*time.Second))
	assert.Zero(t, sm.HandleDownOut(p))
	p = NewPending(base, nil, t0.Add(601*time.Second))
	assert.Equal(t, 1, sm.HandleDownOut(p))
	next := commit(t, sm, p)
	assert.True(t, next.IsOut(4))
	assert.True(t, next.Devices[4].IsAutoOut())
	assert.Equal(t, osdmap.WeightIn, next.Devices[4].XInfo.OldWeight)

	p = NewPending(next, nil, t0.Add(time.Hour))
	_, err := Boot{ID: 4, Addr: "10.0.0.4:6801"}.Apply(sm, p)
	require.NoError(t, err)
	next = commit(t, sm, p)
	assert.True(t, next.IsIn(4))
	assert.False(t, next.Devices[4].IsAutoOut())
}

func TestFailureReportMarksDown(t *testing.T) {
	base := cluster(6)
	sm := newMachine(DefaultOptions())

	p := NewPending(base, nil, t0)
	r, err := FailureReport{Target: 5, Reporter: 0, FailedSince: t0, Token: "tok"}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, NoOp, r.Outcome)
	assert.True(t, p.Empty())

	_, err = FailureReport{Target: 5, Reporter: 9}.Apply(sm, p)
	requireCode(t, err, EPERM)

	p = NewPending(base, nil, t0.Add(10*time.Second))
	assert.Zero(t, sm.CheckFailures(p))
	p = NewPending(base, nil, t0.Add(25*time.Second))
	assert.Equal(t, 1, sm.CheckFailures(p))
	next := commit(t, sm, p)
	assert.True(t, next.IsDown(5))
	assert.Equal(t, []string{"tok"}, sm.Detector().Forget(next, t0.Add(25*time.Second)))
}

func TestCancelFailure(t *testing.T) {
	base := cluster(6)
	sm := newMachine(DefaultOptions())
	p := NewPending(base, nil, t0)
	_, err := FailureReport{Target: 5, Reporter: 0, FailedSince: t0, Token: "a"}.Apply(sm, p)
	require.NoError(t, err)
	r, err := CancelFailure{Target: 5, Reporter: 0}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, r.Value)

	p = NewPending(base, nil, t0.Add(time.Hour))
	assert.Zero(t, sm.CheckFailures(p))
}

func TestBlacklist(t *testing.T) {
	base := cluster(3)
	sm := newMachine(DefaultOptions())
	p := NewPending(base, nil, t0)
	_, err := BlacklistAdd{Addr: "10.0.0.9:0", Expire: time.Minute}.Apply(sm, p)
	require.NoError(t, err)
	next := commit(t, sm, p)
	assert.True(t, next.IsBlacklisted("10.0.0.9:0", t0))

	p = NewPending(next, nil, t0.Add(30*time.Second))
	assert.Zero(t, sm.ExpireBlacklist(p))
	p = NewPending(next, nil, t0.Add(2*time.Minute))
	assert.Equal(t, 1, sm.ExpireBlacklist(p))
	next = commit(t, sm, p)
	assert.Empty(t, next.Blacklist)

	p = NewPending(next, nil, t0)
	r, err := BlacklistRemove{Addr: "10.0.0.9:0"}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, NoOp, r.Outcome)
}

func TestRequireReleaseAndCrush(t *testing.T) {
	base := cluster(3)
	sm := newMachine(DefaultOptions())
	p := NewPending(base, nil, t0)
	_, err := RequireRelease{Release: osdmap.ReleaseBase}.Apply(sm, p)
	requireCode(t, err, EPERM)
	r, err := RequireRelease{Release: osdmap.ReleasePurgedSnaps}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, NoOp, r.Outcome)

	r, err = SetCrush{Blob: []byte("rule")}.Apply(sm, p)
	require.NoError(t, err)
	assert.Equal(t, Staged, r.Outcome)
	_, err = SetCrush{Blob: []byte("other")}.Apply(sm, p)
	requireCode(t, err, EAGAIN)
	next := commit(t, sm, p)
	assert.Equal(t, uint64(1), next.Crush.Version)
}
