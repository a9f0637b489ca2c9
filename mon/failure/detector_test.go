package failure

import (
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/mapmon/mon/osdmap"
)

func testMap(n int, loc func(i int) map[string]string) *osdmap.Map {
	var devs []osdmap.Device
	for i := 0; i < n; i++ {
		d := osdmap.Device{ID: osdmap.DeviceID(i), State: osdmap.StateExists | osdmap.StateUp, Weight: osdmap.WeightIn}
		if loc != nil {
			d.Location = loc(i)
		}
		devs = append(devs, d)
	}
	return osdmap.NewGenesis("fsid", time.Unix(0, 0), devs)
}

func TestGraceDecaysWithLaggyHistory(t *testing.T) {
	m := testMap(3, nil)
	d := m.Devices[2]
	d.XInfo.LaggyProbability = 0.9
	d.XInfo.LaggyInterval = 300
	m.Devices[2] = d

	opts := DefaultOptions()
	opts.MinReporters = 1
	det := New(opts, clock.NewMock())
	start := time.Unix(1000, 0)
	det.AddReport(2, 1, start, "")

	assert.False(t, det.CheckFailure(m, 2, start.Add(20*time.Second)).MarkDown)
	assert.False(t, det.CheckFailure(m, 2, start.Add(270*time.Second)).MarkDown)
	dec := det.CheckFailure(m, 2, start.Add(300*time.Second))
	assert.True(t, dec.MarkDown)
	assert.InDelta(t, 275, dec.Grace.Seconds(), 2)

	triggered := false
	for s := 0; s <= 900; s += 5 {
		got := det.CheckFailure(m, 2, start.Add(time.Duration(s)*time.Second)).MarkDown
		if triggered {
			assert.True(t, got, "flipped back at %ds", s)
		}
		triggered = triggered || got
	}
	assert.True(t, triggered)
}

func TestReportersGroupedBySubtree(t *testing.T) {
	m := testMap(6, func(i int) map[string]string {
		return map[string]string{"host": []string{"a", "a", "a", "b", "b", "c"}[i]}
	})
	opts := DefaultOptions()
	opts.MinReporters = 2
	det := New(opts, clock.NewMock())
	start := time.Unix(1000, 0)
	late := start.Add(time.Minute)

	det.AddReport(5, 0, start, "")
	det.AddReport(5, 1, start, "")
	det.AddReport(5, 2, start, "")
	dec := det.CheckFailure(m, 5, late)
	assert.Equal(t, 1, dec.Groups)
	assert.False(t, dec.MarkDown)

	det.AddReport(5, 3, start, "")
	dec = det.CheckFailure(m, 5, late)
	assert.Equal(t, 2, dec.Groups)
	assert.True(t, dec.MarkDown)
}

func TestReportersWithoutLocationCountAlone(t *testing.T) {
	m := testMap(4, nil)
	det := New(DefaultOptions(), clock.NewMock())
	start := time.Unix(1000, 0)
	det.AddReport(3, 0, start, "")
	det.AddReport(3, 1, start, "")
	dec := det.CheckFailure(m, 3, start.Add(time.Minute))
	assert.Equal(t, 2, dec.Groups)
	assert.True(t, dec.MarkDown)
}

func TestFailedSinceIsEarliest(t *testing.T) {
	det := New(DefaultOptions(), clock.NewMock())
	det.AddReport(1, 2, time.Unix(50, 0), "")
	det.AddReport(1, 3, time.Unix(20, 0), "")
	f, ok := det.Report(1)
	require.True(t, ok)
	assert.Equal(t, time.Unix(20, 0), f.FailedSince())
}

func TestCancelReport(t *testing.T) {
	det := New(DefaultOptions(), clock.NewMock())
	det.AddReport(1, 2, time.Unix(50, 0), "t2")
	det.AddReport(1, 3, time.Unix(50, 0), "t3")

	tokens, found := det.CancelReport(1, 2)
	assert.True(t, found)
	assert.Equal(t, []string{"t2"}, tokens)
	_, ok := det.Report(1)
	assert.True(t, ok)

	_, found = det.CancelReport(1, 9)
	assert.False(t, found)

	det.CancelReport(1, 3)
	_, ok = det.Report(1)
	assert.False(t, ok)
	assert.Empty(t, det.Pending())
}

func TestUnknownReportersAreDropped(t *testing.T) {
	m := testMap(2, nil)
	opts := DefaultOptions()
	opts.MinReporters = 1
	det := New(opts, clock.NewMock())
	det.AddReport(1, 7, time.Unix(0, 0), "t7")
	det.AddReport(1, 6, time.Unix(0, 0), "t6")
	dec := det.CheckFailure(m, 1, time.Unix(3600, 0))
	assert.False(t, dec.MarkDown)
	_, ok := det.Report(1)
	assert.False(t, ok)
	assert.Equal(t, []string{"t6", "t7"}, det.Dropped())
	assert.Empty(t, det.Dropped())
}

func TestTimeoutSweepWaitsAfterLeadership(t *testing.T) {
	m := testMap(3, nil)
	opts := DefaultOptions()
	opts.ReportTimeout = 100 * time.Second
	det := New(opts, clock.NewMock())
	leader := time.Unix(1000, 0)
	det.SetLeader(leader, m)

	assert.Empty(t, det.TimedOut(m, leader.Add(50*time.Second)))
	// first sweep past the grace starts the timers of silent devices
	assert.Empty(t, det.TimedOut(m, leader.Add(100*time.Second)))
	det.Beacon(0, leader.Add(150*time.Second))
	det.Beacon(1, leader.Add(150*time.Second))
	assert.Equal(t, []osdmap.DeviceID{2}, det.TimedOut(m, leader.Add(201*time.Second)))
}

func TestForgetAndDownOut(t *testing.T) {
	m := testMap(3, nil)
	opts := DefaultOptions()
	opts.DownOutInterval = 600 * time.Second
	det := New(opts, clock.NewMock())
	det.AddReport(1, 0, time.Unix(0, 0), "tok")

	inc := osdmap.NewIncremental(2, m.FSID)
	inc.Modified = time.Unix(100, 0)
	inc.NewState = map[osdmap.DeviceID]uint32{1: osdmap.StateUp}
	next, err := m.Apply(inc)
	require.NoError(t, err)

	tokens := det.Forget(next, time.Unix(100, 0))
	assert.Equal(t, []string{"tok"}, tokens)
	assert.Empty(t, det.Pending())

	assert.Empty(t, det.DueForOut(next, time.Unix(600, 0)))
	assert.Equal(t, []osdmap.DeviceID{1}, det.DueForOut(next, time.Unix(700, 0)))
	det.StopDownOut(1)
	assert.Empty(t, det.DueForOut(next, time.Unix(800, 0)))
}
