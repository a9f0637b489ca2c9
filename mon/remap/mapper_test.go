package remap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/mapmon/mon/osdmap"
)

func testMap(devices int, pgNum uint32) *osdmap.Map {
	var devs []osdmap.Device
	for i := 0; i < devices; i++ {
		devs = append(devs, osdmap.Device{ID: osdmap.DeviceID(i), State: osdmap.StateUp, Weight: osdmap.WeightIn})
	}
	m := osdmap.NewGenesis("fsid", time.Unix(1000, 0), devs)
	m.Pools[1] = osdmap.Pool{ID: 1, Name: "rbd", Size: 3, MinSize: 2, PGNum: pgNum,
		TierOf: osdmap.NoPool, ReadTier: osdmap.NoPool, WriteTier: osdmap.NoPool}
	m.PoolMax = 1
	return m
}

func TestComputeMatchesSerialPlacement(t *testing.T) {
	m := testMap(8, 100)
	mapping, err := NewMapper(nil, 4, 7).Compute(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, m.Epoch, mapping.Epoch)
	assert.Len(t, mapping.Acting, 100)

	for _, pg := range m.Pools[1].PGs() {
		up, acting, err := m.PGToUpActing(osdmap.HashPlacer{}, pg)
		require.NoError(t, err)
		assert.Equal(t, up, mapping.Up[pg], pg.String())
		assert.Equal(t, acting, mapping.Acting[pg], pg.String())
		for _, d := range acting {
			assert.Contains(t, mapping.ActingPGs(d), pg)
		}
	}
	assert.Len(t, mapping.SortedPGs(), 100)
}

func TestComputeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMapper(nil, 2, 1).Compute(ctx, testMap(4, 64))
	assert.ErrorIs(t, err, ErrAborted)
}

func TestJobWait(t *testing.T) {
	j := NewMapper(nil, 2, 16).Start(testMap(6, 64))
	assert.Equal(t, osdmap.Epoch(1), j.Epoch())
	mapping, ok := j.Wait(10 * time.Second)
	require.True(t, ok)
	assert.Len(t, mapping.Acting, 64)
	assert.True(t, j.Ready())

	again, ok := j.Wait(0)
	assert.True(t, ok)
	assert.Same(t, mapping, again)
}

func TestAbortedJobIsDiscarded(t *testing.T) {
	j := NewMapper(nil, 2, 16).Start(testMap(6, 64))
	j.Abort()
	_, ok := j.Wait(10 * time.Second)
	assert.False(t, ok)
	assert.False(t, j.Ready())
}
