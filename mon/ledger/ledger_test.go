package ledger

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/store"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func genesis() *osdmap.Map {
	var devs []osdmap.Device
	for i := 0; i < 3; i++ {
		devs = append(devs, osdmap.Device{ID: osdmap.DeviceID(i), State: osdmap.StateExists | osdmap.StateUp, Weight: osdmap.WeightIn})
	}
	return osdmap.NewGenesis("fsid", t0, devs)
}

func newLedger(t *testing.T, s store.Store, prune PruneOptions, c Compression) *Ledger {
	l, err := New(s, Options{Compression: c, CacheSize: 16, Prune: prune})
	require.NoError(t, err)
	return l
}

func bootstrap(t *testing.T, l *Ledger) *osdmap.Map {
	m := genesis()
	tx := store.NewTransaction()
	require.NoError(t, l.EncodeGenesis(tx, m))
	require.NoError(t, l.Commit(tx))
	return m
}

// advance commits one epoch that flips the weight of one device
func advance(t *testing.T, l *Ledger, cur *osdmap.Map) *osdmap.Map {
	inc := osdmap.NewIncremental(cur.Epoch+1, cur.FSID)
	inc.Modified = t0.Add(time.Duration(inc.Epoch) * time.Second)
	id := osdmap.DeviceID(inc.Epoch % 3)
	w := osdmap.WeightIn
	if cur.Weight(id) == osdmap.WeightIn {
		w = osdmap.WeightIn / 2
	}
	inc.NewWeight = map[osdmap.DeviceID]uint32{id: w}
	tx := store.NewTransaction()
	next, err := l.EncodePending(tx, cur, inc)
	require.NoError(t, err)
	require.NoError(t, l.Commit(tx))
	return next
}

func countFulls(t *testing.T, s store.Store) int {
	it := s.NewIterator(NamespaceMap)
	defer it.Release()
	n := 0
	for it.LowerBound("full_"); it.Valid() && strings.HasPrefix(it.Key(), "full_"); it.Next() {
		n++
	}
	return n
}

var testPrune = PruneOptions{Enabled: true, MinRetained: 50, Min: 10, Interval: 10, TxSize: 100}

func TestPruneKeepsEveryEpochReachable(t *testing.T) {
	s := store.NewMemoryStore()
	l := newLedger(t, s, testPrune, CompressionSnappy)
	cur := bootstrap(t, l)

	truth := map[osdmap.Epoch]uint32{}
	crc, err := cur.CRC()
	require.NoError(t, err)
	truth[cur.Epoch] = crc
	for i := 0; i < 1000; i++ {
		cur = advance(t, l, cur)
		crc, err := cur.CRC()
		require.NoError(t, err)
		truth[cur.Epoch] = crc
	}
	assert.Equal(t, osdmap.Epoch(1), l.FirstCommitted())
	assert.Equal(t, osdmap.Epoch(1001), l.LastCommitted())

	fulls := countFulls(t, s)
	assert.Less(t, fulls, 150)
	manifest := l.Manifest()
	assert.Equal(t, osdmap.Epoch(1), manifest.FirstPinned())
	assert.Equal(t, osdmap.Epoch(951), manifest.LastPinned())
	assert.Equal(t, 96, manifest.Len())

	// a fresh ledger has nothing cached and must rebuild
	fresh := newLedger(t, s, testPrune, CompressionSnappy)
	for e := osdmap.Epoch(1); e <= 1001; e++ {
		m, err := fresh.GetFull(e)
		require.NoError(t, err, "epoch %d", e)
		got, err := m.CRC()
		require.NoError(t, err)
		assert.Equal(t, truth[e], got, "epoch %d", e)
	}
	for e := osdmap.Epoch(1001 - 49); e <= 1001; e++ {
		assert.True(t, fresh.HasFull(e), "epoch %d must keep its full map", e)
	}
}

func TestIncrementalChain(t *testing.T) {
	s := store.NewMemoryStore()
	l := newLedger(t, s, PruneOptions{Enabled: true, MinRetained: 5, Min: 4, Interval: 4, TxSize: 10}, CompressionZstd)
	cur := bootstrap(t, l)
	for i := 0; i < 40; i++ {
		cur = advance(t, l, cur)
	}
	for e := l.FirstCommitted(); e < l.LastCommitted(); e++ {
		full, err := l.GetFull(e)
		require.NoError(t, err)
		inc, err := l.GetIncremental(e)
		require.NoError(t, err)
		applied, err := full.Apply(inc)
		require.NoError(t, err)
		crc, err := applied.CRC()
		require.NoError(t, err)
		assert.Equal(t, inc.FullCRC, crc)

		next, err := l.GetFull(e + 1)
		require.NoError(t, err)
		nextCRC, err := next.CRC()
		require.NoError(t, err)
		assert.Equal(t, inc.FullCRC, nextCRC)
	}
	_, err := l.GetIncremental(l.LastCommitted())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.GetFull(l.LastCommitted() + 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRebuildDetectsCRCMismatch(t *testing.T) {
	s := store.NewMemoryStore()
	l := newLedger(t, s, PruneOptions{Enabled: true, MinRetained: 5, Min: 4, Interval: 4, TxSize: 10}, CompressionNone)
	cur := bootstrap(t, l)
	for i := 0; i < 20; i++ {
		cur = advance(t, l, cur)
	}
	require.False(t, l.HasFull(3))

	inc, err := l.loadIncremental(3)
	require.NoError(t, err)
	inc.FullCRC++
	data, err := inc.Encode()
	require.NoError(t, err)
	tx := store.NewTransaction()
	tx.Put(NamespaceMap, incrementalKey(3), compress(CompressionNone, data))
	require.NoError(t, s.Apply(tx))

	fresh := newLedger(t, s, PruneOptions{}, CompressionNone)
	_, err = fresh.GetFull(3)
	assert.ErrorIs(t, err, ErrCorrupt)
	_, err = fresh.GetFull(1)
	assert.NoError(t, err)
}

func TestShouldPrune(t *testing.T) {
	l := newLedger(t, store.NewMemoryStore(), testPrune, CompressionNone)
	assert.False(t, l.ShouldPrune(1, 51))
	assert.False(t, l.ShouldPrune(1, 60))
	assert.True(t, l.ShouldPrune(1, 61))

	disabled := newLedger(t, store.NewMemoryStore(), PruneOptions{Enabled: true, MinRetained: 50, Min: 10, Interval: 1, TxSize: 100}, CompressionNone)
	assert.False(t, disabled.ShouldPrune(1, 1000))
}

func TestSanitizePruneOptions(t *testing.T) {
	assert.NoError(t, testPrune.Sanitize())
	for _, o := range []PruneOptions{
		{Min: 10, Interval: 0, TxSize: 100},
		{Min: 10, Interval: 1, TxSize: 100},
		{Min: 0, Interval: 10, TxSize: 100},
		{Min: 5, Interval: 10, TxSize: 100},
		{Min: 10, Interval: 10, TxSize: 5},
	} {
		assert.Error(t, o.Sanitize(), "%+v", o)
	}
}

func TestTrim(t *testing.T) {
	s := store.NewMemoryStore()
	prune := PruneOptions{Enabled: true, MinRetained: 5, Min: 4, Interval: 4, TxSize: 10}
	l := newLedger(t, s, prune, CompressionSnappy)
	cur := bootstrap(t, l)
	for i := 0; i < 30; i++ {
		cur = advance(t, l, cur)
	}
	want, err := l.GetFull(11)
	require.NoError(t, err)
	wantCRC, err := want.CRC()
	require.NoError(t, err)
	require.False(t, l.HasFull(11))

	tx := store.NewTransaction()
	require.NoError(t, l.Trim(tx, 11))
	require.NoError(t, l.Commit(tx))

	assert.Equal(t, osdmap.Epoch(11), l.FirstCommitted())
	assert.True(t, l.HasFull(11))
	assert.Equal(t, osdmap.Epoch(11), l.Manifest().FirstPinned())
	_, err = l.GetFull(10)
	assert.ErrorIs(t, err, ErrNotFound)

	fresh := newLedger(t, s, prune, CompressionSnappy)
	for e := osdmap.Epoch(11); e <= fresh.LastCommitted(); e++ {
		_, err := fresh.GetFull(e)
		require.NoError(t, err, "epoch %d", e)
	}
	got, err := fresh.GetFull(11)
	require.NoError(t, err)
	gotCRC, err := got.CRC()
	require.NoError(t, err)
	assert.Equal(t, wantCRC, gotCRC)

	tx = store.NewTransaction()
	assert.Error(t, l.Trim(tx, l.LastCommitted()-2))
}

func TestSnapRecords(t *testing.T) {
	s := store.NewMemoryStore()
	l := newLedger(t, s, PruneOptions{}, CompressionNone)

	tx := store.NewTransaction()
	require.NoError(t, l.EncodeRemovedSnaps(tx, 1, osdmap.SnapIntervalSet{{Start: 3, End: 5}}, 2))
	require.NoError(t, l.EncodeRemovedSnaps(tx, 10, osdmap.SnapIntervalSet{{Start: 1, End: 2}}, 2))
	require.NoError(t, l.Commit(tx))

	tx = store.NewTransaction()
	require.NoError(t, l.EncodeRemovedSnaps(tx, 1, osdmap.SnapIntervalSet{{Start: 1, End: 3}, {Start: 5, End: 7}, {Start: 20, End: 21}}, 3))
	require.NoError(t, l.Commit(tx))

	records, err := l.snapRecords(SnapRemoved, 1)
	require.NoError(t, err)
	assert.Equal(t, []SnapRecord{{Begin: 1, End: 7, Epoch: 3}, {Begin: 20, End: 21, Epoch: 3}}, records)

	r, found, err := l.LookupSnap(SnapRemoved, 1, 4)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, SnapRecord{Begin: 1, End: 7, Epoch: 3}, r)

	_, found, err = l.LookupSnap(SnapRemoved, 1, 10)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = l.LookupSnap(SnapRemoved, 1, 30)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = l.LookupSnap(SnapRemoved, 10, 1)
	require.NoError(t, err)
	assert.True(t, found)

	tx = store.NewTransaction()
	purged := map[osdmap.PoolID]osdmap.SnapIntervalSet{1: {{Start: 1, End: 4}}}
	require.NoError(t, l.EncodePurgedSnaps(tx, purged, 4))
	require.NoError(t, l.Commit(tx))
	at, err := l.PurgedAt(4)
	require.NoError(t, err)
	assert.Equal(t, purged, at)
	_, found, err = l.LookupSnap(SnapPurged, 1, 3)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMetadataAndCreating(t *testing.T) {
	s := store.NewMemoryStore()
	l := newLedger(t, s, PruneOptions{}, CompressionNone)
	data, err := l.PGCreating()
	require.NoError(t, err)
	assert.Nil(t, data)

	tx := store.NewTransaction()
	require.NoError(t, l.PutMetadata(tx, 3, map[string]string{"hostname": "node3"}))
	l.PutPGCreating(tx, []byte(`{"pgs":{}}`))
	require.NoError(t, l.Commit(tx))

	meta, err := l.Metadata(3)
	require.NoError(t, err)
	assert.Equal(t, "node3", meta["hostname"])
	data, err = l.PGCreating()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"pgs":{}}`), data)

	tx = store.NewTransaction()
	l.EraseMetadata(tx, 3)
	require.NoError(t, l.Commit(tx))
	_, err = l.Metadata(3)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
