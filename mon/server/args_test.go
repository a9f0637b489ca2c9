package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/mapmon/mon/osdmap"
)

func decodeArgs(t *testing.T, body string) Args {
	var args Args
	require.NoError(t, json.Unmarshal([]byte(body), &args))
	return args
}

func TestArgReader(t *testing.T) {
	m := osdmap.NewGenesis("fsid", time.Unix(0, 0), nil)
	m.Pools[3] = osdmap.Pool{ID: 3, Name: "rbd", PGNum: 8}

	a := &argReader{args: decodeArgs(t, `{
		"id": 4, "pool": "rbd", "tier": 3, "pgid": "3.a", "expire": 1.5,
		"purged": [[4, 6], [6, 9], [12, 13]], "devices": [2, 0],
		"location": {"host": "h1"}, "clean": true}`)}
	assert.Equal(t, osdmap.DeviceID(4), a.device("id"))
	assert.Equal(t, osdmap.PoolID(3), a.pool(m, "pool"))
	assert.Equal(t, osdmap.PoolID(3), a.pool(m, "tier"))
	assert.Equal(t, osdmap.PGID{Pool: 3, Seed: 10}, a.pg("pgid"))
	assert.Equal(t, 1500*time.Millisecond, a.seconds("expire"))
	assert.Equal(t, time.Duration(0), a.seconds("missing"))
	assert.Equal(t, osdmap.SnapIntervalSet{{Start: 4, End: 9}, {Start: 12, End: 13}}, a.intervals("purged"))
	assert.Equal(t, []osdmap.DeviceID{2, 0}, a.devices("devices"))
	assert.Equal(t, map[string]string{"host": "h1"}, a.labels("location"))
	assert.True(t, a.bool("clean"))
	assert.False(t, a.bool("confirm"))
	assert.Nil(t, a.optDevice("reporter"))
	assert.NoError(t, a.err)
}

func TestArgReaderKeepsFirstError(t *testing.T) {
	tests := []struct {
		name string
		body string
		read func(a *argReader, m *osdmap.Map)
		arg  string
	}{
		{"missing", `{}`, func(a *argReader, m *osdmap.Map) { a.device("id") }, "id"},
		{"fraction", `{"id": 1.5}`, func(a *argReader, m *osdmap.Map) { a.device("id") }, "id"},
		{"negative", `{"id": -1}`, func(a *argReader, m *osdmap.Map) { a.device("id") }, "id"},
		{"unknown pool", `{"pool": "nope"}`, func(a *argReader, m *osdmap.Map) { a.pool(m, "pool") }, "pool"},
		{"bad pgid", `{"pgid": "x"}`, func(a *argReader, m *osdmap.Map) { a.pg("pgid") }, "pgid"},
		{"empty interval", `{"purged": [[5, 5]]}`, func(a *argReader, m *osdmap.Map) { a.intervals("purged") }, "purged"},
		{"first wins", `{"id": "a", "addr": 3}`, func(a *argReader, m *osdmap.Map) {
			a.device("id")
			a.string("addr")
		}, "id"},
	}
	m := osdmap.NewGenesis("fsid", time.Unix(0, 0), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &argReader{args: decodeArgs(t, tt.body)}
			tt.read(a, m)
			var bad *badArgs
			require.ErrorAs(t, a.err, &bad)
			assert.Equal(t, tt.arg, bad.name)
		})
	}
}
