package command

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/mapmon/mon/failure"
	"github.com/seaweedfs/mapmon/mon/ledger"
	"github.com/seaweedfs/mapmon/mon/membership"
	"github.com/seaweedfs/mapmon/mon/util"
)

func TestDefaultsMatchComponents(t *testing.T) {
	o, err := loadMonitorOptions(util.NewViper())
	require.NoError(t, err)
	assert.Equal(t, membership.DefaultOptions(), o.membership)
	assert.Equal(t, failure.DefaultOptions(), o.failure)
	assert.Equal(t, ledger.CompressionSnappy, o.ledger.Compression)
	assert.NoError(t, o.ledger.Prune.Sanitize())
	assert.Equal(t, time.Second, o.proposal.ProposeInterval)
	assert.Equal(t, ":9333", o.httpAddress)
	assert.Equal(t, "./mapmon-data", o.raft.DataDir)
}

func TestScaffoldMatchesDefaults(t *testing.T) {
	v := util.NewViper()
	v.SetConfigType("toml")
	require.NoError(t, v.ReadConfig(strings.NewReader(MAPMON_TOML_EXAMPLE)))
	fromFile, err := loadMonitorOptions(v)
	require.NoError(t, err)
	defaults, err := loadMonitorOptions(util.NewViper())
	require.NoError(t, err)
	assert.Equal(t, defaults, fromFile)
}

func TestOptionOverrides(t *testing.T) {
	t.Setenv("MAPMON_STORE_COMPRESSION", "zstd")
	t.Setenv("MAPMON_MON_MIN_DOWN_REPORTERS", "3")

	v := util.NewViper()
	v.SetConfigType("toml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
[mon]
heartbeat_grace = "30s"
[raft]
bind = "10.0.0.1:9334"
peers = ["10.0.0.1:9334", "10.0.0.2:9334", "10.0.0.3:9334"]
`)))
	o, err := loadMonitorOptions(v)
	require.NoError(t, err)
	assert.Equal(t, ledger.CompressionZstd, o.ledger.Compression)
	assert.Equal(t, 3, o.failure.MinReporters)
	assert.Equal(t, 30*time.Second, o.failure.HeartbeatGrace)
	assert.Equal(t, "10.0.0.1:9334", o.raft.Addr)
	assert.Len(t, o.raft.Peers, 3)
}

func TestInvalidOptions(t *testing.T) {
	for key, value := range map[string]string{
		"MAPMON_STORE_COMPRESSION": "lz4",
		"MAPMON_MON_MIN_IN_RATIO":  "1.5",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := loadMonitorOptions(util.NewViper())
			assert.Error(t, err)
		})
	}
}
