package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("MAPMON_MON_MIN_UP_RATIO", "0.5")
	t.Setenv("MAPMON_MON_HEARTBEAT_GRACE", "45s")

	v := NewViper()
	v.SetDefault("mon.min_up_ratio", 0.3)
	v.SetDefault("mon.heartbeat_grace", 20*time.Second)
	v.SetDefault("mon.max_creating_pgs", 1024)

	assert.Equal(t, 0.5, v.GetFloat64("mon.min_up_ratio"))
	assert.Equal(t, 45*time.Second, v.GetDuration("mon.heartbeat_grace"))
	assert.Equal(t, 1024, v.GetInt("mon.max_creating_pgs"))
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "mapmon 1.00", Version())
	COMMIT = "abc123"
	defer func() { COMMIT = "" }()
	assert.Equal(t, "mapmon 1.00 abc123", Version())
}
