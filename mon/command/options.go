package command

import (
	"fmt"
	"time"

	"github.com/seaweedfs/mapmon/mon/consensus"
	"github.com/seaweedfs/mapmon/mon/failure"
	"github.com/seaweedfs/mapmon/mon/ledger"
	"github.com/seaweedfs/mapmon/mon/membership"
	"github.com/seaweedfs/mapmon/mon/proposal"
	"github.com/seaweedfs/mapmon/mon/util"
)

// monitorOptions is everything the server reads from configuration.
type monitorOptions struct {
	membership membership.Options
	failure    failure.Options
	ledger     ledger.Options
	proposal   proposal.Options
	raft       consensus.RaftOptions

	storeDir       string
	mappingWorkers int
	mappingChunk   int
	httpAddress    string
	commandTimeout time.Duration

	metricsAddress  string
	metricsInterval int
}

func setDefaults(v util.Configuration) {
	v.SetDefault("mon.min_up_ratio", 0.3)
	v.SetDefault("mon.min_in_ratio", 0.75)
	v.SetDefault("mon.heartbeat_grace", 20*time.Second)
	v.SetDefault("mon.adjust_heartbeat_grace", true)
	v.SetDefault("mon.adjust_down_out_interval", true)
	v.SetDefault("mon.laggy_halflife", time.Hour)
	v.SetDefault("mon.laggy_weight", 0.3)
	v.SetDefault("mon.laggy_max_interval", 300*time.Second)
	v.SetDefault("mon.min_down_reporters", 2)
	v.SetDefault("mon.reporter_subtree_level", "host")
	v.SetDefault("mon.report_timeout", 900*time.Second)
	v.SetDefault("mon.down_out_interval", 600*time.Second)
	v.SetDefault("mon.auto_mark_in", false)
	v.SetDefault("mon.auto_mark_new_in", true)
	v.SetDefault("mon.auto_mark_auto_out_in", true)
	v.SetDefault("mon.max_creating_pgs", 1024)
	v.SetDefault("mon.prime_pg_temp", true)
	v.SetDefault("mon.prime_pg_temp_max_time", 500*time.Millisecond)
	v.SetDefault("mon.mapping_workers", 4)
	v.SetDefault("mon.mapping_pgs_per_chunk", 4096)
	v.SetDefault("mon.max_snap_prune_per_epoch", 100)
	v.SetDefault("mon.blacklist_expire", time.Hour)
	v.SetDefault("mon.propose_interval", time.Second)
	v.SetDefault("mon.tick_interval", 5*time.Second)
	v.SetDefault("mon.command_timeout", time.Minute)
	v.SetDefault("mon.node_id", 0)

	v.SetDefault("prune.enabled", true)
	v.SetDefault("prune.min_retained", 500)
	v.SetDefault("prune.min", 10000)
	v.SetDefault("prune.interval", 10)
	v.SetDefault("prune.txsize", 100)

	v.SetDefault("store.dir", "./mapmon-data")
	v.SetDefault("store.compression", "snappy")
	v.SetDefault("store.cache_size", 128)

	v.SetDefault("raft.id", "")
	v.SetDefault("raft.bind", "")
	v.SetDefault("raft.peers", []string{})
	v.SetDefault("raft.dir", "")
	v.SetDefault("raft.bootstrap", false)
	v.SetDefault("raft.heartbeat_timeout", time.Second)
	v.SetDefault("raft.election_timeout", time.Second)
	v.SetDefault("raft.apply_timeout", 10*time.Second)
	v.SetDefault("raft.snapshot_retain", 3)

	v.SetDefault("http.address", ":9333")

	v.SetDefault("metrics.address", "")
	v.SetDefault("metrics.interval_seconds", 15)
}

func loadMonitorOptions(v util.Configuration) (monitorOptions, error) {
	setDefaults(v)
	compression, err := ledger.ParseCompression(v.GetString("store.compression"))
	if err != nil {
		return monitorOptions{}, fmt.Errorf("store.compression: %v", err)
	}
	o := monitorOptions{
		membership: membership.Options{
			MinUpRatio:           v.GetFloat64("mon.min_up_ratio"),
			MinInRatio:           v.GetFloat64("mon.min_in_ratio"),
			LaggyWeight:          v.GetFloat64("mon.laggy_weight"),
			LaggyMaxInterval:     v.GetDuration("mon.laggy_max_interval"),
			AutoMarkIn:           v.GetBool("mon.auto_mark_in"),
			AutoMarkNewIn:        v.GetBool("mon.auto_mark_new_in"),
			AutoMarkAutoOutIn:    v.GetBool("mon.auto_mark_auto_out_in"),
			MaxCreatingPGs:       v.GetInt("mon.max_creating_pgs"),
			MaxSnapPrunePerEpoch: uint64(v.GetInt("mon.max_snap_prune_per_epoch")),
			BlacklistExpire:      v.GetDuration("mon.blacklist_expire"),
			PrimePGTemp:          v.GetBool("mon.prime_pg_temp"),
			PrimePGTempMaxTime:   v.GetDuration("mon.prime_pg_temp_max_time"),
		},
		failure: failure.Options{
			HeartbeatGrace:        v.GetDuration("mon.heartbeat_grace"),
			AdjustHeartbeatGrace:  v.GetBool("mon.adjust_heartbeat_grace"),
			LaggyHalflife:         v.GetDuration("mon.laggy_halflife"),
			MinReporters:          v.GetInt("mon.min_down_reporters"),
			ReporterSubtreeLevel:  v.GetString("mon.reporter_subtree_level"),
			ReportTimeout:         v.GetDuration("mon.report_timeout"),
			DownOutInterval:       v.GetDuration("mon.down_out_interval"),
			AdjustDownOutInterval: v.GetBool("mon.adjust_down_out_interval"),
		},
		ledger: ledger.Options{
			Compression: compression,
			CacheSize:   int64(v.GetInt("store.cache_size")),
			Prune: ledger.PruneOptions{
				Enabled:     v.GetBool("prune.enabled"),
				MinRetained: uint64(v.GetInt("prune.min_retained")),
				Min:         uint64(v.GetInt("prune.min")),
				Interval:    uint64(v.GetInt("prune.interval")),
				TxSize:      uint64(v.GetInt("prune.txsize")),
			},
		},
		proposal: proposal.Options{
			ProposeInterval: v.GetDuration("mon.propose_interval"),
			TickInterval:    v.GetDuration("mon.tick_interval"),
			NodeID:          int64(v.GetInt("mon.node_id")),
		},
		raft: consensus.RaftOptions{
			Addr:             v.GetString("raft.id"),
			Peers:            v.GetStringSlice("raft.peers"),
			DataDir:          v.GetString("raft.dir"),
			Bootstrap:        v.GetBool("raft.bootstrap"),
			HeartbeatTimeout: v.GetDuration("raft.heartbeat_timeout"),
			ElectionTimeout:  v.GetDuration("raft.election_timeout"),
			ApplyTimeout:     v.GetDuration("raft.apply_timeout"),
			SnapshotRetain:   v.GetInt("raft.snapshot_retain"),
		},
		storeDir:       v.GetString("store.dir"),
		mappingWorkers: v.GetInt("mon.mapping_workers"),
		mappingChunk:   v.GetInt("mon.mapping_pgs_per_chunk"),
		httpAddress:    v.GetString("http.address"),
		commandTimeout: v.GetDuration("mon.command_timeout"),

		metricsAddress:  v.GetString("metrics.address"),
		metricsInterval: v.GetInt("metrics.interval_seconds"),
	}
	if bind := v.GetString("raft.bind"); bind != "" {
		o.raft.Addr = bind
	}
	if len(o.raft.Peers) == 0 {
		o.raft.Peers = nil
	}
	if o.raft.DataDir == "" {
		o.raft.DataDir = o.storeDir
	}
	if o.membership.MinUpRatio < 0 || o.membership.MinUpRatio > 1 {
		return o, fmt.Errorf("mon.min_up_ratio %v must be in [0, 1]", o.membership.MinUpRatio)
	}
	if o.membership.MinInRatio < 0 || o.membership.MinInRatio > 1 {
		return o, fmt.Errorf("mon.min_in_ratio %v must be in [0, 1]", o.membership.MinInRatio)
	}
	return o, nil
}
