package server

import (
	"fmt"
	"time"

	"github.com/seaweedfs/mapmon/mon/ledger"
	"github.com/seaweedfs/mapmon/mon/membership"
	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/proposal"
)

func init() {
	register("pool create", stimulus(`create a pool; its placement groups are created in batches

	args: {"name": "rbd", "pg_num": 64, "size": 3, "min_size": 2, "crush_rule": 0}`,
		func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
			s := membership.CreatePool{Name: a.string("name"), PGNum: uint32(a.int("pg_num"))}
			if a.has("size") {
				s.Size = int(a.int("size"))
			}
			if a.has("min_size") {
				s.MinSize = int(a.int("min_size"))
			}
			if a.has("crush_rule") {
				s.CrushRule = int(a.int("crush_rule"))
			}
			return s
		}))
	register("pool set-pgnum", stimulus(`raise the placement group count of a pool

	args: {"pool": "rbd", "pg_num": 128}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.SetPGNum{Pool: a.pool(m, "pool"), PGNum: uint32(a.int("pg_num"))}
	}))
	register("pool delete", stimulus(`delete a pool that is not part of a tier relation

	args: {"pool": "rbd", "confirm": true}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.DeletePool{Pool: a.pool(m, "pool"), Confirm: a.bool("confirm")}
	}))
	register("pool rmsnap", stimulus(`remove snapshots of a pool

	args: {"pool": "rbd", "snaps": [4, 5, 9]}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.RemoveSnaps{Pool: a.pool(m, "pool"), Snaps: a.snaps("snaps")}
	}))

	register("tier add", stimulus(`make a pool the cache tier of another

	args: {"base": "rbd", "tier": "cache"}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.TierAdd{Base: a.pool(m, "base"), Tier: a.pool(m, "tier")}
	}))
	register("tier remove", stimulus(`detach a cache tier from its base pool

	args: {"base": "rbd", "tier": "cache"}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.TierRemove{Base: a.pool(m, "base"), Tier: a.pool(m, "tier")}
	}))
	register("tier cache-mode", stimulus(`set the cache mode of a tier

	args: {"tier": "cache", "mode": "writeback"}
	modes: none writeback readproxy proxy readonly`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.SetCacheMode{Tier: a.pool(m, "tier"), Mode: osdmap.CacheMode(a.string("mode"))}
	}))
	register("tier set-overlay", stimulus(`route client io of a base pool through its tier

	args: {"base": "rbd", "tier": "cache"}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.SetOverlay{Base: a.pool(m, "base"), Tier: a.pool(m, "tier")}
	}))

	register("pg temp", stimulus(`pin the acting set of a placement group; an empty list clears it

	args: {"pgid": "1.a", "devices": [2, 0]}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.SetPGTemp{PG: a.pg("pgid"), Devices: a.devices("devices")}
	}))
	register("pg created", stimulus(`report that a placement group was created

	args: {"pgid": "1.a"}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.PGCreated{PG: a.pg("pgid")}
	}))
	register("pg map", query(`show the up and acting sets of a placement group

	args: {"pgid": "1.a"}`, func(ms *MapServer, a *argReader, m *osdmap.Map) (interface{}, error) {
		pg := a.pg("pgid")
		if a.err != nil {
			return nil, nil
		}
		if m == nil {
			return nil, proposal.ErrNoMap
		}
		if !m.PGExists(pg) {
			return nil, &membership.Rejection{Code: membership.ENOENT, Reason: fmt.Sprintf("pg %s does not exist", pg)}
		}
		up, acting, err := m.PGToUpActing(ms.coord.Machine().Placer(), pg)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"pgid": pg, "up": up, "acting": acting}, nil
	}))

	register("purged-snaps report", stimulus(`report snapshots a device finished purging

	args: {"device": 1, "pool": "rbd", "purged": [[4, 6], [9, 10]]}    half open ranges`,
		func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
			return membership.PurgedSnapsReport{
				Device: a.device("device"),
				Pool:   a.pool(m, "pool"),
				Purged: a.intervals("purged"),
			}
		}))
	register("snap lookup", query(`find whether a snapshot is recorded as removed or purged

	args: {"pool": "rbd", "snap": 5, "kind": "purged"}    kind defaults to removed`,
		func(ms *MapServer, a *argReader, m *osdmap.Map) (interface{}, error) {
			pool := a.pool(m, "pool")
			snap := a.int("snap")
			kind := ledger.SnapRemoved
			if k := a.optString("kind"); k != "" {
				kind = ledger.SnapKind(k)
			}
			if a.err != nil {
				return nil, nil
			}
			if kind != ledger.SnapRemoved && kind != ledger.SnapPurged {
				a.fail("kind", "unknown snapshot record kind %q", kind)
				return nil, nil
			}
			rec, found, err := ms.coord.Ledger().LookupSnap(kind, pool, osdmap.SnapID(snap))
			if err != nil {
				return nil, err
			}
			if !found {
				return map[string]interface{}{"found": false}, nil
			}
			return map[string]interface{}{"found": true, "record": rec}, nil
		}))
	register("snap purged-at", query(`show the snapshots purged at an epoch

	args: {"epoch": 12}`, func(ms *MapServer, a *argReader, m *osdmap.Map) (interface{}, error) {
		e := a.epoch("epoch")
		if a.err != nil {
			return nil, nil
		}
		return ms.coord.Ledger().PurgedAt(e)
	}))
}
