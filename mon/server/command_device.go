package server

import (
	"context"
	"fmt"
	"time"

	"github.com/seaweedfs/mapmon/mon/membership"
	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/proposal"
)

func init() {
	register("device create", Command{
		Mutating: true,
		Help: `create a device and its credentials, reusing a destroyed id when possible

	args: {"uuid": "...", "id": 3, "location": {"host": "h1"}}
	A retry with the same uuid answers the id created before.`,
		Validate: func(m *osdmap.Map, args Args) error {
			a := &argReader{args: args}
			parseCreate(a)
			return a.err
		},
		Apply: func(ctx context.Context, ms *MapServer, token string, m *osdmap.Map, args Args) (Reply, error) {
			a := &argReader{args: args}
			s := parseCreate(a)
			if a.err != nil {
				return Reply{}, a.err
			}
			res, key, err := ms.coord.CreateDevice(ctx, token, s)
			if err != nil {
				return Reply{}, err
			}
			r := ms.reply(res)
			r.Value = map[string]interface{}{"id": res.Value, "key": key.Secret}
			return r, nil
		},
	})
	register("device boot", stimulus(`mark a device up at an address

	args: {"id": 3, "addr": "10.0.0.3:6800", "uuid": "...", "clean": true,
	       "metadata": {...}, "location": {...}}`,
		func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
			return membership.Boot{
				ID:       a.device("id"),
				Addr:     a.string("addr"),
				UUID:     a.optString("uuid"),
				Clean:    a.bool("clean"),
				Metadata: a.labels("metadata"),
				Location: a.labels("location"),
			}
		}))
	register("device down", stimulus(`mark a device down

	args: {"id": 3}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.MarkDown{ID: a.device("id")}
	}))
	register("device out", stimulus(`mark a device out, keeping its weight for a later in

	args: {"id": 3}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.MarkOut{ID: a.device("id")}
	}))
	register("device in", stimulus(`mark a device in

	args: {"id": 3}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.MarkIn{ID: a.device("id")}
	}))
	register("device destroy", destroyCommand(false))
	register("device purge", destroyCommand(true))
	register("device reweight", stimulus(`set the weight of an in device

	args: {"id": 3, "weight": 0.5}    weight in 0..1`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.Reweight{ID: a.device("id"), Weight: a.float("weight")}
	}))
	register("device primary-affinity", stimulus(`set how likely a device is chosen as primary

	args: {"id": 3, "affinity": 0.5}    affinity in 0..1`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.PrimaryAffinity{ID: a.device("id"), Affinity: a.float("affinity")}
	}))
	for _, flag := range []string{"noup", "nodown", "noin", "noout"} {
		flag := flag
		register("device add-"+flag, stimulus(fmt.Sprintf(`set %s on a device

	args: {"id": 3}`, flag), func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
			return membership.DeviceFlag{ID: a.device("id"), Flag: flag, On: true}
		}))
		register("device rm-"+flag, stimulus(fmt.Sprintf(`clear %s on a device

	args: {"id": 3}`, flag), func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
			return membership.DeviceFlag{ID: a.device("id"), Flag: flag}
		}))
	}
	register("device failure", stimulus(`report a peer as failed; answered once the target is marked down

	args: {"target": 3, "reporter": 1, "failed_for": 12.5}    failed_for in seconds`,
		func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
			return membership.FailureReport{
				Target:      a.device("target"),
				Reporter:    a.device("reporter"),
				FailedSince: now.Add(-a.seconds("failed_for")),
			}
		}))
	register("device failure-cancel", stimulus(`withdraw a failure report

	args: {"target": 3, "reporter": 1}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.CancelFailure{Target: a.device("target"), Reporter: a.device("reporter")}
	}))
	register("device beacon", stimulus(`record that a device is alive

	args: {"id": 3}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.Beacon{ID: a.device("id")}
	}))
	register("device metadata", query(`show the boot metadata of a device

	args: {"id": 3}`, func(ms *MapServer, a *argReader, m *osdmap.Map) (interface{}, error) {
		id := a.device("id")
		if a.err != nil {
			return nil, nil
		}
		return ms.coord.Ledger().Metadata(id)
	}))
	register("device dump", query(`show one device of the committed map

	args: {"id": 3}`, func(ms *MapServer, a *argReader, m *osdmap.Map) (interface{}, error) {
		id := a.device("id")
		if a.err != nil {
			return nil, nil
		}
		if m == nil {
			return nil, proposal.ErrNoMap
		}
		dev, found := m.Device(id)
		if !found {
			return nil, &membership.Rejection{Code: membership.ENOENT, Reason: fmt.Sprintf("device.%d does not exist", id)}
		}
		return map[string]interface{}{"device": dev, "state": osdmap.StateString(dev.State)}, nil
	}))
}

func parseCreate(a *argReader) membership.CreateDevice {
	return membership.CreateDevice{
		UUID:     a.string("uuid"),
		ID:       a.optDevice("id"),
		Location: a.labels("location"),
	}
}

func destroyCommand(purge bool) Command {
	help := `destroy a down device and revoke its credentials, keeping its id for reuse

	args: {"id": 3}`
	if purge {
		help = `destroy a down device, revoke its credentials and remove its id

	args: {"id": 3}`
	}
	return Command{
		Mutating: true,
		Help:     help,
		Validate: func(m *osdmap.Map, args Args) error {
			a := &argReader{args: args}
			a.device("id")
			return a.err
		},
		Apply: func(ctx context.Context, ms *MapServer, token string, m *osdmap.Map, args Args) (Reply, error) {
			a := &argReader{args: args}
			id := a.device("id")
			if a.err != nil {
				return Reply{}, a.err
			}
			res, err := ms.coord.DestroyDevice(ctx, token, id, purge)
			if err != nil {
				return Reply{}, err
			}
			return ms.reply(res), nil
		},
	}
}
