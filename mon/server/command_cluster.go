package server

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/seaweedfs/mapmon/mon/membership"
	"github.com/seaweedfs/mapmon/mon/osdmap"
)

func init() {
	register("flag set", stimulus(`set a cluster flag

	args: {"flag": "noout"}
	flags: pause pauserd pausewr noup nodown noin noout full nobackfill norecover noscrub`,
		func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
			return membership.SetFlag{Name: a.string("flag"), On: true}
		}))
	register("flag unset", stimulus(`clear a cluster flag

	args: {"flag": "noout"}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.SetFlag{Name: a.string("flag")}
	}))
	register("blacklist add", stimulus(`deny a client address until the entry expires

	args: {"addr": "10.0.0.9:0/3", "expire": 3600}    expire in seconds, default mon.blacklist_expire`,
		func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
			return membership.BlacklistAdd{Addr: a.string("addr"), Expire: a.seconds("expire")}
		}))
	register("blacklist rm", stimulus(`remove a blacklist entry

	args: {"addr": "10.0.0.9:0/3"}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.BlacklistRemove{Addr: a.string("addr")}
	}))
	register("require-release", stimulus(`raise the minimum release all devices must run

	args: {"release": 2}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		return membership.RequireRelease{Release: osdmap.Release(a.int("release"))}
	}))
	register("crush set", stimulus(`replace the placement rules

	args: {"blob": "<base64>"}`, func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus {
		s := a.string("blob")
		blob, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			a.fail("blob", "not base64: %v", err)
		}
		return membership.SetCrush{Blob: blob}
	}))

	register("map trim", Command{
		Mutating: true,
		Help: `drop ledger entries below an epoch

	args: {"epoch": 100}`,
		Validate: func(m *osdmap.Map, args Args) error {
			a := &argReader{args: args}
			a.epoch("epoch")
			return a.err
		},
		Apply: func(ctx context.Context, ms *MapServer, token string, m *osdmap.Map, args Args) (Reply, error) {
			a := &argReader{args: args}
			e := a.epoch("epoch")
			if a.err != nil {
				return Reply{}, a.err
			}
			res, err := ms.coord.Trim(ctx, e)
			if err != nil {
				return Reply{}, err
			}
			return ms.reply(res), nil
		},
	})
	register("status", query(`show the monitor state`, func(ms *MapServer, a *argReader, m *osdmap.Map) (interface{}, error) {
		return ms.status(), nil
	}))
	register("help", query(`list the commands`, func(ms *MapServer, a *argReader, m *osdmap.Map) (interface{}, error) {
		out := make(map[string]string, len(Commands))
		for p, c := range Commands {
			out[p] = c.Help
		}
		return out, nil
	}))
}
