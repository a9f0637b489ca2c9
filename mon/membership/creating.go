package membership

import (
	"fmt"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/seaweedfs/mapmon/mon/osdmap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type PGCreate struct {
	Epoch   osdmap.Epoch `json:"epoch"`
	Created time.Time    `json:"created"`
}

// SeedRange is the half open range of pg seeds of a pool still waiting to
// be materialized.
type SeedRange struct {
	Start uint32       `json:"start"`
	End   uint32       `json:"end"`
	Epoch osdmap.Epoch `json:"epoch"`
}

// CreatingPGs tracks placement groups from the epoch they are queued until
// a device reports them created.
type CreatingPGs struct {
	PGs   map[osdmap.PGID]PGCreate       `json:"pgs"`
	Queue map[osdmap.PoolID]SeedRange    `json:"queue"`
	Pools map[osdmap.PoolID]osdmap.Epoch `json:"pools"`
}

func NewCreatingPGs() *CreatingPGs {
	return &CreatingPGs{
		PGs:   make(map[osdmap.PGID]PGCreate),
		Queue: make(map[osdmap.PoolID]SeedRange),
		Pools: make(map[osdmap.PoolID]osdmap.Epoch),
	}
}

func DecodeCreatingPGs(data []byte) (*CreatingPGs, error) {
	c := NewCreatingPGs()
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode creating pgs: %v", err)
	}
	if c.PGs == nil {
		c.PGs = make(map[osdmap.PGID]PGCreate)
	}
	if c.Queue == nil {
		c.Queue = make(map[osdmap.PoolID]SeedRange)
	}
	if c.Pools == nil {
		c.Pools = make(map[osdmap.PoolID]osdmap.Epoch)
	}
	return c, nil
}

func (c *CreatingPGs) Encode() ([]byte, error) {
	return json.Marshal(c)
}

func (c *CreatingPGs) Clone() *CreatingPGs {
	n := NewCreatingPGs()
	for pg, v := range c.PGs {
		n.PGs[pg] = v
	}
	for id, r := range c.Queue {
		n.Queue[id] = r
	}
	for id, e := range c.Pools {
		n.Pools[id] = e
	}
	return n
}

// Queued is the number of pgs not yet materialized.
func (c *CreatingPGs) Queued() int {
	n := 0
	for _, r := range c.Queue {
		n += int(r.End - r.Start)
	}
	return n
}

func (c *CreatingPGs) Creating(pool osdmap.PoolID) bool {
	if _, ok := c.Queue[pool]; ok {
		return true
	}
	for pg := range c.PGs {
		if pg.Pool == pool {
			return true
		}
	}
	return false
}

// scan queues the seeds of pools created or grown by inc, and forgets
// pools it deletes.
func (c *CreatingPGs) scan(base *osdmap.Map, inc *osdmap.Incremental) bool {
	changed := false
	for _, id := range inc.OldPools {
		if _, ok := c.Queue[id]; ok {
			delete(c.Queue, id)
			changed = true
		}
		delete(c.Pools, id)
		for pg := range c.PGs {
			if pg.Pool == id {
				delete(c.PGs, pg)
				changed = true
			}
		}
	}
	for id, pool := range inc.NewPools {
		var from uint32
		if old, ok := base.Pool(id); ok {
			from = old.PGNum
		}
		if pool.PGNum <= from {
			continue
		}
		r, ok := c.Queue[id]
		if !ok {
			r = SeedRange{Start: from, End: pool.PGNum, Epoch: inc.Epoch}
		} else if pool.PGNum > r.End {
			r.End = pool.PGNum
		}
		c.Queue[id] = r
		if _, ok := c.Pools[id]; !ok {
			c.Pools[id] = inc.Epoch
		}
		changed = true
	}
	return changed
}

// materialize moves at most max queued seeds into the creating set, lowest
// pool first.
func (c *CreatingPGs) materialize(max int, epoch osdmap.Epoch, now time.Time) []osdmap.PGID {
	pools := make([]osdmap.PoolID, 0, len(c.Queue))
	for id := range c.Queue {
		pools = append(pools, id)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i] < pools[j] })

	var out []osdmap.PGID
	for _, id := range pools {
		r := c.Queue[id]
		for r.Start < r.End && len(out) < max {
			pg := osdmap.PGID{Pool: id, Seed: r.Start}
			c.PGs[pg] = PGCreate{Epoch: epoch, Created: now}
			out = append(out, pg)
			r.Start++
		}
		if r.Start >= r.End {
			delete(c.Queue, id)
		} else {
			c.Queue[id] = r
		}
		if len(out) >= max {
			break
		}
	}
	return out
}
