package osdmap

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Placer maps a placement group to an ordered list of candidate devices.
// Devices returned may be down; the caller filters them into the up set.
type Placer interface {
	Place(m *Map, pool Pool, pg PGID) []DeviceID
}

// HashPlacer is a weighted rendezvous placer. Every in device gets a score
// from the hash of (pool, seed, device) scaled by its weight; the lowest
// scores win.
type HashPlacer struct{}

func placementHash(pg PGID, id DeviceID, salt uint32) uint64 {
	var b [20]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(pg.Pool))
	binary.LittleEndian.PutUint32(b[8:12], pg.Seed)
	binary.LittleEndian.PutUint32(b[12:16], uint32(id))
	binary.LittleEndian.PutUint32(b[16:20], salt)
	return xxhash.Sum64(b[:])
}

func (HashPlacer) Place(m *Map, pool Pool, pg PGID) []DeviceID {
	type candidate struct {
		id    DeviceID
		score float64
	}
	var candidates []candidate
	for id, d := range m.Devices {
		if !d.Exists() || d.IsDestroyed() || d.Weight == WeightOut {
			continue
		}
		h := placementHash(pg, id, uint32(pool.CrushRule))
		u := (float64(h>>11) + 0.5) / float64(uint64(1)<<53)
		w := float64(d.Weight) / float64(WeightIn)
		candidates = append(candidates, candidate{id: id, score: -math.Log(u) / w})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})
	n := pool.Size
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]DeviceID, 0, n)
	for _, c := range candidates[:n] {
		out = append(out, c.id)
	}
	return out
}

// PGToUpActing resolves the up set and the acting set of a placement group.
// The acting set is the pg_temp override when one exists. The primary is
// moved to the front according to primary affinity.
func (m *Map) PGToUpActing(placer Placer, pg PGID) (up, acting []DeviceID, err error) {
	pool, ok := m.Pools[pg.Pool]
	if !ok {
		return nil, nil, fmt.Errorf("pool %d does not exist", pg.Pool)
	}
	if pg.Seed >= pool.PGNum {
		return nil, nil, fmt.Errorf("pg %s does not exist", pg)
	}
	for _, id := range placer.Place(m, pool, pg) {
		if m.IsUp(id) {
			up = append(up, id)
		}
	}
	up = m.applyPrimaryAffinity(pg, up)
	if temp, found := m.PGTemp[pg]; found && len(temp) > 0 {
		for _, id := range temp {
			if m.IsUp(id) {
				acting = append(acting, id)
			}
		}
	} else {
		acting = append([]DeviceID(nil), up...)
	}
	return up, acting, nil
}

// PGToActingSet is the ordered acting set of a placement group.
func (m *Map) PGToActingSet(placer Placer, pg PGID) ([]DeviceID, error) {
	_, acting, err := m.PGToUpActing(placer, pg)
	return acting, err
}

func (m *Map) applyPrimaryAffinity(pg PGID, devs []DeviceID) []DeviceID {
	pos := -1
	for i, id := range devs {
		a := m.Devices[id].PrimaryAffinity
		if a >= MaxPrimaryAffinity {
			pos = i
			break
		}
		if a > 0 && uint32(placementHash(pg, id, 0xa5a5)>>48) < a {
			pos = i
			break
		}
	}
	if pos <= 0 {
		return devs
	}
	out := make([]DeviceID, 0, len(devs))
	out = append(out, devs[pos])
	out = append(out, devs[:pos]...)
	return append(out, devs[pos+1:]...)
}
