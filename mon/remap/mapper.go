package remap

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/stats"
)

var ErrAborted = errors.New("mapping job aborted")

// Mapping is the placement of every pg of one map epoch.
type Mapping struct {
	Epoch    osdmap.Epoch
	Up       map[osdmap.PGID][]osdmap.DeviceID
	Acting   map[osdmap.PGID][]osdmap.DeviceID
	ByDevice map[osdmap.DeviceID][]osdmap.PGID
}

// ActingPGs lists the pgs a device is acting for, in pg order.
func (mp *Mapping) ActingPGs(id osdmap.DeviceID) []osdmap.PGID {
	return mp.ByDevice[id]
}

type pgMapping struct {
	pg     osdmap.PGID
	up     []osdmap.DeviceID
	acting []osdmap.DeviceID
}

// Mapper computes mappings on a bounded pool of workers. Each worker reads
// the immutable map and writes only its own chunk of results.
type Mapper struct {
	placer  osdmap.Placer
	workers int
	chunk   int
}

func NewMapper(placer osdmap.Placer, workers, chunk int) *Mapper {
	if placer == nil {
		placer = osdmap.HashPlacer{}
	}
	if workers < 1 {
		workers = 1
	}
	if chunk < 1 {
		chunk = 1024
	}
	return &Mapper{placer: placer, workers: workers, chunk: chunk}
}

func (mr *Mapper) Compute(ctx context.Context, m *osdmap.Map) (*Mapping, error) {
	var pgs []osdmap.PGID
	for _, pool := range m.GetPools() {
		pgs = append(pgs, pool.PGs()...)
	}
	chunks := (len(pgs) + mr.chunk - 1) / mr.chunk
	results := make([][]pgMapping, chunks)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(mr.workers)
	for i := 0; i < chunks; i++ {
		idx := i
		start, end := idx*mr.chunk, (idx+1)*mr.chunk
		if end > len(pgs) {
			end = len(pgs)
		}
		g.Go(func() error {
			out := make([]pgMapping, 0, end-start)
			for _, pg := range pgs[start:end] {
				if gCtx.Err() != nil {
					return ErrAborted
				}
				up, acting, err := m.PGToUpActing(mr.placer, pg)
				if err != nil {
					return err
				}
				out = append(out, pgMapping{pg: pg, up: up, acting: acting})
			}
			results[idx] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ErrAborted
		}
		return nil, err
	}

	mapping := &Mapping{
		Epoch:    m.Epoch,
		Up:       make(map[osdmap.PGID][]osdmap.DeviceID, len(pgs)),
		Acting:   make(map[osdmap.PGID][]osdmap.DeviceID, len(pgs)),
		ByDevice: make(map[osdmap.DeviceID][]osdmap.PGID),
	}
	for _, chunk := range results {
		for _, r := range chunk {
			mapping.Up[r.pg] = r.up
			mapping.Acting[r.pg] = r.acting
			for _, d := range r.acting {
				mapping.ByDevice[d] = append(mapping.ByDevice[d], r.pg)
			}
		}
	}
	for _, list := range mapping.ByDevice {
		osdmap.SortPGIDs(list)
	}
	return mapping, nil
}

// Job is a mapping computed in the background.
type Job struct {
	epoch   osdmap.Epoch
	started time.Time
	cancel  context.CancelFunc
	results chan *Mapping

	mu      sync.Mutex
	aborted bool
	mapping *Mapping
}

// Start computes the mapping of m in the background.
func (mr *Mapper) Start(m *osdmap.Map) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		epoch:   m.Epoch,
		started: time.Now(),
		cancel:  cancel,
		results: make(chan *Mapping, 1),
	}
	go func() {
		defer cancel()
		mapping, err := mr.Compute(ctx, m)
		result := "ok"
		if err != nil {
			result = "aborted"
			if err != ErrAborted {
				result = "error"
				glog.Errorf("mapping epoch %d: %v", m.Epoch, err)
			}
		}
		stats.MonitorRemapJobHistogram.WithLabelValues(result).Observe(time.Since(j.started).Seconds())
		// buffered: a job nobody waits for any more is simply dropped
		j.results <- mapping
	}()
	return j
}

func (j *Job) Epoch() osdmap.Epoch { return j.epoch }

// Wait returns the mapping if it is ready within timeout. A job that is
// not ready in time is aborted.
func (j *Job) Wait(timeout time.Duration) (*Mapping, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.aborted {
		return nil, false
	}
	if j.mapping != nil {
		return j.mapping, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case mapping := <-j.results:
		if mapping == nil {
			j.aborted = true
			return nil, false
		}
		j.mapping = mapping
		return mapping, true
	case <-timer.C:
		j.aborted = true
		j.cancel()
		return nil, false
	}
}

func (j *Job) Abort() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.aborted = true
	j.cancel()
}

// Ready reports whether Wait would return without blocking.
func (j *Job) Ready() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.aborted {
		return false
	}
	if j.mapping != nil {
		return true
	}
	select {
	case mapping := <-j.results:
		if mapping == nil {
			j.aborted = true
			return false
		}
		j.mapping = mapping
		return true
	default:
		return false
	}
}

// SortedPGs lists the pgs of a mapping in pg order.
func (mp *Mapping) SortedPGs() []osdmap.PGID {
	pgs := make([]osdmap.PGID, 0, len(mp.Acting))
	for pg := range mp.Acting {
		pgs = append(pgs, pg)
	}
	sort.Slice(pgs, func(i, j int) bool { return pgs[i].Less(pgs[j]) })
	return pgs
}
