package proposal

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/seaweedfs/mapmon/mon/membership"
	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/store"
)

func (c *Coordinator) watchLeader() {
	defer c.stopped.Done()
	for {
		select {
		case <-c.stop:
			return
		case leader := <-c.log.LeaderCh():
			c.setLeader(leader)
		}
	}
}

func (c *Coordinator) setLeader(leader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader.Load() == leader {
		return
	}
	c.leader.Store(leader)
	cur := c.current.Load()
	if leader {
		epoch := osdmap.Epoch(0)
		if cur != nil {
			epoch = cur.Epoch
			c.sm.Detector().SetLeader(c.clock.Now(), cur)
			c.startJobLocked(cur)
		}
		glog.V(0).Infof("leading at epoch %d, replaying %d queued requests", epoch, len(c.queue))
		replay := c.queue
		c.queue = nil
		for _, r := range replay {
			if t, ok := r.Stimulus.(trimStimulus); ok {
				c.proposeTrimLocked(r, t.to)
				continue
			}
			c.dispatchLocked(r, true)
		}
		if c.pending != nil {
			c.scheduleLocked()
		}
		return
	}

	glog.V(0).Infof("lost leadership, %d staged requests wait for the next leader", len(c.waiters)+len(c.reruns))
	c.queue = append(append(append([]*Request(nil), c.waiters...), c.reruns...), c.queue...)
	c.pending, c.waiters, c.reruns = nil, nil, nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.job != nil {
		c.job.Abort()
		c.job = nil
	}
	// reporters resend to the new leader
	for token, r := range c.reports {
		delete(c.reports, token)
		r.finish(membership.Result{}, ErrNotLeader)
	}
}

func (c *Coordinator) tickLoop() {
	defer c.stopped.Done()
	ticker := c.clock.Ticker(c.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick runs the leader's periodic checks: failure reports past their
// grace, devices that went silent, down devices due to be marked out and
// expired blacklist entries.
func (c *Coordinator) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted.Load() || !c.leader.Load() || c.inflight != nil || c.current.Load() == nil {
		return
	}
	opened := c.pending == nil
	p := c.openLocked()
	p.Now = c.clock.Now()
	down := c.sm.CheckFailures(p) + c.sm.HandleTimeouts(p)
	c.answerDroppedLocked()
	out := c.sm.HandleDownOut(p)
	expired := c.sm.ExpireBlacklist(p)
	if down+out+expired > 0 {
		glog.V(1).Infof("tick: %d down, %d out, %d blacklist entries expired", down, out, expired)
	}
	if opened && p.Empty() {
		c.pending = nil
	}
	if c.pending != nil || c.sm.NeedsRound(c.creating, c.current.Load(), c.clock.Now()) {
		c.scheduleLocked()
	}
}

// WaitForEpoch blocks until epoch is published locally.
func (c *Coordinator) WaitForEpoch(ctx context.Context, epoch osdmap.Epoch) error {
	for {
		c.mu.Lock()
		ch := c.committed
		cur := c.current.Load()
		c.mu.Unlock()
		if cur != nil && cur.Epoch >= epoch {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Bootstrap proposes m as the first epoch when the ledger is empty.
func (c *Coordinator) Bootstrap(ctx context.Context, m *osdmap.Map) error {
	if c.ledger.LastCommitted() != 0 {
		return nil
	}
	tx := store.NewTransaction()
	if err := c.ledger.EncodeGenesis(tx, m); err != nil {
		return err
	}
	payload, err := tx.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	log := c.log
	c.mu.Unlock()
	if log == nil || !log.IsLeader() {
		return ErrNotLeader
	}
	done := make(chan error, 1)
	log.Propose(payload, func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("propose genesis: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	glog.V(0).Infof("bootstrapped map %s with %d devices", m.FSID, len(m.Devices))
	return c.WaitForEpoch(ctx, m.Epoch)
}

type Status struct {
	Epoch          osdmap.Epoch `json:"epoch"`
	FirstCommitted osdmap.Epoch `json:"first_committed"`
	LastCommitted  osdmap.Epoch `json:"last_committed"`
	Pinned         int          `json:"pinned"`
	Leader         bool         `json:"leader"`
	Halted         bool         `json:"halted"`
	Proposing      bool         `json:"proposing"`
	Staged         int          `json:"staged"`
	Queued         int          `json:"queued"`
	FailureReports int          `json:"failure_reports"`
	CreatingPGs    int          `json:"creating_pgs"`
	QueuedPGs      int          `json:"queued_pgs"`
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		FirstCommitted: c.ledger.FirstCommitted(),
		LastCommitted:  c.ledger.LastCommitted(),
		Pinned:         c.ledger.Manifest().Len(),
		Leader:         c.leader.Load(),
		Halted:         c.halted.Load(),
		Proposing:      c.inflight != nil,
		Staged:         len(c.waiters) + len(c.reruns),
		Queued:         len(c.queue),
		FailureReports: len(c.sm.Detector().Pending()),
		CreatingPGs:    len(c.creating.PGs),
		QueuedPGs:      c.creating.Queued(),
	}
	if cur := c.current.Load(); cur != nil {
		s.Epoch = cur.Epoch
	}
	return s
}
