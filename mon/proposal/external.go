package proposal

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/seaweedfs/mapmon/mon/auth"
	"github.com/seaweedfs/mapmon/mon/membership"
	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/store"
)

var errNoAuthority = errors.New("no credential authority configured")

// Submit handles s and waits for its answer.
func (c *Coordinator) Submit(ctx context.Context, token string, s membership.Stimulus) (membership.Result, error) {
	return c.Handle(token, s).Wait(ctx)
}

// plugged runs stage with proposals held back, so no round is proposed
// between the authority call and staging.
func (c *Coordinator) plugged(stage func() error) error {
	c.mu.Lock()
	log := c.log
	c.mu.Unlock()
	if log == nil || !c.leader.Load() {
		return ErrNotLeader
	}
	log.Plug()
	defer log.Unplug()
	return stage()
}

// validate dry-runs s against the open round, or the committed map when
// no round is open. Contention is left to the round that applies s.
func (c *Coordinator) validate(s membership.Validator) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.current.Load()
	if cur == nil {
		return ErrNoMap
	}
	p := c.pending
	if p == nil {
		p = membership.NewPending(cur, c.creating, c.clock.Now())
	}
	if err := s.Validate(c.sm, p); err != nil && !membership.IsContention(err) {
		return err
	}
	return nil
}

// CreateDevice creates the credentials of a new device and then the
// device. A retry finds the credentials already there. Credentials made
// for a create that is rejected are removed again.
func (c *Coordinator) CreateDevice(ctx context.Context, token string, s membership.CreateDevice) (membership.Result, auth.Key, error) {
	if c.authority == nil {
		return membership.Result{}, auth.Key{}, errNoAuthority
	}
	if _, err := uuid.Parse(s.UUID); err != nil {
		return membership.Result{}, auth.Key{}, fmt.Errorf("invalid device uuid %q: %v", s.UUID, err)
	}
	entity := auth.DeviceEntity(s.UUID)
	var key auth.Key
	var r *Request
	err := c.plugged(func() error {
		if err := c.validate(s); err != nil {
			return err
		}
		_, existed, err := c.authority.Get(ctx, entity)
		if err != nil {
			return fmt.Errorf("look up credentials of %s: %w", s.UUID, err)
		}
		if key, err = c.authority.Create(ctx, entity); err != nil {
			return fmt.Errorf("create credentials of %s: %w", s.UUID, err)
		}
		r = c.Handle(token, s)
		select {
		case <-r.Done():
			if _, err := r.Wait(ctx); err != nil && !existed {
				if rmErr := c.authority.Remove(ctx, entity); rmErr != nil {
					glog.Warningf("remove credentials of rejected device %s: %v", s.UUID, rmErr)
				}
			}
		default:
		}
		return nil
	})
	if err != nil {
		return membership.Result{}, auth.Key{}, err
	}
	res, err := r.Wait(ctx)
	if err != nil {
		return res, auth.Key{}, err
	}
	return res, key, nil
}

// DestroyDevice revokes the credentials of a down device and marks it
// destroyed, keeping its id for reuse. With purge the id is removed too.
// Nothing is revoked unless the open round would accept the change.
func (c *Coordinator) DestroyDevice(ctx context.Context, token string, id osdmap.DeviceID, purge bool) (membership.Result, error) {
	cur := c.current.Load()
	if cur == nil {
		return membership.Result{}, ErrNoMap
	}
	var s membership.Stimulus = membership.Destroy{ID: id}
	if purge {
		s = membership.Remove{ID: id}
	}
	dev, _ := cur.Device(id)
	var r *Request
	err := c.plugged(func() error {
		if err := c.validate(s.(membership.Validator)); err != nil {
			return err
		}
		if c.authority != nil && dev.UUID != "" {
			if err := c.authority.Remove(ctx, auth.DeviceEntity(dev.UUID)); err != nil {
				return fmt.Errorf("revoke credentials of device.%d: %w", id, err)
			}
			glog.V(0).Infof("revoked credentials of device.%d", id)
		}
		r = c.Handle(token, s)
		return nil
	})
	if err != nil {
		return membership.Result{}, err
	}
	return r.Wait(ctx)
}

type trimStimulus struct {
	to osdmap.Epoch
}

func (trimStimulus) Kind() string { return "trim" }

func (t trimStimulus) Apply(*membership.Machine, *membership.Pending) (membership.Result, error) {
	return membership.Result{}, fmt.Errorf("trim to %d is proposed on its own", t.to)
}

// Trim drops the ledger below epoch to in a proposal of its own.
func (c *Coordinator) Trim(ctx context.Context, to osdmap.Epoch) (membership.Result, error) {
	c.mu.Lock()
	r := newRequest(c.ids.Generate().String(), trimStimulus{to: to}, c.clock.Now())
	if !c.leader.Load() {
		c.mu.Unlock()
		return membership.Result{}, ErrNotLeader
	}
	c.proposeTrimLocked(r, to)
	c.mu.Unlock()
	return r.Wait(ctx)
}

func (c *Coordinator) proposeTrimLocked(r *Request, to osdmap.Epoch) {
	switch {
	case c.halted.Load():
		r.finish(membership.Result{}, ErrHalted)
		return
	case !c.leader.Load() || c.inflight != nil:
		c.queue = append(c.queue, r)
		return
	}
	tx := store.NewTransaction()
	if err := c.ledger.Trim(tx, to); err != nil {
		r.finish(membership.Result{}, err)
		return
	}
	if tx.Empty() {
		r.finish(membership.Result{Outcome: membership.NoOp, Message: fmt.Sprintf("nothing below %d to trim", to)}, nil)
		return
	}
	payload, err := tx.Encode()
	if err != nil {
		r.finish(membership.Result{}, err)
		return
	}
	r.staged.Message = fmt.Sprintf("trimmed ledger to %d", to)
	rd := &round{epoch: c.ledger.LastCommitted(), trim: r, proposed: c.clock.Now()}
	c.inflight = rd
	glog.V(0).Infof("proposing trim of epochs below %d", to)
	c.log.Propose(payload, func(err error) { c.proposed(rd, err) })
}
