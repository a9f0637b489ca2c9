package membership

import (
	"time"

	"github.com/google/uuid"

	"github.com/seaweedfs/mapmon/mon/osdmap"
)

// CreateDevice allocates a device id for a uuid. It is idempotent per uuid.
type CreateDevice struct {
	UUID     string
	ID       *osdmap.DeviceID
	Location map[string]string
}

func (s CreateDevice) Kind() string { return "create" }

// plan picks the id a create would take without staging anything. done is
// set when the uuid already owns a device.
func (s CreateDevice) plan(sm *Machine, p *Pending) (id osdmap.DeviceID, reuse bool, done *Result, err error) {
	if _, err := uuid.Parse(s.UUID); err != nil {
		return 0, false, nil, reject(EINVAL, "invalid uuid %q: %v", s.UUID, err)
	}
	if s.ID != nil && *s.ID < 0 {
		return 0, false, nil, reject(EINVAL, "invalid device id %d", *s.ID)
	}
	for id, u := range p.Inc.NewUUID {
		if u == s.UUID && p.Base.Devices[id].UUID != s.UUID {
			return 0, false, nil, reject(EAGAIN, "uuid %s is being claimed by device.%d", s.UUID, id)
		}
	}
	if id, ok := p.Base.FindByUUID(s.UUID); ok {
		if s.ID != nil && *s.ID != id {
			return 0, false, nil, reject(EEXIST, "uuid %s already in use by device.%d", s.UUID, id)
		}
		return id, false, &Result{Outcome: NoOp, Message: sprintf("device.%d", id), Value: id}, nil
	}

	if s.ID == nil {
		id, reuse = sm.allocateID(p)
		return id, reuse, nil, nil
	}
	id = *s.ID
	if p.Inc.NewState[id]&osdmap.StateExists != 0 || p.Inc.NewUUID[id] != "" {
		return 0, false, nil, reject(EAGAIN, "device.%d has a pending change", id)
	}
	if d, ok := p.Next().Device(id); ok {
		if !d.IsDestroyed() {
			return 0, false, nil, reject(EEXIST, "device.%d exists with uuid %s", id, d.UUID)
		}
		reuse = true
	}
	return id, reuse, nil, nil
}

// Validate checks the create against the open round without staging it.
func (s CreateDevice) Validate(sm *Machine, p *Pending) error {
	_, _, _, err := s.plan(sm, p)
	return err
}

func (s CreateDevice) Apply(sm *Machine, p *Pending) (Result, error) {
	id, reuse, done, err := s.plan(sm, p)
	if err != nil {
		return Result{}, err
	}
	if done != nil {
		return *done, nil
	}

	next := p.Next()
	if reuse {
		p.SetState(id, (next.State(id)&^osdmap.StateDestroyed)|osdmap.StateNew)
		p.SetWeight(id, osdmap.WeightOut)
	} else {
		p.SetState(id, osdmap.StateExists|osdmap.StateNew)
		if id >= next.MaxDevice {
			max := id + 1
			p.Inc.NewMaxDevice = &max
		}
	}
	p.SetUUID(id, s.UUID)
	if len(s.Location) > 0 {
		p.SetLocation(id, s.Location)
	}
	return Result{Outcome: Staged, Message: sprintf("device.%d", id), Value: id}, nil
}

// allocateID prefers a destroyed id, then a hole below max, then grows.
func (sm *Machine) allocateID(p *Pending) (osdmap.DeviceID, bool) {
	next := p.Next()
	hole := osdmap.DeviceID(-1)
	for id := osdmap.DeviceID(0); id < next.MaxDevice; id++ {
		if _, pending := p.Inc.NewState[id]; pending {
			continue
		}
		if _, pending := p.Inc.NewUUID[id]; pending {
			continue
		}
		d, ok := next.Device(id)
		if ok && d.IsDestroyed() {
			return id, true
		}
		if !ok && hole < 0 {
			hole = id
		}
	}
	if hole >= 0 {
		return hole, false
	}
	return next.MaxDevice, false
}

// Boot announces a device coming up at an address.
type Boot struct {
	ID   osdmap.DeviceID
	Addr string
	UUID string
	// Clean is false when the device restarts after being marked down
	// while it was still running.
	Clean    bool
	Metadata map[string]string
	Location map[string]string
}

func (s Boot) Kind() string { return "boot" }

func (s Boot) Apply(sm *Machine, p *Pending) (Result, error) {
	next := p.Next()
	d, ok := next.Device(s.ID)
	if !ok {
		return Result{}, reject(ENOENT, "device.%d does not exist", s.ID)
	}
	if d.IsDestroyed() {
		return Result{}, reject(EPERM, "device.%d is destroyed", s.ID)
	}
	if s.Addr == "" {
		return Result{}, reject(EINVAL, "boot without an address")
	}
	if s.UUID != "" && d.UUID != "" && s.UUID != d.UUID {
		return Result{}, reject(EINVAL, "device.%d has uuid %s, not %s", s.ID, d.UUID, s.UUID)
	}
	if next.IsBlacklisted(s.Addr, p.Now) {
		return Result{}, reject(EPERM, "address %s is blacklisted", s.Addr)
	}
	if addr, booting := p.Inc.NewUp[s.ID]; booting {
		if addr == s.Addr {
			return alreadyPending("device.%d boot already pending", s.ID)
		}
		return Result{}, reject(EAGAIN, "device.%d is booting at %s", s.ID, addr)
	}
	if p.Base.IsUp(s.ID) {
		if p.isStagedDown(s.ID) {
			return Result{Outcome: Requeue, Message: sprintf("device.%d is being marked down", s.ID)}, nil
		}
		if p.Base.Devices[s.ID].Addr == s.Addr {
			return noop("device.%d already up at %s", s.ID, s.Addr)
		}
		// a new instance while the map still shows the old one up
		sm.stageDown(p, s.ID)
		return Result{Outcome: Requeue, Message: sprintf("device.%d marked down, waiting to boot at %s", s.ID, s.Addr)}, nil
	}
	if err := sm.CanBoot(p, s.ID); err != nil {
		return Result{}, err
	}

	p.SetUp(s.ID, s.Addr)
	if d.UUID == "" && s.UUID != "" {
		p.SetUUID(s.ID, s.UUID)
	}
	p.SetXInfo(s.ID, sm.laggyOnBoot(p.XInfo(s.ID), s.Clean, p.Now))

	if d.Weight == osdmap.WeightOut && sm.CanMarkIn(p, s.ID) == nil {
		autoIn := sm.opts.AutoMarkIn ||
			(d.IsNew() && sm.opts.AutoMarkNewIn) ||
			(d.IsAutoOut() && sm.opts.AutoMarkAutoOutIn)
		if autoIn {
			w := p.XInfo(s.ID).OldWeight
			if w == 0 {
				w = osdmap.WeightIn
			}
			p.SetWeight(s.ID, w)
		}
	}
	if len(s.Location) > 0 && !sameLocation(d.Location, s.Location) {
		p.SetLocation(s.ID, s.Location)
	}
	if s.Metadata != nil {
		p.Metadata[s.ID] = s.Metadata
		delete(p.MetadataRemoved, s.ID)
	}
	if sm.detector != nil {
		sm.detector.Beacon(s.ID, p.Now)
	}
	return staged("device.%d boot at %s", s.ID, s.Addr)
}

// laggyOnBoot folds the last down period into the laggy estimate. A clean
// boot decays it.
func (sm *Machine) laggyOnBoot(x osdmap.XInfo, clean bool, now time.Time) osdmap.XInfo {
	w := sm.opts.LaggyWeight
	if clean || x.DownStamp.IsZero() {
		x.LaggyProbability *= 1 - w
		x.LaggyInterval *= 1 - w
		return x
	}
	interval := now.Sub(x.DownStamp)
	if interval < 0 {
		interval = 0
	}
	if sm.opts.LaggyMaxInterval > 0 && interval > sm.opts.LaggyMaxInterval {
		interval = sm.opts.LaggyMaxInterval
	}
	x.LaggyInterval = interval.Seconds()*w + x.LaggyInterval*(1-w)
	x.LaggyProbability = w + x.LaggyProbability*(1-w)
	return x
}

func sameLocation(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

type MarkDown struct {
	ID osdmap.DeviceID
}

func (s MarkDown) Kind() string { return "down" }

func (s MarkDown) Apply(sm *Machine, p *Pending) (Result, error) {
	if !p.Next().Exists(s.ID) {
		return Result{}, reject(ENOENT, "device.%d does not exist", s.ID)
	}
	if p.isBooting(s.ID) {
		return Result{}, reject(EAGAIN, "device.%d is booting", s.ID)
	}
	if !p.Base.IsUp(s.ID) {
		return noop("device.%d is already down", s.ID)
	}
	if p.isStagedDown(s.ID) {
		return alreadyPending("device.%d mark down already pending", s.ID)
	}
	if err := sm.CanMarkDown(p, s.ID); err != nil {
		return Result{}, err
	}
	sm.stageDown(p, s.ID)
	return staged("marked down device.%d", s.ID)
}

type MarkOut struct {
	ID osdmap.DeviceID
}

func (s MarkOut) Kind() string { return "out" }

func (s MarkOut) Apply(sm *Machine, p *Pending) (Result, error) {
	next := p.Next()
	if !next.Exists(s.ID) {
		return Result{}, reject(ENOENT, "device.%d does not exist", s.ID)
	}
	if next.IsOut(s.ID) {
		if p.Base.IsOut(s.ID) {
			return noop("device.%d is already out", s.ID)
		}
		return alreadyPending("device.%d mark out already pending", s.ID)
	}
	if err := sm.CanMarkOut(p, s.ID); err != nil {
		return Result{}, err
	}
	sm.stageOut(p, s.ID, false)
	return staged("marked out device.%d", s.ID)
}

type MarkIn struct {
	ID osdmap.DeviceID
}

func (s MarkIn) Kind() string { return "in" }

func (s MarkIn) Apply(sm *Machine, p *Pending) (Result, error) {
	next := p.Next()
	d, ok := next.Device(s.ID)
	if !ok {
		return Result{}, reject(ENOENT, "device.%d does not exist", s.ID)
	}
	if d.IsDestroyed() {
		return Result{}, reject(EBUSY, "device.%d is destroyed", s.ID)
	}
	if d.IsIn() {
		if p.Base.IsIn(s.ID) {
			return noop("device.%d is already in", s.ID)
		}
		return alreadyPending("device.%d mark in already pending", s.ID)
	}
	if err := sm.CanMarkIn(p, s.ID); err != nil {
		return Result{}, err
	}
	w := p.XInfo(s.ID).OldWeight
	if w == 0 {
		w = osdmap.WeightIn
	}
	p.SetWeight(s.ID, w)
	if sm.detector != nil {
		sm.detector.StopDownOut(s.ID)
	}
	return staged("marked in device.%d", s.ID)
}

// Destroy keeps the id but drops the identity of a device so the id can be
// reused by a replacement.
type Destroy struct {
	ID osdmap.DeviceID
}

func (s Destroy) Kind() string { return "destroy" }

// Validate checks the destroy against the open round without staging it.
func (s Destroy) Validate(sm *Machine, p *Pending) error {
	_, _, err := s.check(p)
	return err
}

func (s Destroy) check(p *Pending) (osdmap.Device, *Result, error) {
	next := p.Next()
	d, ok := next.Device(s.ID)
	if !ok {
		return d, nil, reject(ENOENT, "device.%d does not exist", s.ID)
	}
	if d.IsDestroyed() {
		if p.Base.IsDestroyed(s.ID) {
			res, _ := noop("device.%d is already destroyed", s.ID)
			return d, &res, nil
		}
		res, _ := alreadyPending("device.%d destroy already pending", s.ID)
		return d, &res, nil
	}
	if d.IsUp() {
		return d, nil, reject(EBUSY, "device.%d is up; mark it down first", s.ID)
	}
	return d, nil, nil
}

func (s Destroy) Apply(sm *Machine, p *Pending) (Result, error) {
	d, done, err := s.check(p)
	if err != nil {
		return Result{}, err
	}
	if done != nil {
		return *done, nil
	}
	p.SetState(s.ID, d.State|osdmap.StateDestroyed)
	p.SetUUID(s.ID, "")
	if d.Weight != osdmap.WeightOut {
		p.SetWeight(s.ID, osdmap.WeightOut)
	}
	return staged("destroyed device.%d", s.ID)
}

// Remove purges a down device from the map.
type Remove struct {
	ID osdmap.DeviceID
}

func (s Remove) Kind() string { return "rm" }

// Validate checks the removal against the open round without staging it.
func (s Remove) Validate(sm *Machine, p *Pending) error {
	_, err := s.check(p)
	return err
}

func (s Remove) check(p *Pending) (*Result, error) {
	next := p.Next()
	if !next.Exists(s.ID) {
		if p.Base.Exists(s.ID) {
			res, _ := alreadyPending("device.%d removal already pending", s.ID)
			return &res, nil
		}
		res, _ := noop("device.%d does not exist", s.ID)
		return &res, nil
	}
	if !p.Base.Exists(s.ID) {
		return nil, reject(EAGAIN, "device.%d is being created", s.ID)
	}
	if next.IsUp(s.ID) {
		return nil, reject(EBUSY, "device.%d is up; mark it down first", s.ID)
	}
	return nil, nil
}

func (s Remove) Apply(sm *Machine, p *Pending) (Result, error) {
	done, err := s.check(p)
	if err != nil {
		return Result{}, err
	}
	if done != nil {
		return *done, nil
	}
	p.SetState(s.ID, 0)
	for _, m := range []map[osdmap.DeviceID]uint32{p.Inc.NewWeight, p.Inc.NewPrimaryAffinity} {
		delete(m, s.ID)
	}
	delete(p.Inc.NewUUID, s.ID)
	delete(p.Inc.NewXInfo, s.ID)
	delete(p.Inc.NewLocation, s.ID)
	p.touch()
	delete(p.Metadata, s.ID)
	p.MetadataRemoved[s.ID] = true
	return staged("removed device.%d", s.ID)
}

// Reweight sets the in weight, a fraction of WeightIn.
type Reweight struct {
	ID     osdmap.DeviceID
	Weight float64
}

func (s Reweight) Kind() string { return "reweight" }

func (s Reweight) Apply(sm *Machine, p *Pending) (Result, error) {
	next := p.Next()
	if !next.Exists(s.ID) {
		return Result{}, reject(ENOENT, "device.%d does not exist", s.ID)
	}
	if s.Weight < 0 || s.Weight > 1 {
		return Result{}, reject(EINVAL, "weight %v must be in [0, 1]", s.Weight)
	}
	w := uint32(s.Weight * float64(osdmap.WeightIn))
	if next.Weight(s.ID) == w {
		if p.Base.Weight(s.ID) == w {
			return noop("device.%d already has weight %v", s.ID, s.Weight)
		}
		return alreadyPending("device.%d reweight already pending", s.ID)
	}
	p.SetWeight(s.ID, w)
	return staged("reweighted device.%d to %v", s.ID, s.Weight)
}

type PrimaryAffinity struct {
	ID       osdmap.DeviceID
	Affinity float64
}

func (s PrimaryAffinity) Kind() string { return "primary-affinity" }

func (s PrimaryAffinity) Apply(sm *Machine, p *Pending) (Result, error) {
	next := p.Next()
	d, ok := next.Device(s.ID)
	if !ok {
		return Result{}, reject(ENOENT, "device.%d does not exist", s.ID)
	}
	if s.Affinity < 0 || s.Affinity > 1 {
		return Result{}, reject(EINVAL, "primary affinity %v must be in [0, 1]", s.Affinity)
	}
	a := uint32(s.Affinity * float64(osdmap.MaxPrimaryAffinity))
	if d.PrimaryAffinity == a {
		if p.Base.Devices[s.ID].PrimaryAffinity == a {
			return noop("device.%d already has primary affinity %v", s.ID, s.Affinity)
		}
		return alreadyPending("device.%d primary affinity already pending", s.ID)
	}
	if p.Inc.NewPrimaryAffinity == nil {
		p.Inc.NewPrimaryAffinity = make(map[osdmap.DeviceID]uint32)
	}
	p.Inc.NewPrimaryAffinity[s.ID] = a
	p.touch()
	return staged("set device.%d primary affinity to %v", s.ID, s.Affinity)
}

// DeviceFlag sets or clears one of noup, nodown, noin and noout on a device.
type DeviceFlag struct {
	ID   osdmap.DeviceID
	Flag string
	On   bool
}

func (s DeviceFlag) Kind() string { return "device-flag" }

func (s DeviceFlag) Apply(sm *Machine, p *Pending) (Result, error) {
	f, ok := osdmap.DeviceFlagByName(s.Flag)
	if !ok {
		return Result{}, reject(EINVAL, "unknown device flag %q", s.Flag)
	}
	next := p.Next()
	if !next.Exists(s.ID) {
		return Result{}, reject(ENOENT, "device.%d does not exist", s.ID)
	}
	want := next.State(s.ID) &^ f
	if s.On {
		want |= f
	}
	if want == next.State(s.ID) {
		if p.Base.State(s.ID)&f == want&f {
			return noop("device.%d flag %s unchanged", s.ID, s.Flag)
		}
		return alreadyPending("device.%d flag %s already pending", s.ID, s.Flag)
	}
	p.SetState(s.ID, want)
	return staged("device.%d flag %s set to %v", s.ID, s.Flag, s.On)
}
