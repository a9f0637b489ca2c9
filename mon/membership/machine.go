package membership

import (
	"fmt"
	"time"

	"github.com/seaweedfs/mapmon/mon/failure"
	"github.com/seaweedfs/mapmon/mon/osdmap"
)

type Outcome int

const (
	// Staged means the change was added to the pending round.
	Staged Outcome = iota
	// AlreadyPending means the same change is already staged this round.
	AlreadyPending
	// NoOp means the committed map already reflects the request.
	NoOp
	// Requeue means part of the change was staged and the stimulus must run
	// again against the next round.
	Requeue
)

func (o Outcome) String() string {
	switch o {
	case Staged:
		return "staged"
	case AlreadyPending:
		return "pending"
	case NoOp:
		return "noop"
	case Requeue:
		return "requeue"
	}
	return "unknown"
}

type Result struct {
	Outcome Outcome
	Message string
	Value   interface{}
}

func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

func staged(format string, args ...interface{}) (Result, error) {
	return Result{Outcome: Staged, Message: sprintf(format, args...)}, nil
}

func alreadyPending(format string, args ...interface{}) (Result, error) {
	return Result{Outcome: AlreadyPending, Message: sprintf(format, args...)}, nil
}

func noop(format string, args ...interface{}) (Result, error) {
	return Result{Outcome: NoOp, Message: sprintf(format, args...)}, nil
}

// Stimulus is one request or event that may change the map.
type Stimulus interface {
	Kind() string
	Apply(sm *Machine, p *Pending) (Result, error)
}

// Validator is a stimulus that can be checked against a round without
// staging anything, for callers with side effects outside the map.
type Validator interface {
	Validate(sm *Machine, p *Pending) error
}

type Options struct {
	MinUpRatio float64
	MinInRatio float64

	LaggyWeight      float64
	LaggyMaxInterval time.Duration

	AutoMarkIn        bool
	AutoMarkNewIn     bool
	AutoMarkAutoOutIn bool

	MaxCreatingPGs       int
	MaxSnapPrunePerEpoch uint64
	BlacklistExpire      time.Duration

	PrimePGTemp        bool
	PrimePGTempMaxTime time.Duration
}

func DefaultOptions() Options {
	return Options{
		MinUpRatio:           0.3,
		MinInRatio:           0.75,
		LaggyWeight:          0.3,
		LaggyMaxInterval:     300 * time.Second,
		AutoMarkNewIn:        true,
		AutoMarkAutoOutIn:    true,
		MaxCreatingPGs:       1024,
		MaxSnapPrunePerEpoch: 100,
		BlacklistExpire:      time.Hour,
		PrimePGTemp:          true,
		PrimePGTempMaxTime:   500 * time.Millisecond,
	}
}

// Machine validates stimuli against the committed map plus the pending
// round and stages their effects. It is driven by the single writer.
type Machine struct {
	opts     Options
	detector *failure.Detector
	placer   osdmap.Placer

	// purged snapshot reports per pool and reporting device
	purgedReports map[osdmap.PoolID]map[osdmap.DeviceID]osdmap.SnapIntervalSet
	// Purged reports whether a snapshot is already recorded as purged.
	Purged func(pool osdmap.PoolID, snap osdmap.SnapID) bool
}

func NewMachine(opts Options, detector *failure.Detector, placer osdmap.Placer) *Machine {
	if placer == nil {
		placer = osdmap.HashPlacer{}
	}
	return &Machine{
		opts:          opts,
		detector:      detector,
		placer:        placer,
		purgedReports: make(map[osdmap.PoolID]map[osdmap.DeviceID]osdmap.SnapIntervalSet),
	}
}

func (sm *Machine) Options() Options            { return sm.opts }
func (sm *Machine) Detector() *failure.Detector { return sm.detector }
func (sm *Machine) Placer() osdmap.Placer       { return sm.placer }

// Committed syncs the machine with a newly published map and returns the
// failure report tokens that can now be answered.
func (sm *Machine) Committed(m *osdmap.Map) []string {
	for pool := range sm.purgedReports {
		if _, ok := m.Pool(pool); !ok {
			delete(sm.purgedReports, pool)
		}
	}
	return sm.detector.Forget(m, sm.detector.Clock().Now())
}

// CanMarkDown checks the flags and the up ratio a mark down would leave.
func (sm *Machine) CanMarkDown(p *Pending, id osdmap.DeviceID) error {
	next := p.Next()
	if next.DeviceFlag(id, osdmap.StateNoDown, osdmap.FlagNoDown) {
		return reject(EPERM, "device.%d is marked nodown", id)
	}
	total, up, _ := next.NumDevices()
	if total == 0 {
		return reject(EPERM, "no devices")
	}
	if ratio := float64(up-1) / float64(total); ratio < sm.opts.MinUpRatio {
		return reject(EPERM, "marking device.%d down would leave %d of %d devices up, below min up ratio %.2f",
			id, up-1, total, sm.opts.MinUpRatio)
	}
	return nil
}

func (sm *Machine) CanMarkOut(p *Pending, id osdmap.DeviceID) error {
	next := p.Next()
	if next.DeviceFlag(id, osdmap.StateNoOut, osdmap.FlagNoOut) {
		return reject(EPERM, "device.%d is marked noout", id)
	}
	total, _, in := next.NumDevices()
	if total == 0 {
		return reject(EPERM, "no devices")
	}
	if ratio := float64(in-1) / float64(total); ratio < sm.opts.MinInRatio {
		return reject(EPERM, "marking device.%d out would leave %d of %d devices in, below min in ratio %.2f",
			id, in-1, total, sm.opts.MinInRatio)
	}
	return nil
}

func (sm *Machine) CanMarkIn(p *Pending, id osdmap.DeviceID) error {
	if p.Next().DeviceFlag(id, osdmap.StateNoIn, osdmap.FlagNoIn) {
		return reject(EPERM, "device.%d is marked noin", id)
	}
	return nil
}

func (sm *Machine) CanBoot(p *Pending, id osdmap.DeviceID) error {
	if p.Next().DeviceFlag(id, osdmap.StateNoUp, osdmap.FlagNoUp) {
		return reject(EPERM, "device.%d is marked noup", id)
	}
	return nil
}

// stageDown takes an up device down in the pending round.
func (sm *Machine) stageDown(p *Pending, id osdmap.DeviceID) {
	p.SetState(id, p.Next().State(id)&^osdmap.StateUp)
}

func (sm *Machine) stageOut(p *Pending, id osdmap.DeviceID, auto bool) {
	next := p.Next()
	x := p.XInfo(id)
	x.OldWeight = next.Weight(id)
	p.SetXInfo(id, x)
	p.SetWeight(id, osdmap.WeightOut)
	if auto {
		p.SetState(id, p.Next().State(id)|osdmap.StateAutoOut)
	}
}
