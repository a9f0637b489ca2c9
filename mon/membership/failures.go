package membership

import (
	"time"

	"github.com/golang/glog"

	"github.com/seaweedfs/mapmon/mon/osdmap"
)

// FailureReport is a peer claiming Target has been unresponsive since
// FailedSince. Token identifies the request so it can be answered once
// the target goes down.
type FailureReport struct {
	Target      osdmap.DeviceID
	Reporter    osdmap.DeviceID
	FailedSince time.Time
	Token       string
}

func (s FailureReport) Kind() string { return "failure" }

func (s FailureReport) Apply(sm *Machine, p *Pending) (Result, error) {
	next := p.Next()
	if !p.Base.Exists(s.Target) {
		return Result{}, reject(ENOENT, "device.%d does not exist", s.Target)
	}
	if !p.Base.IsUp(s.Reporter) {
		return Result{}, reject(EPERM, "reporter device.%d is not up", s.Reporter)
	}
	if !p.Base.IsUp(s.Target) {
		return noop("device.%d is already down", s.Target)
	}
	if p.isStagedDown(s.Target) {
		return alreadyPending("device.%d mark down already pending", s.Target)
	}
	since := s.FailedSince
	if since.IsZero() || since.After(p.Now) {
		since = p.Now
	}
	sm.detector.AddReport(s.Target, s.Reporter, since, s.Token)
	if p.isBooting(s.Target) {
		return noop("device.%d is booting; failure report recorded", s.Target)
	}
	dec := sm.detector.CheckFailure(next, s.Target, p.Now)
	if !dec.MarkDown {
		return noop("failure report for device.%d recorded", s.Target)
	}
	if err := sm.CanMarkDown(p, s.Target); err != nil {
		glog.V(1).Infof("not marking device.%d down: %v", s.Target, err)
		return noop("failure report for device.%d recorded", s.Target)
	}
	sm.stageDown(p, s.Target)
	glog.Infof("marking device.%d down after %v, grace %v, %d reporter groups",
		s.Target, dec.FailedFor, dec.Grace, dec.Groups)
	return staged("marked down device.%d", s.Target)
}

// CancelFailure withdraws a report. The cancelled request tokens are
// returned as the result value.
type CancelFailure struct {
	Target   osdmap.DeviceID
	Reporter osdmap.DeviceID
}

func (s CancelFailure) Kind() string { return "failure-cancel" }

func (s CancelFailure) Apply(sm *Machine, p *Pending) (Result, error) {
	tokens, found := sm.detector.CancelReport(s.Target, s.Reporter)
	if !found {
		return noop("no failure report from device.%d for device.%d", s.Reporter, s.Target)
	}
	return Result{Outcome: NoOp, Message: sprintf("cancelled failure report for device.%d", s.Target), Value: tokens}, nil
}

// Beacon is a liveness ping from a device.
type Beacon struct {
	ID osdmap.DeviceID
}

func (s Beacon) Kind() string { return "beacon" }

func (s Beacon) Apply(sm *Machine, p *Pending) (Result, error) {
	if !p.Base.IsUp(s.ID) {
		return Result{}, reject(EPERM, "device.%d is not up", s.ID)
	}
	sm.detector.Beacon(s.ID, p.Now)
	return noop("beacon from device.%d", s.ID)
}

// CheckFailures re-evaluates every outstanding failure report and stages
// the devices whose grace has run out.
func (sm *Machine) CheckFailures(p *Pending) int {
	n := 0
	for _, id := range sm.detector.Pending() {
		if !p.Base.IsUp(id) || p.isStagedDown(id) || p.isBooting(id) {
			continue
		}
		dec := sm.detector.CheckFailure(p.Next(), id, p.Now)
		if !dec.MarkDown {
			continue
		}
		if err := sm.CanMarkDown(p, id); err != nil {
			glog.V(1).Infof("not marking device.%d down: %v", id, err)
			continue
		}
		glog.Infof("marking device.%d down after %v, grace %v", id, dec.FailedFor, dec.Grace)
		sm.stageDown(p, id)
		n++
	}
	return n
}

// HandleTimeouts marks down devices that stopped sending beacons.
func (sm *Machine) HandleTimeouts(p *Pending) int {
	n := 0
	for _, id := range sm.detector.TimedOut(p.Base, p.Now) {
		if p.isStagedDown(id) || p.isBooting(id) {
			continue
		}
		if err := sm.CanMarkDown(p, id); err != nil {
			glog.V(1).Infof("not marking silent device.%d down: %v", id, err)
			continue
		}
		glog.Warningf("device.%d sent no beacon for %v, marking down", id, sm.detector.Options().ReportTimeout)
		sm.stageDown(p, id)
		n++
	}
	return n
}

// HandleDownOut marks out devices that stayed down past the down-out
// interval.
func (sm *Machine) HandleDownOut(p *Pending) int {
	n := 0
	for _, id := range sm.detector.DueForOut(p.Base, p.Now) {
		next := p.Next()
		if !next.IsDown(id) || next.IsOut(id) {
			continue
		}
		if err := sm.CanMarkOut(p, id); err != nil {
			glog.V(1).Infof("not marking down device.%d out: %v", id, err)
			continue
		}
		glog.Infof("device.%d down since %v, marking out", id, next.Devices[id].XInfo.DownStamp)
		sm.stageOut(p, id, true)
		sm.detector.StopDownOut(id)
		n++
	}
	return n
}

// ExpireBlacklist drops blacklist entries whose time has passed.
func (sm *Machine) ExpireBlacklist(p *Pending) int {
	n := 0
	for addr, until := range p.Base.Blacklist {
		if p.Now.Before(until) {
			continue
		}
		if _, renewed := p.Inc.NewBlacklist[addr]; renewed || containsString(p.Inc.OldBlacklist, addr) {
			continue
		}
		p.Inc.OldBlacklist = append(p.Inc.OldBlacklist, addr)
		n++
	}
	if n > 0 {
		p.touch()
	}
	return n
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
