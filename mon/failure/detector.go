package failure

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/facebookgo/clock"
	"github.com/golang/glog"

	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/stats"
)

type Options struct {
	HeartbeatGrace       time.Duration
	AdjustHeartbeatGrace bool
	LaggyHalflife        time.Duration
	MinReporters         int
	// location key reporters are grouped by, e.g. "host" or "rack"
	ReporterSubtreeLevel  string
	ReportTimeout         time.Duration
	DownOutInterval       time.Duration
	AdjustDownOutInterval bool
}

func DefaultOptions() Options {
	return Options{
		HeartbeatGrace:        20 * time.Second,
		AdjustHeartbeatGrace:  true,
		LaggyHalflife:         time.Hour,
		MinReporters:          2,
		ReporterSubtreeLevel:  "host",
		ReportTimeout:         900 * time.Second,
		DownOutInterval:       600 * time.Second,
		AdjustDownOutInterval: true,
	}
}

type ReporterEntry struct {
	FailedSince time.Time
	// request token of the report, answered when the device goes down
	Token string
}

// FailureReport collects the peers claiming a device has failed.
type FailureReport struct {
	Reporters map[osdmap.DeviceID]ReporterEntry
}

// FailedSince is the earliest failure time among reporters.
func (f *FailureReport) FailedSince() time.Time {
	var since time.Time
	for _, r := range f.Reporters {
		if since.IsZero() || r.FailedSince.Before(since) {
			since = r.FailedSince
		}
	}
	return since
}

func (f *FailureReport) Tokens() []string {
	var tokens []string
	for _, r := range f.Reporters {
		if r.Token != "" {
			tokens = append(tokens, r.Token)
		}
	}
	sort.Strings(tokens)
	return tokens
}

type Decision struct {
	FailedFor time.Duration
	Grace     time.Duration
	MyGrace   time.Duration
	PeerGrace time.Duration
	Groups    int
	MarkDown  bool
}

// Detector is owned by the single writer; it is not safe for concurrent use.
type Detector struct {
	opts  Options
	clock clock.Clock

	failures       map[osdmap.DeviceID]*FailureReport
	lastBeacon     map[osdmap.DeviceID]time.Time
	downPendingOut map[osdmap.DeviceID]time.Time
	leaderSince    time.Time
	// tokens of reports discarded because their reporter left the map
	dropped []string
}

func New(opts Options, clk clock.Clock) *Detector {
	if clk == nil {
		clk = clock.New()
	}
	if opts.MinReporters < 1 {
		opts.MinReporters = 1
	}
	return &Detector{
		opts:           opts,
		clock:          clk,
		failures:       make(map[osdmap.DeviceID]*FailureReport),
		lastBeacon:     make(map[osdmap.DeviceID]time.Time),
		downPendingOut: make(map[osdmap.DeviceID]time.Time),
	}
}

func (d *Detector) Options() Options { return d.opts }

func (d *Detector) Clock() clock.Clock { return d.clock }

// SetLeader restarts beacon tracking after this monitor won leadership.
func (d *Detector) SetLeader(now time.Time, m *osdmap.Map) {
	d.leaderSince = now
	d.lastBeacon = make(map[osdmap.DeviceID]time.Time)
	d.downPendingOut = make(map[osdmap.DeviceID]time.Time)
	d.Forget(m, now)
}

func (d *Detector) AddReport(target, reporter osdmap.DeviceID, failedSince time.Time, token string) {
	f, ok := d.failures[target]
	if !ok {
		f = &FailureReport{Reporters: make(map[osdmap.DeviceID]ReporterEntry)}
		d.failures[target] = f
	}
	f.Reporters[reporter] = ReporterEntry{FailedSince: failedSince, Token: token}
	stats.MonitorFailureReportsGauge.Set(float64(len(d.failures)))
}

// CancelReport drops one reporter. The report of target is discarded once
// nobody is left; cancelled returns the tokens to answer.
func (d *Detector) CancelReport(target, reporter osdmap.DeviceID) (cancelled []string, found bool) {
	f, ok := d.failures[target]
	if !ok {
		return nil, false
	}
	r, ok := f.Reporters[reporter]
	if !ok {
		return nil, false
	}
	delete(f.Reporters, reporter)
	if r.Token != "" {
		cancelled = append(cancelled, r.Token)
	}
	if len(f.Reporters) == 0 {
		delete(d.failures, target)
		glog.V(1).Infof("failure report of device %d cancelled by all reporters", target)
	}
	stats.MonitorFailureReportsGauge.Set(float64(len(d.failures)))
	return cancelled, true
}

func (d *Detector) Report(target osdmap.DeviceID) (*FailureReport, bool) {
	f, ok := d.failures[target]
	return f, ok
}

// Pending lists devices with outstanding reports in id order.
func (d *Detector) Pending() []osdmap.DeviceID {
	ids := make([]osdmap.DeviceID, 0, len(d.failures))
	for id := range d.failures {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *Detector) decayK() float64 {
	return math.Log(.5) / d.opts.LaggyHalflife.Seconds()
}

func laggyGrace(x osdmap.XInfo, elapsed time.Duration, decayK float64) float64 {
	decay := math.Exp(elapsed.Seconds() * decayK)
	return decay * x.LaggyInterval * x.LaggyProbability
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// CheckFailure weighs the reports against target. Reporters that no
// longer exist in m are dropped and their tokens kept for Dropped.
func (d *Detector) CheckFailure(m *osdmap.Map, target osdmap.DeviceID, now time.Time) Decision {
	f, ok := d.failures[target]
	if !ok {
		return Decision{}
	}
	failedFor := now.Sub(f.FailedSince())
	grace := d.opts.HeartbeatGrace.Seconds()
	var myGrace, peerGrace float64
	decayK := d.decayK()
	if d.opts.AdjustHeartbeatGrace {
		myGrace = laggyGrace(m.Devices[target].XInfo, failedFor, decayK)
		grace += myGrace
	}

	groups := map[string]struct{}{}
	count := 0
	for reporter := range f.Reporters {
		dev, exists := m.Device(reporter)
		if !exists {
			if token := f.Reporters[reporter].Token; token != "" {
				d.dropped = append(d.dropped, token)
			}
			delete(f.Reporters, reporter)
			continue
		}
		if loc, found := dev.Location[d.opts.ReporterSubtreeLevel]; found {
			groups[loc] = struct{}{}
		} else {
			groups["device."+strconv.Itoa(int(reporter))] = struct{}{}
		}
		if d.opts.AdjustHeartbeatGrace {
			peerGrace += laggyGrace(dev.XInfo, now.Sub(dev.XInfo.DownStamp), decayK)
		}
		count++
	}
	if count == 0 {
		delete(d.failures, target)
		stats.MonitorFailureReportsGauge.Set(float64(len(d.failures)))
		glog.V(1).Infof("failure report of device %d discarded, no reporter is left", target)
		return Decision{FailedFor: failedFor}
	}
	if d.opts.AdjustHeartbeatGrace {
		peerGrace /= float64(count)
		grace += peerGrace
	}

	dec := Decision{
		FailedFor: failedFor,
		Grace:     seconds(grace),
		MyGrace:   seconds(myGrace),
		PeerGrace: seconds(peerGrace),
		Groups:    len(groups),
	}
	dec.MarkDown = failedFor.Seconds() >= grace && len(groups) >= d.opts.MinReporters
	glog.V(2).Infof("device %d failed for %v, grace %v (my %v, peer %v), %d groups of reporters, mark down %v",
		target, failedFor, dec.Grace, dec.MyGrace, dec.PeerGrace, dec.Groups, dec.MarkDown)
	return dec
}

// Dropped returns and clears the tokens of reports CheckFailure discarded.
func (d *Detector) Dropped() []string {
	tokens := d.dropped
	d.dropped = nil
	sort.Strings(tokens)
	return tokens
}

func (d *Detector) Beacon(id osdmap.DeviceID, now time.Time) {
	d.lastBeacon[id] = now
}

// TimedOut lists up devices silent for longer than the report timeout.
// Nothing times out until the timeout has passed since leadership began.
func (d *Detector) TimedOut(m *osdmap.Map, now time.Time) []osdmap.DeviceID {
	if now.Sub(d.leaderSince) < d.opts.ReportTimeout {
		return nil
	}
	var out []osdmap.DeviceID
	for _, id := range m.DeviceIDs() {
		if !m.IsUp(id) {
			continue
		}
		last, ok := d.lastBeacon[id]
		if !ok {
			d.lastBeacon[id] = now
			continue
		}
		if now.Sub(last) > d.opts.ReportTimeout {
			out = append(out, id)
		}
	}
	return out
}

// Forget syncs the detector with a newly committed map: reports and
// beacons of devices that are down or gone are dropped, and down devices
// that are still in start their down-out timer. It returns the report
// tokens of devices that went down.
func (d *Detector) Forget(m *osdmap.Map, now time.Time) []string {
	var tokens []string
	for id, f := range d.failures {
		if !m.IsUp(id) {
			tokens = append(tokens, f.Tokens()...)
			delete(d.failures, id)
		}
	}
	for id := range d.lastBeacon {
		if !m.IsUp(id) {
			delete(d.lastBeacon, id)
		}
	}
	for id := range d.downPendingOut {
		if !m.IsDown(id) || !m.IsIn(id) {
			delete(d.downPendingOut, id)
		}
	}
	for _, id := range m.DeviceIDs() {
		if !m.IsDown(id) || !m.IsIn(id) {
			continue
		}
		if _, ok := d.downPendingOut[id]; ok {
			continue
		}
		since := m.Devices[id].XInfo.DownStamp
		if since.IsZero() || since.After(now) {
			since = now
		}
		d.downPendingOut[id] = since
	}
	stats.MonitorFailureReportsGauge.Set(float64(len(d.failures)))
	sort.Strings(tokens)
	return tokens
}

// DueForOut lists devices down and in for longer than the down-out
// interval, stretched by their laggy history.
func (d *Detector) DueForOut(m *osdmap.Map, now time.Time) []osdmap.DeviceID {
	if d.opts.DownOutInterval <= 0 {
		return nil
	}
	var out []osdmap.DeviceID
	for id, since := range d.downPendingOut {
		if !m.IsDown(id) || !m.IsIn(id) {
			delete(d.downPendingOut, id)
			continue
		}
		down := now.Sub(since)
		grace := d.opts.DownOutInterval.Seconds()
		if d.opts.AdjustDownOutInterval {
			grace += laggyGrace(m.Devices[id].XInfo, down, d.decayK())
		}
		if down.Seconds() >= grace {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *Detector) StopDownOut(id osdmap.DeviceID) {
	delete(d.downPendingOut, id)
}
