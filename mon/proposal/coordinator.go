package proposal

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/facebookgo/clock"
	"github.com/golang/glog"
	"github.com/karlseguin/ccache/v2"
	"go.uber.org/atomic"

	"github.com/seaweedfs/mapmon/mon/auth"
	"github.com/seaweedfs/mapmon/mon/consensus"
	"github.com/seaweedfs/mapmon/mon/ledger"
	"github.com/seaweedfs/mapmon/mon/membership"
	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/remap"
	"github.com/seaweedfs/mapmon/mon/stats"
	"github.com/seaweedfs/mapmon/mon/store"
)

var (
	ErrNotLeader = consensus.ErrNotLeader
	ErrHalted    = errors.New("map monitor halted after a persistence failure")
	ErrNoMap     = errors.New("no map committed yet")
)

type Options struct {
	// ProposeInterval delays a round after its first change; zero leaves
	// proposing to explicit ProposeNow calls.
	ProposeInterval time.Duration
	// TickInterval drives failure checks; zero disables the tick loop.
	TickInterval time.Duration
	TokenTTL     time.Duration
	MaxTokens    int64
	// NodeID seeds request tokens, unique per monitor in 0..1023.
	NodeID int64
}

func DefaultOptions() Options {
	return Options{
		ProposeInterval: time.Second,
		TickInterval:    5 * time.Second,
		TokenTTL:        10 * time.Minute,
		MaxTokens:       100000,
	}
}

type round struct {
	epoch    osdmap.Epoch
	waiters  []*Request
	reruns   []*Request
	trim     *Request
	proposed time.Time
}

// Coordinator owns the pending round. Stimuli are applied under its lock;
// the committed map is published through an atomic pointer so readers
// never take the lock.
type Coordinator struct {
	opts      Options
	ledger    *ledger.Ledger
	sm        *membership.Machine
	mapper    *remap.Mapper
	authority auth.Authority
	clock     clock.Clock
	ids       *snowflake.Node
	tokens    *ccache.Cache

	current atomic.Pointer[osdmap.Map]
	leader  atomic.Bool
	halted  atomic.Bool

	mu       sync.Mutex
	log      consensus.Log
	creating *membership.CreatingPGs
	pending  *membership.Pending
	waiters  []*Request
	reruns   []*Request
	inflight *round
	queue    []*Request
	// failure reports waiting for their target to go down, by token
	reports   map[string]*Request
	job       *remap.Job
	timer     *clock.Timer
	committed chan struct{}
	subs      subscribers

	stop    chan struct{}
	stopped sync.WaitGroup
}

// New loads the committed state of l. authority may be nil when device
// credentials are not managed.
func New(opts Options, l *ledger.Ledger, sm *membership.Machine, mapper *remap.Mapper, authority auth.Authority) (*Coordinator, error) {
	ids, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("request token generator: %v", err)
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultOptions().TokenTTL
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultOptions().MaxTokens
	}
	c := &Coordinator{
		opts:      opts,
		ledger:    l,
		sm:        sm,
		mapper:    mapper,
		authority: authority,
		clock:     sm.Detector().Clock(),
		ids:       ids,
		tokens:    ccache.New(ccache.Configure().MaxSize(opts.MaxTokens)),
		creating:  membership.NewCreatingPGs(),
		reports:   make(map[string]*Request),
		committed: make(chan struct{}),
		stop:      make(chan struct{}),
	}
	sm.Purged = func(pool osdmap.PoolID, snap osdmap.SnapID) bool {
		_, found, err := l.LookupSnap(ledger.SnapPurged, pool, snap)
		if err != nil {
			glog.Warningf("lookup purged snap %d of pool %d: %v", snap, pool, err)
		}
		return found
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(true); err != nil {
		return nil, err
	}
	return c, nil
}

// Start attaches the consensus log and follows its leadership.
func (c *Coordinator) Start(log consensus.Log) {
	c.mu.Lock()
	c.log = log
	c.mu.Unlock()
	if log.IsLeader() {
		c.setLeader(true)
	}
	c.stopped.Add(1)
	go c.watchLeader()
	if c.opts.TickInterval > 0 {
		c.stopped.Add(1)
		go c.tickLoop()
	}
}

func (c *Coordinator) Stop() {
	close(c.stop)
	c.stopped.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.job != nil {
		c.job.Abort()
	}
	c.tokens.Stop()
}

// StateHandlers connects the coordinator to a replicated log.
func (c *Coordinator) StateHandlers() consensus.StateHandlers {
	return consensus.StateHandlers{
		Commit:   c.Commit,
		Snapshot: c.Snapshot,
		Restore:  c.Restore,
	}
}

func (c *Coordinator) Current() *osdmap.Map { return c.current.Load() }

func (c *Coordinator) Ledger() *ledger.Ledger { return c.ledger }

func (c *Coordinator) Machine() *membership.Machine { return c.sm }

func (c *Coordinator) IsLeader() bool { return c.leader.Load() }

func (c *Coordinator) Halted() bool { return c.halted.Load() }

// Leader is the address of the current leader, if known.
func (c *Coordinator) Leader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.log == nil {
		return ""
	}
	return c.log.Leader()
}

// Handle applies s to the open round and returns the request to wait on.
// A token seen before returns the request it named.
func (c *Coordinator) Handle(token string, s membership.Stimulus) *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != "" {
		if item := c.tokens.Get(token); item != nil && !item.Expired() {
			return item.Value().(*Request)
		}
	} else {
		token = c.ids.Generate().String()
	}
	if report, ok := s.(membership.FailureReport); ok {
		report.Token = token
		s = report
	}
	r := newRequest(token, s, c.clock.Now())
	c.tokens.Set(token, r, c.opts.TokenTTL)
	c.dispatchLocked(r, false)
	return r
}

func (c *Coordinator) dispatchLocked(r *Request, replay bool) {
	switch {
	case c.halted.Load():
		r.finish(membership.Result{}, ErrHalted)
	case !c.leader.Load() && replay:
		c.queue = append(c.queue, r)
	case !c.leader.Load():
		r.finish(membership.Result{}, ErrNotLeader)
	case c.current.Load() == nil:
		r.finish(membership.Result{}, ErrNoMap)
	case c.inflight != nil:
		c.queue = append(c.queue, r)
	default:
		c.applyLocked(r)
	}
}

func (c *Coordinator) openLocked() *membership.Pending {
	if c.pending == nil {
		c.pending = membership.NewPending(c.current.Load(), c.creating, c.clock.Now())
	}
	return c.pending
}

func (c *Coordinator) applyLocked(r *Request) {
	p := c.openLocked()
	kind := r.Stimulus.Kind()
	res, err := r.Stimulus.Apply(c.sm, p)
	c.answerDroppedLocked()
	if err != nil {
		code, _ := membership.CodeOf(err)
		stats.MonitorStimulusCounter.WithLabelValues(kind, string(code)).Inc()
		if membership.IsContention(err) {
			glog.V(1).Infof("%s %s waits for the next round: %v", kind, r.Token, err)
			c.queue = append(c.queue, r)
			c.scheduleLocked()
			return
		}
		glog.V(1).Infof("%s %s rejected: %v", kind, r.Token, err)
		r.finish(membership.Result{}, err)
		return
	}
	stats.MonitorStimulusCounter.WithLabelValues(kind, res.Outcome.String()).Inc()
	glog.V(2).Infof("%s %s: %s %s", kind, r.Token, res.Outcome, res.Message)
	switch res.Outcome {
	case membership.Staged, membership.AlreadyPending:
		r.staged = res
		c.waiters = append(c.waiters, r)
		c.scheduleLocked()
	case membership.Requeue:
		c.reruns = append(c.reruns, r)
		c.scheduleLocked()
	case membership.NoOp:
		c.noopLocked(r, res)
	}
}

func (c *Coordinator) noopLocked(r *Request, res membership.Result) {
	switch s := r.Stimulus.(type) {
	case membership.CancelFailure:
		if tokens, ok := res.Value.([]string); ok {
			c.answerReportsLocked(tokens, membership.Result{Outcome: membership.NoOp, Message: "failure report cancelled"})
		}
	case membership.FailureReport:
		if f, ok := c.sm.Detector().Report(s.Target); ok && f.Reporters[s.Reporter].Token == r.Token {
			c.reports[r.Token] = r
			return
		}
	}
	r.finish(res, nil)
}

// answerDroppedLocked answers reports whose reporter left the map before
// the target went down.
func (c *Coordinator) answerDroppedLocked() {
	if tokens := c.sm.Detector().Dropped(); len(tokens) > 0 {
		c.answerReportsLocked(tokens, membership.Result{Outcome: membership.NoOp, Message: "failure report discarded, reporter is gone"})
	}
}

func (c *Coordinator) answerReportsLocked(tokens []string, res membership.Result) {
	for _, token := range tokens {
		if r, ok := c.reports[token]; ok {
			delete(c.reports, token)
			r.finish(res, nil)
		}
	}
}

func (c *Coordinator) scheduleLocked() {
	if c.opts.ProposeInterval <= 0 || c.timer != nil || c.inflight != nil {
		return
	}
	c.timer = c.clock.AfterFunc(c.opts.ProposeInterval, func() {
		if err := c.ProposeNow(); err != nil {
			glog.V(1).Infof("propose: %v", err)
		}
	})
}

// ProposeNow finalizes the open round and hands it to the consensus log.
// Housekeeping such as queued PG creation opens a round by itself.
func (c *Coordinator) ProposeNow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proposeLocked()
}

func (c *Coordinator) proposeLocked() error {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	switch {
	case c.halted.Load():
		return ErrHalted
	case c.log == nil || !c.leader.Load():
		return ErrNotLeader
	case c.inflight != nil:
		return nil
	case c.current.Load() == nil:
		return ErrNoMap
	}
	if c.pending == nil {
		if !c.sm.NeedsRound(c.creating, c.current.Load(), c.clock.Now()) {
			return nil
		}
		c.openLocked()
	}
	p := c.pending
	p.Now = c.clock.Now()
	c.sm.Finalize(p, c.job)
	if p.Empty() {
		c.pending = nil
		waiters, reruns := c.waiters, c.reruns
		c.waiters, c.reruns = nil, nil
		for _, w := range waiters {
			w.finish(w.staged, nil)
		}
		for _, r := range reruns {
			c.dispatchLocked(r, true)
		}
		return nil
	}

	tx := store.NewTransaction()
	if err := c.encodeLocked(tx, p); err != nil {
		c.haltLocked(err)
		return err
	}
	payload, err := tx.Encode()
	if err != nil {
		c.haltLocked(err)
		return err
	}
	r := &round{epoch: p.Epoch(), waiters: c.waiters, reruns: c.reruns, proposed: c.clock.Now()}
	c.inflight = r
	c.pending = nil
	c.waiters, c.reruns = nil, nil
	glog.V(1).Infof("proposing epoch %d with %d waiting requests", r.epoch, len(r.waiters))
	c.log.Propose(payload, func(err error) { c.proposed(r, err) })
	return nil
}

// encodeLocked writes the round's epoch and the records that go with it.
func (c *Coordinator) encodeLocked(tx *store.Transaction, p *membership.Pending) error {
	epoch := p.Epoch()
	if _, err := c.ledger.EncodePending(tx, p.Base, p.Inc); err != nil {
		return fmt.Errorf("encode epoch %d: %w", epoch, err)
	}
	creating, err := p.Creating.Encode()
	if err != nil {
		return err
	}
	c.ledger.PutPGCreating(tx, creating)

	ids := make([]osdmap.DeviceID, 0, len(p.Metadata))
	for id := range p.Metadata {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := c.ledger.PutMetadata(tx, id, p.Metadata[id]); err != nil {
			return err
		}
	}
	for id := range p.MetadataRemoved {
		c.ledger.EraseMetadata(tx, id)
	}

	pools := make([]osdmap.PoolID, 0, len(p.Inc.NewRemovedSnaps))
	for pool := range p.Inc.NewRemovedSnaps {
		pools = append(pools, pool)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i] < pools[j] })
	for _, pool := range pools {
		if err := c.ledger.EncodeRemovedSnaps(tx, pool, p.Inc.NewRemovedSnaps[pool], epoch); err != nil {
			return err
		}
	}
	purged := make(map[osdmap.PoolID]osdmap.SnapIntervalSet)
	for pool, set := range p.Inc.NewPurgedSnaps {
		purged[pool] = set.Clone()
	}
	for pool, set := range p.LegacyPurged {
		purged[pool] = purged[pool].Union(set)
	}
	return c.ledger.EncodePurgedSnaps(tx, purged, epoch)
}

// proposed settles a round once the log accepted or dropped it.
func (c *Coordinator) proposed(r *round, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == r {
		c.inflight = nil
	}
	replay := c.queue
	c.queue = nil
	switch {
	case err == nil:
		stats.MonitorRoundCounter.WithLabelValues("committed").Inc()
		stats.MonitorProposalHistogram.Observe(c.clock.Now().Sub(r.proposed).Seconds())
		for _, w := range r.waiters {
			w.finish(w.staged, nil)
		}
		if r.trim != nil {
			r.trim.finish(membership.Result{Outcome: membership.Staged, Message: r.trim.staged.Message}, nil)
		}
		replay = append(r.reruns, replay...)
	case errors.Is(err, consensus.ErrLeadershipLost), errors.Is(err, consensus.ErrNotLeader):
		stats.MonitorRoundCounter.WithLabelValues("lost").Inc()
		glog.Warningf("round for epoch %d dropped: %v; %d requests retry under the next leader", r.epoch, err, len(r.waiters)+len(r.reruns))
		retry := append(append([]*Request(nil), r.waiters...), r.reruns...)
		if r.trim != nil {
			retry = append(retry, r.trim)
		}
		replay = append(retry, replay...)
	case errors.Is(err, consensus.ErrClosed):
		stats.MonitorRoundCounter.WithLabelValues("closed").Inc()
		failAll(r.waiters, err)
		failAll(r.reruns, err)
		failAll(replay, err)
		if r.trim != nil {
			r.trim.finish(membership.Result{}, err)
		}
		return
	default:
		stats.MonitorRoundCounter.WithLabelValues("failed").Inc()
		c.haltLocked(fmt.Errorf("commit epoch %d: %w", r.epoch, err))
		failAll(r.waiters, ErrHalted)
		failAll(r.reruns, ErrHalted)
		failAll(replay, ErrHalted)
		if r.trim != nil {
			r.trim.finish(membership.Result{}, ErrHalted)
		}
		return
	}
	for _, q := range replay {
		if t, ok := q.Stimulus.(trimStimulus); ok {
			c.proposeTrimLocked(q, t.to)
			continue
		}
		c.dispatchLocked(q, true)
	}
	if c.pending != nil || c.sm.NeedsRound(c.creating, c.current.Load(), c.clock.Now()) {
		c.scheduleLocked()
	}
}

// Commit applies a committed payload to the ledger and publishes the new
// map. It runs on every replica.
func (c *Coordinator) Commit(index uint64, payload []byte) error {
	if c.halted.Load() {
		return ErrHalted
	}
	tx, err := store.DecodeTransaction(payload)
	if err == nil {
		err = c.ledger.Commit(tx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		err = c.refreshLocked(false)
	}
	if err != nil {
		c.haltLocked(fmt.Errorf("log entry %d: %w", index, err))
		return err
	}
	return nil
}

// refreshLocked catches the published map up with the ledger, checking
// every incremental against the crc of the map it produces.
func (c *Coordinator) refreshLocked(reload bool) error {
	last := c.ledger.LastCommitted()
	if last == 0 {
		return nil
	}
	prev := c.current.Load()
	cur := prev
	if reload || cur == nil || cur.Epoch > last || cur.Epoch < c.ledger.FirstCommitted() {
		m, err := c.ledger.GetFull(last)
		if err != nil {
			return err
		}
		cur = m
	}
	for cur.Epoch < last {
		inc, err := c.ledger.GetIncremental(cur.Epoch)
		if err != nil {
			return err
		}
		next, err := cur.Apply(inc)
		if err != nil {
			return err
		}
		crc, err := next.CRC()
		if err != nil {
			return err
		}
		if crc != inc.FullCRC {
			return fmt.Errorf("%w: epoch %d has crc %08x, incremental expects %08x", ledger.ErrCorrupt, next.Epoch, crc, inc.FullCRC)
		}
		cur = next
	}
	data, err := c.ledger.PGCreating()
	if err != nil {
		return err
	}
	if c.creating, err = membership.DecodeCreatingPGs(data); err != nil {
		return err
	}
	if cur == prev {
		return nil
	}
	c.publishLocked(prev, cur)
	return nil
}

func (c *Coordinator) publishLocked(prev, cur *osdmap.Map) {
	c.current.Store(cur)
	stats.MonitorEpochGauge.Set(float64(cur.Epoch))
	glog.V(0).Infof("published epoch %d (%d..%d in ledger)", cur.Epoch, c.ledger.FirstCommitted(), c.ledger.LastCommitted())

	if c.pending != nil && c.pending.Base.Epoch != cur.Epoch {
		// opened against a map that is no longer current
		c.queue = append(append(c.queue, c.waiters...), c.reruns...)
		c.pending, c.waiters, c.reruns = nil, nil, nil
	}
	tokens := c.sm.Committed(cur)
	c.answerReportsLocked(tokens, membership.Result{Outcome: membership.Staged, Message: "marked down"})
	if prev == nil && c.leader.Load() {
		c.sm.Detector().SetLeader(c.clock.Now(), cur)
	}

	c.subs.publish(Notification{Kind: NotifyMap, Epoch: cur.Epoch})
	var created []osdmap.PGID
	for pg, create := range c.creating.PGs {
		if create.Epoch == cur.Epoch {
			created = append(created, pg)
		}
	}
	for _, n := range pgCreates(cur, c.sm.Placer(), created) {
		c.subs.publish(n)
	}

	close(c.committed)
	c.committed = make(chan struct{})
	c.startJobLocked(cur)
}

func (c *Coordinator) startJobLocked(m *osdmap.Map) {
	if c.job != nil {
		c.job.Abort()
		c.job = nil
	}
	if c.mapper == nil || !c.leader.Load() || !c.sm.Options().PrimePGTemp {
		return
	}
	c.job = c.mapper.Start(m)
}

func (c *Coordinator) haltLocked(err error) {
	if c.halted.Swap(true) {
		return
	}
	glog.Errorf("map monitor halted, refusing further changes: %v", err)
	stats.MonitorHalted.Set(1)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	halted := fmt.Errorf("%w: %v", ErrHalted, err)
	failAll(c.waiters, halted)
	failAll(c.reruns, halted)
	failAll(c.queue, halted)
	for token, r := range c.reports {
		delete(c.reports, token)
		r.finish(membership.Result{}, halted)
	}
	c.pending, c.waiters, c.reruns, c.queue = nil, nil, nil, nil
}

// Snapshot dumps the ledger for the consensus log.
func (c *Coordinator) Snapshot() ([]byte, error) {
	return c.ledger.Dump().Encode()
}

// Restore replaces the ledger with a snapshot and reloads the map.
func (c *Coordinator) Restore(data []byte) error {
	tx, err := store.DecodeTransaction(data)
	if err != nil {
		return err
	}
	if err := c.ledger.Restore(tx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(true)
}
