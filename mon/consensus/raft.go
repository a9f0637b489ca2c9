package consensus

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/glog"
	hashicorpRaft "github.com/hashicorp/raft"
	boltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/seaweedfs/mapmon/mon/stats"
)

type RaftOptions struct {
	// Addr is this replica's raft address and id.
	Addr string
	// Peers are the addresses of the initial voters, Addr included.
	Peers            []string
	DataDir          string
	Bootstrap        bool
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	ApplyTimeout     time.Duration
	SnapshotRetain   int
}

// StateHandlers connect the raft state machine to the ledger.
type StateHandlers struct {
	Commit   CommitFunc
	Snapshot func() ([]byte, error)
	Restore  func(data []byte) error
}

// Raft is a Log replicated by hashicorp raft.
type Raft struct {
	plug
	raft     *hashicorpRaft.Raft
	opts     RaftOptions
	leaderCh chan bool
	closing  chan struct{}
	closers  []io.Closer
}

// glogWriter routes raft library output into glog.
type glogWriter struct{}

func (glogWriter) Write(p []byte) (int, error) {
	glog.V(1).Info(string(bytes.TrimSpace(p)))
	return len(p), nil
}

func raftConfig(opts RaftOptions) *hashicorpRaft.Config {
	c := hashicorpRaft.DefaultConfig()
	c.LocalID = hashicorpRaft.ServerID(opts.Addr)
	c.LogOutput = glogWriter{}
	c.LogLevel = "INFO"
	if glog.V(4) {
		c.LogLevel = "DEBUG"
	}
	if opts.HeartbeatTimeout > 0 {
		c.HeartbeatTimeout = opts.HeartbeatTimeout
		c.LeaderLeaseTimeout = opts.HeartbeatTimeout / 2
	}
	if opts.ElectionTimeout > 0 {
		c.ElectionTimeout = opts.ElectionTimeout
	}
	return c
}

// NewRaft opens the bolt log store and tcp transport under opts and joins
// the cluster.
func NewRaft(opts RaftOptions, h StateHandlers) (*Raft, error) {
	dir := filepath.Join(opts.DataDir, "raft")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	store, err := boltdb.NewBoltStore(filepath.Join(dir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("open raft log store: %v", err)
	}
	retain := opts.SnapshotRetain
	if retain <= 0 {
		retain = 3
	}
	snaps, err := hashicorpRaft.NewFileSnapshotStore(dir, retain, glogWriter{})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open raft snapshot store: %v", err)
	}
	addr, err := net.ResolveTCPAddr("tcp", opts.Addr)
	if err != nil {
		store.Close()
		return nil, err
	}
	trans, err := hashicorpRaft.NewTCPTransport(opts.Addr, addr, 3, 10*time.Second, glogWriter{})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("raft transport on %s: %v", opts.Addr, err)
	}
	r, err := newRaft(opts, h, store, store, snaps, trans)
	if err != nil {
		trans.Close()
		store.Close()
		return nil, err
	}
	r.closers = append(r.closers, trans, store)
	return r, nil
}

func newRaft(opts RaftOptions, h StateHandlers, logs hashicorpRaft.LogStore, stable hashicorpRaft.StableStore,
	snaps hashicorpRaft.SnapshotStore, trans hashicorpRaft.Transport) (*Raft, error) {
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 10 * time.Second
	}
	conf := raftConfig(opts)
	if opts.Bootstrap {
		existing, err := hashicorpRaft.HasExistingState(logs, stable, snaps)
		if err != nil {
			return nil, err
		}
		if !existing {
			glog.V(0).Infof("bootstrapping raft cluster %v", opts.Peers)
			if err := hashicorpRaft.BootstrapCluster(conf, logs, stable, snaps, trans, peersConfiguration(opts.Peers)); err != nil {
				return nil, fmt.Errorf("bootstrap raft cluster: %v", err)
			}
		}
	}
	hr, err := hashicorpRaft.NewRaft(conf, &fsm{h: h}, logs, stable, snaps, trans)
	if err != nil {
		return nil, fmt.Errorf("start raft: %v", err)
	}
	r := &Raft{
		raft:     hr,
		opts:     opts,
		leaderCh: make(chan bool, 1),
		closing:  make(chan struct{}),
	}
	go r.watchLeader()
	return r, nil
}

func peersConfiguration(peers []string) hashicorpRaft.Configuration {
	sorted := append([]string(nil), peers...)
	sort.Strings(sorted)
	var cfg hashicorpRaft.Configuration
	for _, peer := range sorted {
		cfg.Servers = append(cfg.Servers, hashicorpRaft.Server{
			Suffrage: hashicorpRaft.Voter,
			ID:       hashicorpRaft.ServerID(peer),
			Address:  hashicorpRaft.ServerAddress(peer),
		})
	}
	return cfg
}

func (r *Raft) watchLeader() {
	leaderCh := r.raft.LeaderCh()
	prevLeader, _ := r.raft.LeaderWithID()
	for {
		select {
		case <-r.closing:
			return
		case isLeader := <-leaderCh:
			leader, _ := r.raft.LeaderWithID()
			glog.V(0).Infof("is leader %+v change event: %+v => %+v", isLeader, prevLeader, leader)
			stats.MonitorLeaderChangeCounter.WithLabelValues(fmt.Sprintf("%+v", leader)).Inc()
			prevLeader = leader
			if isLeader {
				stats.MonitorIsLeader.Set(1)
			} else {
				stats.MonitorIsLeader.Set(0)
				r.drop(ErrLeadershipLost)
			}
			notify(r.leaderCh, isLeader)
		}
	}
}

func (r *Raft) IsLeader() bool {
	return r.raft.State() == hashicorpRaft.Leader
}

func (r *Raft) Leader() string {
	leader, _ := r.raft.LeaderWithID()
	return string(leader)
}

func (r *Raft) LastCommitted() uint64 { return r.raft.AppliedIndex() }

func (r *Raft) LeaderCh() <-chan bool { return r.leaderCh }

func (r *Raft) Propose(payload []byte, done func(error)) {
	p := proposal{payload: payload, done: done}
	if !r.IsLeader() {
		p.fail(ErrNotLeader)
		return
	}
	if r.hold(p) {
		return
	}
	r.apply(p)
}

func (r *Raft) apply(p proposal) {
	future := r.raft.Apply(p.payload, r.opts.ApplyTimeout)
	go func() {
		err := future.Error()
		switch err {
		case nil:
			if resp, ok := future.Response().(error); ok {
				err = resp
			}
		case hashicorpRaft.ErrNotLeader:
			err = ErrNotLeader
		case hashicorpRaft.ErrLeadershipLost, hashicorpRaft.ErrLeadershipTransferInProgress:
			err = ErrLeadershipLost
		case hashicorpRaft.ErrRaftShutdown:
			err = ErrClosed
		}
		if p.done != nil {
			p.done(err)
		}
	}()
}

func (r *Raft) Unplug() {
	for _, p := range r.release() {
		if !r.IsLeader() {
			p.fail(ErrLeadershipLost)
			continue
		}
		r.apply(p)
	}
}

// Barrier waits until every entry committed before now is applied here.
func (r *Raft) Barrier(timeout time.Duration) error {
	return r.raft.Barrier(timeout).Error()
}

func (r *Raft) Stats() map[string]string { return r.raft.Stats() }

func (r *Raft) Close() error {
	select {
	case <-r.closing:
		return nil
	default:
	}
	close(r.closing)
	err := r.raft.Shutdown().Error()
	r.drop(ErrClosed)
	for _, c := range r.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

type fsm struct {
	h StateHandlers
}

func (f *fsm) Apply(l *hashicorpRaft.Log) interface{} {
	if l.Type != hashicorpRaft.LogCommand {
		return nil
	}
	if err := f.h.Commit(l.Index, l.Data); err != nil {
		return err
	}
	return nil
}

func (f *fsm) Snapshot() (hashicorpRaft.FSMSnapshot, error) {
	data, err := f.h.Snapshot()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return f.h.Restore(data)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink hashicorpRaft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
