package consensus

import (
	"sync"

	"github.com/golang/glog"

	"github.com/seaweedfs/mapmon/mon/stats"
)

// Local is a single replica log. Proposals are applied in order by one
// goroutine.
type Local struct {
	plug
	name   string
	commit CommitFunc

	mu       sync.Mutex
	leader   bool
	closed   bool
	index    uint64
	queue    []proposal
	wake     chan struct{}
	leaderCh chan bool
	closing  chan struct{}
	stopped  sync.WaitGroup
}

// NewLocal starts a log that already holds entries up to index and leads.
func NewLocal(name string, index uint64, commit CommitFunc) *Local {
	l := &Local{
		name:     name,
		commit:   commit,
		leader:   true,
		index:    index,
		wake:     make(chan struct{}, 1),
		leaderCh: make(chan bool, 1),
		closing:  make(chan struct{}),
	}
	l.leaderCh <- true
	stats.MonitorIsLeader.Set(1)
	l.stopped.Add(1)
	go l.loop()
	return l
}

func (l *Local) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader
}

func (l *Local) Leader() string {
	if l.IsLeader() {
		return l.name
	}
	return ""
}

func (l *Local) LastCommitted() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index
}

func (l *Local) LeaderCh() <-chan bool { return l.leaderCh }

func (l *Local) Propose(payload []byte, done func(error)) {
	p := proposal{payload: payload, done: done}
	l.mu.Lock()
	closed, leader := l.closed, l.leader
	l.mu.Unlock()
	switch {
	case closed:
		p.fail(ErrClosed)
	case !leader:
		p.fail(ErrNotLeader)
	case l.hold(p):
	default:
		l.enqueue(p)
	}
}

func (l *Local) enqueue(ps ...proposal) {
	l.mu.Lock()
	l.queue = append(l.queue, ps...)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Local) Unplug() {
	held := l.release()
	if len(held) == 0 {
		return
	}
	if !l.IsLeader() {
		for _, p := range held {
			p.fail(ErrLeadershipLost)
		}
		return
	}
	l.enqueue(held...)
}

// SetLeader moves leadership in or out of this replica. Losing it fails
// every proposal not yet applied.
func (l *Local) SetLeader(leader bool) {
	l.mu.Lock()
	if l.leader == leader {
		l.mu.Unlock()
		return
	}
	l.leader = leader
	var dropped []proposal
	if !leader {
		dropped = l.queue
		l.queue = nil
	}
	l.mu.Unlock()

	glog.V(0).Infof("%s leadership: %v", l.name, leader)
	stats.MonitorLeaderChangeCounter.WithLabelValues(l.Leader()).Inc()
	if leader {
		stats.MonitorIsLeader.Set(1)
	} else {
		stats.MonitorIsLeader.Set(0)
		l.drop(ErrLeadershipLost)
		for _, p := range dropped {
			p.fail(ErrLeadershipLost)
		}
	}
	notify(l.leaderCh, leader)
}

func (l *Local) loop() {
	defer l.stopped.Done()
	for {
		select {
		case <-l.closing:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			p := l.queue[0]
			l.queue = l.queue[1:]
			l.index++
			index := l.index
			l.mu.Unlock()

			err := l.commit(index, p.payload)
			if err != nil {
				glog.Errorf("%s apply entry %d: %v", l.name, index, err)
			}
			if p.done != nil {
				p.done(err)
			}
		}
	}
}

func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	dropped := l.queue
	l.queue = nil
	l.mu.Unlock()

	close(l.closing)
	l.stopped.Wait()
	l.drop(ErrClosed)
	for _, p := range dropped {
		p.fail(ErrClosed)
	}
	return nil
}
