package consensus

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrNotLeader      = errors.New("not the leader")
	ErrLeadershipLost = errors.New("leadership lost before commit")
	ErrClosed         = errors.New("consensus log closed")
)

// CommitFunc applies a committed payload. Every replica calls it in log
// order; an error is returned to the proposer.
type CommitFunc func(index uint64, payload []byte) error

// Log is the replicated log the map monitor proposes rounds to.
//
// done is never called from the goroutine calling Propose, so callers may
// hold their own locks while proposing.
type Log interface {
	IsLeader() bool
	Leader() string
	LastCommitted() uint64
	Propose(payload []byte, done func(error))
	// Plug holds proposals back until Unplug.
	Plug()
	Unplug()
	IsPlugged() bool
	// LeaderCh delivers this replica's leadership after every change.
	LeaderCh() <-chan bool
	Close() error
}

type proposal struct {
	payload []byte
	done    func(error)
}

func (p proposal) fail(err error) {
	if p.done != nil {
		go p.done(err)
	}
}

// plug is the proposal gate both logs share.
type plug struct {
	mu      sync.Mutex
	plugged bool
	held    []proposal
}

// hold keeps p back if the gate is plugged.
func (g *plug) hold(p proposal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.plugged {
		return false
	}
	g.held = append(g.held, p)
	return true
}

func (g *plug) Plug() {
	g.mu.Lock()
	g.plugged = true
	g.mu.Unlock()
}

func (g *plug) IsPlugged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.plugged
}

func (g *plug) release() []proposal {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.plugged = false
	held := g.held
	g.held = nil
	return held
}

func (g *plug) drop(err error) {
	g.mu.Lock()
	held := g.held
	g.held = nil
	g.mu.Unlock()
	for _, p := range held {
		p.fail(err)
	}
}

// notify replaces any unread leadership value with the latest.
func notify(ch chan bool, leader bool) {
	for {
		select {
		case ch <- leader:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

var errNoLeader = errors.New("leader not selected yet")

// WaitForLeader polls until a leader is known or maxWait passes.
func WaitForLeader(l Log, maxWait time.Duration) (string, error) {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 100 * time.Millisecond
	exponentialBackoff.MaxElapsedTime = maxWait
	leader, err := backoff.RetryWithData(
		func() (string, error) {
			leader := l.Leader()
			if leader == "" {
				return "", errNoLeader
			}
			return leader, nil
		},
		exponentialBackoff)
	if err == errNoLeader {
		leader = ""
	}
	return leader, err
}
