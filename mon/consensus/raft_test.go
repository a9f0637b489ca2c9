package consensus

import (
	"errors"
	"testing"
	"time"

	hashicorpRaft "github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRaft(t *testing.T, h StateHandlers) *Raft {
	store := hashicorpRaft.NewInmemStore()
	addr, trans := hashicorpRaft.NewInmemTransport("")
	opts := RaftOptions{
		Addr:             string(addr),
		Peers:            []string{string(addr)},
		Bootstrap:        true,
		HeartbeatTimeout: 50 * time.Millisecond,
		ElectionTimeout:  50 * time.Millisecond,
		ApplyTimeout:     time.Second,
	}
	r, err := newRaft(opts, h, store, store, hashicorpRaft.NewInmemSnapshotStore(), trans)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	require.Eventually(t, r.IsLeader, 5*time.Second, 10*time.Millisecond)
	return r
}

func TestRaftCommitsProposals(t *testing.T) {
	a := &applied{}
	r := newTestRaft(t, StateHandlers{Commit: a.commit})

	require.NoError(t, wait(t, propose(r, "one")))
	require.NoError(t, wait(t, propose(r, "two")))
	assert.Equal(t, []string{"one", "two"}, a.snapshot())
	assert.GreaterOrEqual(t, r.LastCommitted(), uint64(2))
	assert.NotEmpty(t, r.Leader())
	require.NoError(t, r.Barrier(time.Second))
}

func TestRaftCommitError(t *testing.T) {
	failed := errors.New("ledger write failed")
	r := newTestRaft(t, StateHandlers{Commit: func(uint64, []byte) error { return failed }})
	assert.Equal(t, failed, wait(t, propose(r, "bad")))
}

func TestRaftPlug(t *testing.T) {
	a := &applied{}
	r := newTestRaft(t, StateHandlers{Commit: a.commit})

	r.Plug()
	done := propose(r, "held")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, a.snapshot())
	r.Unplug()
	require.NoError(t, wait(t, done))
	assert.Equal(t, []string{"held"}, a.snapshot())
}

func TestFSMSnapshotRoundTrip(t *testing.T) {
	var restored []byte
	f := &fsm{h: StateHandlers{
		Snapshot: func() ([]byte, error) { return []byte("ledger dump"), nil },
		Restore: func(data []byte) error {
			restored = data
			return nil
		},
	}}
	snap, err := f.Snapshot()
	require.NoError(t, err)

	snaps := hashicorpRaft.NewInmemSnapshotStore()
	sink, err := snaps.Create(hashicorpRaft.SnapshotVersionMax, 3, 1, hashicorpRaft.Configuration{}, 1, nil)
	require.NoError(t, err)
	require.NoError(t, snap.Persist(sink))

	metas, err := snaps.List()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	_, rc, err := snaps.Open(metas[0].ID)
	require.NoError(t, err)
	require.NoError(t, f.Restore(rc))
	assert.Equal(t, "ledger dump", string(restored))
}

func TestPeersConfiguration(t *testing.T) {
	cfg := peersConfiguration([]string{"mon-2:7000", "mon-0:7000", "mon-1:7000"})
	require.Len(t, cfg.Servers, 3)
	assert.Equal(t, hashicorpRaft.ServerID("mon-0:7000"), cfg.Servers[0].ID)
	assert.Equal(t, hashicorpRaft.ServerAddress("mon-2:7000"), cfg.Servers[2].Address)
}
