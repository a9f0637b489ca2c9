package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/seaweedfs/mapmon/mon/consensus"
	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/proposal"
	"github.com/seaweedfs/mapmon/mon/stats"
)

type MapServerOption struct {
	// CommandTimeout bounds how long a mutating command waits for its
	// commit; zero leaves it to the client connection.
	CommandTimeout time.Duration
	// WatchTimeout bounds a /map/watch long poll.
	WatchTimeout time.Duration
	// NotificationBuffer is the subscription buffer of pg_create notices.
	NotificationBuffer int
}

// MapServer serves the cluster map commands and queries over http.
type MapServer struct {
	option  *MapServerOption
	coord   *proposal.Coordinator
	started time.Time

	mu    sync.RWMutex
	log   consensus.Log
	peers []string
	// latest pg_create notice per primary
	creates map[osdmap.DeviceID]proposal.Notification

	unsubscribe func()
	followed    sync.WaitGroup
}

func NewMapServer(r *mux.Router, option *MapServerOption, coord *proposal.Coordinator) *MapServer {
	if option.WatchTimeout <= 0 {
		option.WatchTimeout = 30 * time.Second
	}
	if option.NotificationBuffer <= 0 {
		option.NotificationBuffer = 256
	}
	ms := &MapServer{
		option:  option,
		coord:   coord,
		started: time.Now(),
		creates: make(map[osdmap.DeviceID]proposal.Notification),
	}

	r.HandleFunc("/cmd", ms.cmdHandler).Methods(http.MethodPost)
	r.HandleFunc("/map", ms.mapHandler).Methods(http.MethodGet)
	r.HandleFunc("/map/incremental", ms.incrementalHandler).Methods(http.MethodGet)
	r.HandleFunc("/map/watch", ms.watchHandler).Methods(http.MethodGet)
	r.HandleFunc("/pg/creates", ms.pgCreatesHandler).Methods(http.MethodGet)
	r.HandleFunc("/status", ms.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/cluster/status", ms.clusterStatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/stats/raft", ms.statsRaftHandler).Methods(http.MethodGet)
	r.Handle("/metrics", stats.Handler())

	notes, cancel := coord.Subscribe(option.NotificationBuffer)
	ms.unsubscribe = cancel
	ms.followed.Add(1)
	go ms.followNotifications(notes)

	return ms
}

// SetConsensus attaches the replicated log and starts following its
// leadership.
func (ms *MapServer) SetConsensus(log consensus.Log, peers []string) {
	ms.mu.Lock()
	ms.log = log
	ms.peers = peers
	ms.mu.Unlock()
	ms.coord.Start(log)
}

func (ms *MapServer) Shutdown() {
	ms.coord.Stop()
	ms.unsubscribe()
	ms.followed.Wait()
	ms.mu.RLock()
	log := ms.log
	ms.mu.RUnlock()
	if log != nil {
		if err := log.Close(); err != nil {
			glog.Warningf("close consensus log: %v", err)
		}
	}
}

func (ms *MapServer) followNotifications(notes <-chan proposal.Notification) {
	defer ms.followed.Done()
	for n := range notes {
		switch n.Kind {
		case proposal.NotifyMap:
			glog.V(2).Infof("published epoch %d", n.Epoch)
		case proposal.NotifyPGCreate:
			glog.V(1).Infof("epoch %d: device.%d to create %d pgs", n.Epoch, n.Device, len(n.PGs))
			ms.mu.Lock()
			ms.creates[n.Device] = n
			ms.mu.Unlock()
		}
	}
}

func (ms *MapServer) now() time.Time {
	return ms.coord.Machine().Detector().Clock().Now()
}

func (ms *MapServer) consensusLog() consensus.Log {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.log
}
