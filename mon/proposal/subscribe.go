package proposal

import (
	"sort"
	"sync"

	"github.com/golang/glog"

	"github.com/seaweedfs/mapmon/mon/osdmap"
)

const (
	NotifyMap      = "map"
	NotifyPGCreate = "pg_create"
)

// Notification announces a committed epoch. pg_create notifications name
// the primary that has to create PGs.
type Notification struct {
	Kind   string          `json:"kind"`
	Epoch  osdmap.Epoch    `json:"epoch"`
	Device osdmap.DeviceID `json:"device,omitempty"`
	PGs    []osdmap.PGID   `json:"pgs,omitempty"`
}

type subscribers struct {
	sync.Mutex
	next int
	subs map[int]chan Notification
}

// Subscribe returns a channel of notifications. A subscriber that falls
// more than buffer notifications behind misses the overflow.
func (c *Coordinator) Subscribe(buffer int) (<-chan Notification, func()) {
	s := &c.subs
	s.Lock()
	defer s.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]chan Notification)
	}
	id := s.next
	s.next++
	ch := make(chan Notification, buffer)
	s.subs[id] = ch
	return ch, func() {
		s.Lock()
		defer s.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

func (s *subscribers) publish(n Notification) {
	s.Lock()
	defer s.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- n:
		default:
			glog.V(1).Infof("subscriber %d is behind, dropping %s notification for epoch %d", id, n.Kind, n.Epoch)
		}
	}
}

// pgCreates groups the PGs first asked for at epoch by acting primary.
func pgCreates(m *osdmap.Map, placer osdmap.Placer, pgs []osdmap.PGID) []Notification {
	byPrimary := map[osdmap.DeviceID][]osdmap.PGID{}
	for _, pg := range pgs {
		_, acting, err := m.PGToUpActing(placer, pg)
		if err != nil || len(acting) == 0 {
			continue
		}
		byPrimary[acting[0]] = append(byPrimary[acting[0]], pg)
	}
	out := make([]Notification, 0, len(byPrimary))
	for primary, list := range byPrimary {
		osdmap.SortPGIDs(list)
		out = append(out, Notification{Kind: NotifyPGCreate, Epoch: m.Epoch, Device: primary, PGs: list})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}
