package osdmap

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// sorted map keys keep the encoding, and so the crc, deterministic
var json = jsoniter.ConfigCompatibleWithStandardLibrary

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var ErrEpochMismatch = errors.New("incremental does not follow map epoch")

func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

type CrushMap struct {
	Version uint64 `json:"version"`
	Blob    []byte `json:"blob,omitempty"`
}

// Map is one epoch of the cluster map. A published Map is never modified;
// the next epoch is produced by Apply.
type Map struct {
	Epoch    Epoch     `json:"epoch"`
	FSID     string    `json:"fsid"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
	Flags    uint32    `json:"flags"`

	MaxDevice DeviceID            `json:"max_device"`
	Devices   map[DeviceID]Device `json:"devices"`

	PoolMax PoolID          `json:"pool_max"`
	Pools   map[PoolID]Pool `json:"pools"`

	Crush     CrushMap             `json:"crush"`
	Blacklist map[string]time.Time `json:"blacklist"`
	PGTemp    map[PGID][]DeviceID  `json:"pg_temp"`

	RemovedSnapsQueue map[PoolID]SnapIntervalSet `json:"removed_snaps_queue"`
	RequireRelease    Release                    `json:"require_release"`

	LastUpChange time.Time `json:"last_up_change"`
	LastInChange time.Time `json:"last_in_change"`
}

// NewGenesis builds epoch 1.
func NewGenesis(fsid string, now time.Time, devices []Device) *Map {
	m := &Map{
		Epoch:             1,
		FSID:              fsid,
		Created:           now,
		Modified:          now,
		Devices:           make(map[DeviceID]Device),
		Pools:             make(map[PoolID]Pool),
		Blacklist:         make(map[string]time.Time),
		PGTemp:            make(map[PGID][]DeviceID),
		RemovedSnapsQueue: make(map[PoolID]SnapIntervalSet),
		RequireRelease:    ReleasePurgedSnaps,
		LastUpChange:      now,
		LastInChange:      now,
	}
	for _, d := range devices {
		d = d.Clone()
		d.State |= StateExists
		if d.PrimaryAffinity == 0 {
			d.PrimaryAffinity = MaxPrimaryAffinity
		}
		if d.IsUp() {
			d.UpFrom = 1
		}
		m.Devices[d.ID] = d
		if d.ID >= m.MaxDevice {
			m.MaxDevice = d.ID + 1
		}
	}
	return m
}

func (m *Map) Clone() *Map {
	c := *m
	c.Crush.Blob = append([]byte(nil), m.Crush.Blob...)
	c.Devices = make(map[DeviceID]Device, len(m.Devices))
	for id, d := range m.Devices {
		c.Devices[id] = d.Clone()
	}
	c.Pools = make(map[PoolID]Pool, len(m.Pools))
	for id, p := range m.Pools {
		c.Pools[id] = p.Clone()
	}
	c.Blacklist = make(map[string]time.Time, len(m.Blacklist))
	for a, t := range m.Blacklist {
		c.Blacklist[a] = t
	}
	c.PGTemp = make(map[PGID][]DeviceID, len(m.PGTemp))
	for pg, devs := range m.PGTemp {
		c.PGTemp[pg] = append([]DeviceID(nil), devs...)
	}
	c.RemovedSnapsQueue = make(map[PoolID]SnapIntervalSet, len(m.RemovedSnapsQueue))
	for id, s := range m.RemovedSnapsQueue {
		c.RemovedSnapsQueue[id] = s.Clone()
	}
	return &c
}

func (m *Map) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMap(data []byte) (*Map, error) {
	m := &Map{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode map: %v", err)
	}
	if m.Epoch == 0 {
		return nil, fmt.Errorf("decode map: epoch 0 is invalid")
	}
	return m, nil
}

func (m *Map) CRC() (uint32, error) {
	data, err := m.Encode()
	if err != nil {
		return 0, err
	}
	return Checksum(data), nil
}

func (m *Map) Device(id DeviceID) (Device, bool) {
	d, ok := m.Devices[id]
	return d, ok && d.Exists()
}

func (m *Map) Exists(id DeviceID) bool {
	_, ok := m.Device(id)
	return ok
}

func (m *Map) IsUp(id DeviceID) bool {
	d, ok := m.Device(id)
	return ok && d.IsUp()
}

func (m *Map) IsDown(id DeviceID) bool {
	d, ok := m.Device(id)
	return ok && !d.IsUp()
}

func (m *Map) IsIn(id DeviceID) bool {
	d, ok := m.Device(id)
	return ok && d.IsIn()
}

func (m *Map) IsOut(id DeviceID) bool {
	return !m.IsIn(id)
}

func (m *Map) IsDestroyed(id DeviceID) bool {
	d, ok := m.Device(id)
	return ok && d.IsDestroyed()
}

func (m *Map) Weight(id DeviceID) uint32 {
	return m.Devices[id].Weight
}

func (m *Map) State(id DeviceID) uint32 {
	return m.Devices[id].State
}

// DeviceIDs returns existing devices in id order.
func (m *Map) DeviceIDs() []DeviceID {
	ids := make([]DeviceID, 0, len(m.Devices))
	for id, d := range m.Devices {
		if d.Exists() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Map) FindByUUID(uuid string) (DeviceID, bool) {
	if uuid == "" {
		return 0, false
	}
	for id, d := range m.Devices {
		if d.Exists() && d.UUID == uuid {
			return id, true
		}
	}
	return 0, false
}

func (m *Map) NumDevices() (total, up, in int) {
	for _, d := range m.Devices {
		if !d.Exists() {
			continue
		}
		total++
		if d.IsUp() {
			up++
		}
		if d.IsIn() {
			in++
		}
	}
	return
}

func (m *Map) Pool(id PoolID) (Pool, bool) {
	p, ok := m.Pools[id]
	return p, ok
}

func (m *Map) PoolByName(name string) (Pool, bool) {
	for _, p := range m.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return Pool{}, false
}

// GetPools returns pools in id order.
func (m *Map) GetPools() []Pool {
	pools := make([]Pool, 0, len(m.Pools))
	for _, p := range m.Pools {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return pools
}

func (m *Map) GetFlags() uint32 { return m.Flags }

func (m *Map) TestFlag(f uint32) bool { return m.Flags&f == f }

// DeviceFlag reports a per device flag or the cluster wide flag of the same
// meaning.
func (m *Map) DeviceFlag(id DeviceID, deviceFlag, clusterFlag uint32) bool {
	return m.Flags&clusterFlag != 0 || m.Devices[id].State&deviceFlag != 0
}

func (m *Map) IsBlacklisted(addr string, now time.Time) bool {
	until, ok := m.Blacklist[addr]
	return ok && now.Before(until)
}

func (m *Map) PGExists(pg PGID) bool {
	p, ok := m.Pools[pg.Pool]
	return ok && pg.Seed < p.PGNum
}
