package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"
	"github.com/karlseguin/ccache/v2"

	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/stats"
	"github.com/seaweedfs/mapmon/mon/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	NamespaceMap        = "map"
	NamespacePGCreating = "pg_creating"
	NamespaceSnap       = "snap"
	NamespaceMetadata   = "device_metadata"

	keyFirstCommitted = "first_committed"
	keyLastCommitted  = "last_committed"
	keyLatestFull     = "latest_full_pointer"
	keyManifest       = "prune_manifest"
	keyPGCreating     = "creating"
)

var (
	ErrNotFound = errors.New("epoch not in ledger")
	// ErrCorrupt means the stored history cannot be trusted any more.
	ErrCorrupt = errors.New("ledger corrupt")
)

func fullKey(e osdmap.Epoch) string        { return fmt.Sprintf("full_%016d", e) }
func incrementalKey(e osdmap.Epoch) string { return fmt.Sprintf("incremental_%016d", e) }

type Options struct {
	Compression Compression
	// number of decoded full maps kept in memory
	CacheSize int64
	Prune     PruneOptions
}

// Ledger keeps full maps and incrementals by epoch in a Store. All writes
// go through transactions built by the single writer and applied by Commit;
// reads may come from any goroutine.
type Ledger struct {
	store store.Store
	opts  Options
	cache *ccache.Cache

	mu       sync.RWMutex
	first    osdmap.Epoch
	last     osdmap.Epoch
	manifest *PinnedManifest
}

func New(s store.Store, opts Options) (*Ledger, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	if opts.Compression == "" {
		opts.Compression = CompressionSnappy
	}
	if opts.Prune.Enabled {
		if err := opts.Prune.Sanitize(); err != nil {
			glog.Warningf("disable full map pruning: %v", err)
			opts.Prune.Enabled = false
		}
	}
	l := &Ledger{
		store:    s,
		opts:     opts,
		cache:    ccache.New(ccache.Configure().MaxSize(opts.CacheSize).ItemsToPrune(uint32(opts.CacheSize/4 + 1))),
		manifest: NewPinnedManifest(),
	}
	if err := l.Refresh(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Store() store.Store { return l.store }

func (l *Ledger) getEpoch(key string) (osdmap.Epoch, error) {
	data, err := l.store.Get(NamespaceMap, key)
	if err == store.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s %q", ErrCorrupt, key, data)
	}
	return osdmap.Epoch(v), nil
}

func putEpoch(tx *store.Transaction, key string, e osdmap.Epoch) {
	tx.Put(NamespaceMap, key, []byte(strconv.FormatUint(uint64(e), 10)))
}

// Refresh reloads the committed range and the manifest after the store
// changed underneath.
func (l *Ledger) Refresh() error {
	first, err := l.getEpoch(keyFirstCommitted)
	if err != nil {
		return err
	}
	last, err := l.getEpoch(keyLastCommitted)
	if err != nil {
		return err
	}
	manifest := NewPinnedManifest()
	data, err := l.store.Get(NamespaceMap, keyManifest)
	switch {
	case err == nil:
		if manifest, err = decodeManifest(data); err != nil {
			return fmt.Errorf("%w: decode manifest: %v", ErrCorrupt, err)
		}
	case err != store.ErrNotFound:
		return err
	}
	l.mu.Lock()
	l.first, l.last, l.manifest = first, last, manifest
	l.mu.Unlock()
	return nil
}

func (l *Ledger) FirstCommitted() osdmap.Epoch {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.first
}

func (l *Ledger) LastCommitted() osdmap.Epoch {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

// Manifest returns a copy of the pinned manifest.
func (l *Ledger) Manifest() *PinnedManifest {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.manifest.Clone()
}

// Commit applies a transaction built by EncodeGenesis, EncodePending or
// Trim and reloads the committed range.
func (l *Ledger) Commit(tx *store.Transaction) error {
	if err := l.store.Apply(tx); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return l.Refresh()
}

func (l *Ledger) putFull(tx *store.Transaction, m *osdmap.Map) ([]byte, error) {
	data, err := m.Encode()
	if err != nil {
		return nil, err
	}
	tx.Put(NamespaceMap, fullKey(m.Epoch), compress(l.opts.Compression, data))
	return data, nil
}

func (l *Ledger) EncodeGenesis(tx *store.Transaction, m *osdmap.Map) error {
	if l.LastCommitted() != 0 {
		return fmt.Errorf("ledger already holds epochs %d..%d", l.FirstCommitted(), l.LastCommitted())
	}
	if _, err := l.putFull(tx, m); err != nil {
		return err
	}
	putEpoch(tx, keyFirstCommitted, m.Epoch)
	putEpoch(tx, keyLastCommitted, m.Epoch)
	putEpoch(tx, keyLatestFull, m.Epoch)
	return nil
}

// EncodePending writes the next epoch into tx: the pruning of old full
// maps, the resulting full map, and the incremental with its full crc.
// It returns the resulting map.
func (l *Ledger) EncodePending(tx *store.Transaction, base *osdmap.Map, inc *osdmap.Incremental) (*osdmap.Map, error) {
	first, last := l.FirstCommitted(), l.LastCommitted()
	if base.Epoch != last || inc.Epoch != last+1 {
		return nil, fmt.Errorf("%w: ledger at %d, base %d, pending %d", osdmap.ErrEpochMismatch, last, base.Epoch, inc.Epoch)
	}
	if _, err := l.prune(tx, first, inc.Epoch); err != nil {
		return nil, err
	}
	next, err := base.Apply(inc)
	if err != nil {
		return nil, err
	}
	data, err := l.putFull(tx, next)
	if err != nil {
		return nil, err
	}
	inc.FullCRC = osdmap.Checksum(data)
	incData, err := inc.Encode()
	if err != nil {
		return nil, err
	}
	tx.Put(NamespaceMap, incrementalKey(inc.Epoch), compress(l.opts.Compression, incData))
	putEpoch(tx, keyLastCommitted, inc.Epoch)
	putEpoch(tx, keyLatestFull, inc.Epoch)
	return next, nil
}

func (l *Ledger) loadFull(tx *store.Transaction, e osdmap.Epoch) (*osdmap.Map, error) {
	blob, err := store.Get(l.store, tx, NamespaceMap, fullKey(e))
	if err != nil {
		return nil, err
	}
	data, err := decompress(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: full %d: %v", ErrCorrupt, e, err)
	}
	return osdmap.DecodeMap(data)
}

// loadIncremental reads the delta that produces epoch e.
func (l *Ledger) loadIncremental(e osdmap.Epoch) (*osdmap.Incremental, error) {
	blob, err := l.store.Get(NamespaceMap, incrementalKey(e))
	if err == store.ErrNotFound {
		return nil, fmt.Errorf("%w: missing incremental %d", ErrCorrupt, e)
	}
	if err != nil {
		return nil, err
	}
	data, err := decompress(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: incremental %d: %v", ErrCorrupt, e, err)
	}
	return osdmap.DecodeIncremental(data)
}

// GetIncremental returns the delta that advances epoch to epoch+1.
func (l *Ledger) GetIncremental(epoch osdmap.Epoch) (*osdmap.Incremental, error) {
	first, last := l.FirstCommitted(), l.LastCommitted()
	if epoch < first || epoch >= last {
		return nil, fmt.Errorf("%w: incremental from %d outside %d..%d", ErrNotFound, epoch, first, last)
	}
	return l.loadIncremental(epoch + 1)
}

// GetFull returns the map at epoch, rebuilding it from the closest pinned
// full map when it was pruned. The result is shared and must not be
// modified.
func (l *Ledger) GetFull(epoch osdmap.Epoch) (*osdmap.Map, error) {
	first, last := l.FirstCommitted(), l.LastCommitted()
	if epoch == 0 || epoch < first || epoch > last {
		return nil, fmt.Errorf("%w: %d outside %d..%d", ErrNotFound, epoch, first, last)
	}
	cacheKey := strconv.FormatUint(uint64(epoch), 10)
	if item := l.cache.Get(cacheKey); item != nil && !item.Expired() {
		return item.Value().(*osdmap.Map), nil
	}
	m, err := l.loadFull(nil, epoch)
	if err == store.ErrNotFound {
		m, err = l.rebuild(epoch)
	}
	if err != nil {
		return nil, err
	}
	l.cache.Set(cacheKey, m, time.Hour)
	return m, nil
}

func (l *Ledger) rebuild(epoch osdmap.Epoch) (*osdmap.Map, error) {
	l.mu.RLock()
	pinned, ok := l.manifest.LowerClosest(epoch)
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: full %d missing and no pinned map below it", ErrCorrupt, epoch)
	}
	m, err := l.loadFull(nil, pinned)
	if err != nil {
		return nil, fmt.Errorf("%w: pinned full %d: %v", ErrCorrupt, pinned, err)
	}
	glog.V(2).Infof("rebuild map %d from pinned %d", epoch, pinned)
	for e := pinned + 1; e <= epoch; e++ {
		inc, err := l.loadIncremental(e)
		if err != nil {
			return nil, err
		}
		if m, err = m.Apply(inc); err != nil {
			return nil, fmt.Errorf("%w: apply %d: %v", ErrCorrupt, e, err)
		}
		crc, err := m.CRC()
		if err != nil {
			return nil, err
		}
		if crc != inc.FullCRC {
			glog.Errorf("full map crc mismatch rebuilding epoch %d: got %08x want %08x", e, crc, inc.FullCRC)
			return nil, fmt.Errorf("%w: crc mismatch at epoch %d", ErrCorrupt, e)
		}
	}
	stats.MonitorRebuiltMapCounter.Inc()
	return m, nil
}

// HasFull reports whether the full map of e is stored directly.
func (l *Ledger) HasFull(e osdmap.Epoch) bool {
	_, err := l.store.Get(NamespaceMap, fullKey(e))
	return err == nil
}

// Trim drops every epoch below to, keeping a full map at to.
func (l *Ledger) Trim(tx *store.Transaction, to osdmap.Epoch) error {
	first, last := l.FirstCommitted(), l.LastCommitted()
	if to <= first {
		return nil
	}
	if to > last || uint64(last-to) < l.opts.Prune.MinRetained {
		return fmt.Errorf("trim to %d would keep fewer than %d epochs below %d", to, l.opts.Prune.MinRetained, last)
	}
	if !l.HasFull(to) {
		m, err := l.GetFull(to)
		if err != nil {
			return err
		}
		if _, err := l.putFull(tx, m); err != nil {
			return err
		}
	}
	tx.EraseRange(NamespaceMap, fullKey(first), fullKey(to))
	tx.EraseRange(NamespaceMap, incrementalKey(first), incrementalKey(to))
	putEpoch(tx, keyFirstCommitted, to)

	manifest := l.Manifest()
	if manifest.Empty() {
		return nil
	}
	if !manifest.IsPinned(to) {
		manifest.Pin(to)
	}
	manifest.UnpinBelow(to)
	if manifest.LastPinned() == to+1 || manifest.Len() == 1 {
		tx.Erase(NamespaceMap, keyManifest)
		return nil
	}
	data, err := manifest.encode()
	if err != nil {
		return err
	}
	tx.Put(NamespaceMap, keyManifest, data)
	return nil
}

func (l *Ledger) PutPGCreating(tx *store.Transaction, data []byte) {
	tx.Put(NamespacePGCreating, keyPGCreating, data)
}

// PGCreating returns nil when nothing was ever stored.
func (l *Ledger) PGCreating() ([]byte, error) {
	data, err := l.store.Get(NamespacePGCreating, keyPGCreating)
	if err == store.ErrNotFound {
		return nil, nil
	}
	return data, err
}

func metadataKey(id osdmap.DeviceID) string { return strconv.Itoa(int(id)) }

func (l *Ledger) PutMetadata(tx *store.Transaction, id osdmap.DeviceID, meta map[string]string) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tx.Put(NamespaceMetadata, metadataKey(id), data)
	return nil
}

func (l *Ledger) EraseMetadata(tx *store.Transaction, id osdmap.DeviceID) {
	tx.Erase(NamespaceMetadata, metadataKey(id))
}

func (l *Ledger) Metadata(id osdmap.DeviceID) (map[string]string, error) {
	data, err := l.store.Get(NamespaceMetadata, metadataKey(id))
	if err != nil {
		return nil, err
	}
	meta := map[string]string{}
	return meta, json.Unmarshal(data, &meta)
}

// Namespaces lists every namespace the ledger owns.
var Namespaces = []string{NamespaceMap, NamespacePGCreating, NamespaceSnap, NamespaceMetadata}

// Dump returns a transaction that recreates the whole ledger.
func (l *Ledger) Dump() *store.Transaction {
	tx := store.NewTransaction()
	for _, ns := range Namespaces {
		it := l.store.NewIterator(ns)
		for it.LowerBound(""); it.Valid(); it.Next() {
			tx.Put(ns, it.Key(), it.Value())
		}
		it.Release()
	}
	return tx
}

// Restore replaces the ledger content with a dump.
func (l *Ledger) Restore(dump *store.Transaction) error {
	tx := store.NewTransaction()
	for _, ns := range Namespaces {
		tx.EraseRange(ns, "", "\xff")
	}
	tx.Append(dump)
	l.cache.Clear()
	return l.Commit(tx)
}
