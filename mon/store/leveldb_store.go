package store

import (
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/syndtr/goleveldb/leveldb"
	leveldb_errors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	leveldb_util "github.com/syndtr/goleveldb/leveldb/util"
)

const separator = '\x00'

type LevelDBStore struct {
	db *leveldb.DB
}

func storeOptions() *opt.Options {
	return &opt.Options{
		BlockCacheCapacity: 32 * 1024 * 1024, // default value is 8MiB
		WriteBuffer:        16 * 1024 * 1024, // default value is 4MiB
		Filter:             filter.NewBloomFilter(8),
	}
}

func OpenLevelDBStore(dir string) (*LevelDBStore, error) {
	glog.V(0).Infof("map store leveldb dir: %s", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %v", dir, err)
	}
	opts := storeOptions()
	db, err := leveldb.OpenFile(dir, opts)
	if leveldb_errors.IsCorrupted(err) {
		glog.Warningf("store %s is corrupted, recovering", dir)
		db, err = leveldb.RecoverFile(dir, opts)
	}
	if err != nil {
		glog.Errorf("map store open dir %s: %v", dir, err)
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

// NewMemoryStore keeps everything in memory.
func NewMemoryStore() *LevelDBStore {
	db, err := leveldb.Open(storage.NewMemStorage(), storeOptions())
	if err != nil {
		// memory storage cannot fail to open
		panic(err)
	}
	return &LevelDBStore{db: db}
}

func genKey(namespace, key string) []byte {
	k := make([]byte, 0, len(namespace)+1+len(key))
	k = append(k, namespace...)
	k = append(k, separator)
	return append(k, key...)
}

func (s *LevelDBStore) Get(namespace, key string) ([]byte, error) {
	data, err := s.db.Get(genKey(namespace, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %v", namespace, key, err)
	}
	return data, nil
}

func (s *LevelDBStore) Apply(tx *Transaction) error {
	batch := new(leveldb.Batch)
	for _, op := range tx.Ops {
		switch op.Type {
		case OpPut:
			batch.Put(genKey(op.Namespace, op.Key), op.Value)
		case OpErase:
			batch.Delete(genKey(op.Namespace, op.Key))
		case OpEraseRange:
			r := &leveldb_util.Range{Start: genKey(op.Namespace, op.Key), Limit: genKey(op.Namespace, op.End)}
			iter := s.db.NewIterator(r, nil)
			for iter.Next() {
				batch.Delete(append([]byte(nil), iter.Key()...))
			}
			iter.Release()
			if err := iter.Error(); err != nil {
				return fmt.Errorf("erase range %s/%s: %v", op.Namespace, op.Key, err)
			}
		default:
			return fmt.Errorf("unknown store op %d", op.Type)
		}
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("apply transaction: %v", err)
	}
	return nil
}

func (s *LevelDBStore) NewIterator(namespace string) Iterator {
	prefix := genKey(namespace, "")
	return &levelDBIterator{
		iter:   s.db.NewIterator(leveldb_util.BytesPrefix(prefix), nil),
		prefix: prefix,
	}
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

type levelDBIterator struct {
	iter   iterator.Iterator
	prefix []byte
	valid  bool
}

func (it *levelDBIterator) LowerBound(key string) {
	it.valid = it.iter.Seek(append(append([]byte(nil), it.prefix...), key...))
}

func (it *levelDBIterator) Valid() bool { return it.valid }

func (it *levelDBIterator) Next() { it.valid = it.iter.Next() }

func (it *levelDBIterator) Key() string { return string(it.iter.Key()[len(it.prefix):]) }

func (it *levelDBIterator) Value() []byte { return append([]byte(nil), it.iter.Value()...) }

func (it *levelDBIterator) Release() { it.iter.Release() }
