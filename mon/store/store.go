package store

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var ErrNotFound = errors.New("not found")

// Store is a namespaced key value store. Writes only happen through
// transactions, which are applied atomically.
type Store interface {
	Get(namespace, key string) ([]byte, error)
	Apply(tx *Transaction) error
	// NewIterator walks keys of one namespace in order.
	NewIterator(namespace string) Iterator
	Close() error
}

type Iterator interface {
	// LowerBound positions the iterator at the first key >= key.
	LowerBound(key string)
	Valid() bool
	Next()
	Key() string
	Value() []byte
	Release()
}

type OpType int

const (
	OpPut OpType = iota + 1
	OpErase
	OpEraseRange
)

type Op struct {
	Type      OpType `json:"type"`
	Namespace string `json:"ns"`
	Key       string `json:"key"`
	// end key for OpEraseRange, exclusive
	End   string `json:"end,omitempty"`
	Value []byte `json:"value,omitempty"`
}

// Transaction is an ordered batch of writes. It is also the unit that is
// replicated through the consensus log.
type Transaction struct {
	Ops []Op `json:"ops"`
}

func NewTransaction() *Transaction {
	return &Transaction{}
}

func (t *Transaction) Put(namespace, key string, value []byte) {
	t.Ops = append(t.Ops, Op{Type: OpPut, Namespace: namespace, Key: key, Value: value})
}

func (t *Transaction) Erase(namespace, key string) {
	t.Ops = append(t.Ops, Op{Type: OpErase, Namespace: namespace, Key: key})
}

// EraseRange erases keys in [start, end) of a namespace.
func (t *Transaction) EraseRange(namespace, start, end string) {
	t.Ops = append(t.Ops, Op{Type: OpEraseRange, Namespace: namespace, Key: start, End: end})
}

func (t *Transaction) Append(o *Transaction) {
	t.Ops = append(t.Ops, o.Ops...)
}

func (t *Transaction) Empty() bool {
	return len(t.Ops) == 0
}

// Lookup returns the last value this transaction writes for a key. erased
// is true when the last write erases it.
func (t *Transaction) Lookup(namespace, key string) (value []byte, erased, found bool) {
	for i := len(t.Ops) - 1; i >= 0; i-- {
		op := t.Ops[i]
		if op.Namespace != namespace {
			continue
		}
		switch op.Type {
		case OpPut:
			if op.Key == key {
				return op.Value, false, true
			}
		case OpErase:
			if op.Key == key {
				return nil, true, true
			}
		case OpEraseRange:
			if key >= op.Key && key < op.End {
				return nil, true, true
			}
		}
	}
	return nil, false, false
}

func (t *Transaction) Encode() ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(t)
}

func DecodeTransaction(data []byte) (*Transaction, error) {
	t := &Transaction{}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("decode transaction: %v", err)
	}
	return t, nil
}

// Get reads a key as it would be after tx is applied.
func Get(s Store, tx *Transaction, namespace, key string) ([]byte, error) {
	if tx != nil {
		if v, erased, found := tx.Lookup(namespace, key); found {
			if erased {
				return nil, ErrNotFound
			}
			return v, nil
		}
	}
	return s.Get(namespace, key)
}
