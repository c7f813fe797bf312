// Package store holds the process-wide keyed state: composite key -> record.
// Backends are an in-memory map and LevelDB; every command runs against a Tx
// write buffer that is committed in one batch or discarded.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("store: key not found")
	ErrClosed    = errors.New("store: closed")
	ErrTxDone    = errors.New("store: transaction already committed or discarded")
	ErrKeyExists = errors.New("store: key already exists")
)

// Reader is the read side shared by backends and transactions.
type Reader interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	// Iterate visits keys with the given prefix in ascending key order.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}

type Writer interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

type ReadWriter interface {
	Reader
	Writer
}

// KV is a storage backend.
type KV interface {
	ReadWriter
	// Apply writes every operation in b atomically. It fails with
	// ErrKeyExists, writing nothing, if any key in b.Absent is present.
	Apply(b *Batch) error
	Close() error
}

// Op is a single buffered write. A nil Value deletes the key.
type Op struct {
	Key   []byte
	Value []byte
}

// Batch is an ordered set of writes applied atomically. Absent lists keys
// that must not exist when the batch is applied.
type Batch struct {
	Ops    []Op
	Absent [][]byte
}

func (b *Batch) Put(key, value []byte) {
	b.Ops = append(b.Ops, Op{Key: key, Value: value})
}

func (b *Batch) Delete(key []byte) {
	b.Ops = append(b.Ops, Op{Key: key})
}

// checkAbsent fails on the first Absent key that has reports as present.
func (b *Batch) checkAbsent(has func(key []byte) (bool, error)) error {
	for _, key := range b.Absent {
		ok, err := has(key)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", ErrKeyExists, key)
		}
	}
	return nil
}

func (b *Batch) Len() int {
	return len(b.Ops)
}

// Clear deletes every key in kv in one batch.
func Clear(kv KV) error {
	var b Batch
	err := kv.Iterate(nil, func(key, _ []byte) error {
		b.Delete(key)
		return nil
	})
	if err != nil {
		return err
	}
	return kv.Apply(&b)
}

// GetJSON decodes the record at key into v. found is false when absent.
func GetJSON(r Reader, key []byte, v interface{}) (found bool, err error) {
	data, err := r.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it at key.
func PutJSON(w Writer, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return w.Put(key, data)
}
