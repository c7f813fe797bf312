package store

import (
	"bytes"
	"errors"
	"sort"
)

// Tx buffers writes over a backend. Reads see the buffer first. Nothing
// reaches the backend until Commit.
type Tx struct {
	base   KV
	writes map[string][]byte // nil value marks a delete
	absent map[string]struct{}
	done   bool
}

func Begin(base KV) *Tx {
	return &Tx{
		base:   base,
		writes: make(map[string][]byte),
		absent: make(map[string]struct{}),
	}
}

func (tx *Tx) Get(key []byte) ([]byte, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if v, ok := tx.writes[string(key)]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return cloneBytes(v), nil
	}
	return tx.base.Get(key)
}

func (tx *Tx) Has(key []byte) (bool, error) {
	if tx.done {
		return false, ErrTxDone
	}
	if v, ok := tx.writes[string(key)]; ok {
		return v != nil, nil
	}
	return tx.base.Has(key)
}

func (tx *Tx) Put(key, value []byte) error {
	if tx.done {
		return ErrTxDone
	}
	if value == nil {
		value = []byte{}
	}
	tx.writes[string(key)] = cloneBytes(value)
	return nil
}

func (tx *Tx) Delete(key []byte) error {
	if tx.done {
		return ErrTxDone
	}
	tx.writes[string(key)] = nil
	return nil
}

// PutIfAbsent returns the visible value of key if there is one. Otherwise
// it buffers value like Put and Commit fails with ErrKeyExists if the key
// appears in the backend in the meantime.
func (tx *Tx) PutIfAbsent(key, value []byte) ([]byte, bool, error) {
	existing, err := tx.Get(key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if err := tx.Put(key, value); err != nil {
		return nil, false, err
	}
	tx.absent[string(key)] = struct{}{}
	return cloneBytes(value), true, nil
}

// Iterate merges buffered writes over the backend in key order.
func (tx *Tx) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	if tx.done {
		return ErrTxDone
	}

	merged := make(map[string][]byte)
	err := tx.base.Iterate(prefix, func(key, value []byte) error {
		merged[string(key)] = value
		return nil
	})
	if err != nil {
		return err
	}
	for k, v := range tx.writes {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), cloneBytes(merged[k])); err != nil {
			return err
		}
	}
	return nil
}

// Writes returns the buffered operations sorted by key.
func (tx *Tx) Writes() []Op {
	keys := make([]string, 0, len(tx.writes))
	for k := range tx.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ops := make([]Op, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, Op{Key: []byte(k), Value: cloneBytes(tx.writes[k])})
	}
	return ops
}

// Commit applies every buffered write atomically.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if len(tx.writes) == 0 {
		return nil
	}
	b := &Batch{Ops: tx.Writes()}
	for k := range tx.absent {
		b.Absent = append(b.Absent, []byte(k))
	}
	return tx.base.Apply(b)
}

// Discard drops the buffer. Safe to call after Commit.
func (tx *Tx) Discard() {
	tx.done = true
	tx.writes = nil
	tx.absent = nil
}
