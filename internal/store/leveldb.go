package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var optSync = opt.WriteOptions{Sync: true}

// LevelStore is the durable backend.
type LevelStore struct {
	db *leveldb.DB
	// Serializes Apply so the Absent check and the write are one step.
	applyMu sync.Mutex
}

// OpenLevelStore creates or opens a LevelDB database at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open leveldb %s: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

func (l *LevelStore) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if errors.Is(err, leveldb.ErrClosed) {
		return nil, ErrClosed
	}
	return value, err
}

func (l *LevelStore) Has(key []byte) (bool, error) {
	return l.db.Has(key, nil)
}

func (l *LevelStore) Put(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelStore) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelStore) Apply(b *Batch) error {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()
	if err := b.checkAbsent(l.Has); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	for _, op := range b.Ops {
		if op.Value == nil {
			batch.Delete(op.Key)
		} else {
			batch.Put(op.Key, op.Value)
		}
	}
	return l.db.Write(batch, &optSync)
}

func (l *LevelStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		// Iterator buffers are reused between calls
		key := cloneBytes(iter.Key())
		value := cloneBytes(iter.Value())
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *LevelStore) Close() error {
	return l.db.Close()
}
