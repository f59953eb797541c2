// Package leveldb implements db.Database on top of goleveldb. Writes are
// buffered in the transaction and committed atomically with a leveldb
// batch, so concurrent transactions never block each other, but conflicts
// are not detected.
package leveldb

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/otcmesh/broker-node/db"
)

// LevelDB implements the db.Database interface.
type LevelDB struct {
	db     *leveldb.DB
	closed atomic.Bool
}

// Ensure that LevelDB implements the db.Database interface.
var _ db.Database = (*LevelDB)(nil)

// New opens (or creates) a leveldb database at opts.Path.
func New(opts db.Options) (*LevelDB, error) {
	ldb, err := leveldb.OpenFile(opts.Path, &opt.Options{
		Filter: filter.NewBloomFilter(10),
	})
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: ldb}, nil
}

// Close closes the database. Calling it more than once is harmless.
func (d *LevelDB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.db.Close()
}

// Compact compacts the whole key range of the underlying store.
func (d *LevelDB) Compact() error {
	if d.closed.Load() {
		return nil
	}
	return d.db.CompactRange(util.Range{})
}

func (d *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := d.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, db.ErrKeyNotFound
	}
	return value, err
}

// Iterate walks the keys under prefix in lexicographic order. The key
// passed to the callback does not include the prefix.
func (d *LevelDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	iter := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if cont := callback(iter.Key()[len(prefix):], iter.Value()); !cont {
			break
		}
	}
	return iter.Error()
}

func (d *LevelDB) WriteTx() db.WriteTx {
	return &WriteTx{
		db:      d,
		pending: make(map[string]*[]byte),
	}
}

// WriteTx implements the db.WriteTx interface. Pending writes live in an
// overlay map (nil value means deletion) until Commit.
type WriteTx struct {
	db      *LevelDB
	pending map[string]*[]byte
	done    bool
}

// Ensure that WriteTx implements the db.WriteTx interface.
var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	if pending, ok := tx.pending[string(key)]; ok {
		if pending == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(*pending), nil
	}
	return tx.db.Get(key)
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	entries := make(map[string][]byte)
	if err := tx.db.Iterate(prefix, func(k, v []byte) bool {
		entries[string(k)] = bytes.Clone(v)
		return true
	}); err != nil {
		return err
	}
	for k, v := range tx.pending {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		local := k[len(prefix):]
		if v == nil {
			delete(entries, local)
			continue
		}
		entries[local] = bytes.Clone(*v)
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if !callback([]byte(k), entries[k]) {
			break
		}
	}
	return nil
}

func (tx *WriteTx) Set(key, value []byte) error {
	valCopy := bytes.Clone(value)
	tx.pending[string(key)] = &valCopy
	return nil
}

func (tx *WriteTx) Delete(key []byte) error {
	tx.pending[string(key)] = nil
	return nil
}

func (tx *WriteTx) Apply(other db.WriteTx) (err error) {
	iterErr := other.Iterate(nil, func(key, value []byte) bool {
		if setErr := tx.Set(key, value); setErr != nil {
			err = setErr
			return false
		}
		return true
	})
	if iterErr != nil {
		return iterErr
	}
	return err
}

func (tx *WriteTx) Commit() error {
	if tx.done {
		return fmt.Errorf("cannot commit leveldb tx: already committed or discarded")
	}
	tx.done = true
	batch := new(leveldb.Batch)
	for k, v := range tx.pending {
		if v == nil {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), *v)
	}
	return tx.db.db.Write(batch, nil)
}

func (tx *WriteTx) Discard() {
	tx.pending = map[string]*[]byte{}
	tx.done = true
}
