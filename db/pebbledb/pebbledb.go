// Package pebbledb implements db.Database using the pebble storage engine.
// It is the default persistent backend of the broker node.
package pebbledb

import (
	"bytes"
	"errors"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/otcmesh/broker-node/db"
)

// PebbleDB implements the db.Database interface.
type PebbleDB struct {
	db     *pebble.DB
	closed atomic.Bool
}

// Ensure that PebbleDB implements the db.Database interface.
var _ db.Database = (*PebbleDB)(nil)

// New opens (or creates) a pebble database at opts.Path.
func New(opts db.Options) (*PebbleDB, error) {
	if err := os.MkdirAll(opts.Path, os.ModePerm); err != nil {
		return nil, err
	}
	pdb, err := pebble.Open(opts.Path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleDB{db: pdb}, nil
}

// Close closes the database. Calling it more than once is harmless, and
// any transaction used after Close becomes a no-op.
func (d *PebbleDB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.db.Close()
}

// Compact compacts the whole key space of the underlying pebble store.
func (d *PebbleDB) Compact() error {
	if d.closed.Load() {
		return nil
	}
	iter, err := d.db.NewIter(nil)
	if err != nil {
		return err
	}
	var first, last []byte
	if iter.First() {
		first = bytes.Clone(iter.Key())
	}
	if iter.Last() {
		last = bytes.Clone(iter.Key())
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if first == nil || bytes.Equal(first, last) {
		return nil
	}
	return d.db.Compact(first, last, true)
}

func (d *PebbleDB) Get(key []byte) ([]byte, error) {
	if d.closed.Load() {
		return nil, db.ErrKeyNotFound
	}
	return get(d.db, key)
}

func (d *PebbleDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	if d.closed.Load() {
		return nil
	}
	return iterate(d.db, prefix, callback)
}

// WriteTx returns a write transaction backed by an indexed pebble batch.
// Note that pebble batches do not detect conflicts between concurrent
// transactions, so Commit never returns db.ErrConflict.
func (d *PebbleDB) WriteTx() db.WriteTx {
	if d.closed.Load() {
		return &WriteTx{db: d}
	}
	return &WriteTx{db: d, batch: d.db.NewIndexedBatch()}
}

// WriteTx implements the db.WriteTx interface over a pebble indexed batch.
type WriteTx struct {
	db    *PebbleDB
	batch *pebble.Batch
	done  bool
}

// Ensure that WriteTx implements the db.WriteTx interface.
var _ db.WriteTx = (*WriteTx)(nil)

// usable reports whether the transaction can still touch the batch.
func (tx *WriteTx) usable() bool {
	return tx.batch != nil && !tx.done && !tx.db.closed.Load()
}

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	if !tx.usable() {
		return nil, nil
	}
	return get(tx.batch, key)
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	if !tx.usable() {
		return nil
	}
	return iterate(tx.batch, prefix, callback)
}

func (tx *WriteTx) Set(key, value []byte) error {
	if !tx.usable() {
		return nil
	}
	return tx.batch.Set(key, value, nil)
}

func (tx *WriteTx) Delete(key []byte) error {
	if !tx.usable() {
		return nil
	}
	return tx.batch.Delete(key, nil)
}

func (tx *WriteTx) Apply(other db.WriteTx) (err error) {
	if !tx.usable() {
		return nil
	}
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
	if !tx.usable() {
		return nil
	}
	tx.done = true
	return tx.batch.Commit(pebble.Sync)
}

func (tx *WriteTx) Discard() {
	if tx.batch == nil || tx.db.closed.Load() {
		return
	}
	tx.done = true
	_ = tx.batch.Close()
}

func get(reader pebble.Reader, key []byte) ([]byte, error) {
	value, closer, err := reader.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, db.ErrKeyNotFound
	} else if err != nil {
		return nil, err
	}
	// The value is only valid until closer is closed, so copy it out.
	v := bytes.Clone(value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return v, nil
}

// iterate walks the keys under prefix in lexicographic order. The key
// passed to the callback does not include the prefix.
func iterate(reader pebble.Reader, prefix []byte, callback func(key, value []byte) bool) error {
	iter, err := reader.NewIter(prefixIterOptions(prefix))
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if cont := callback(iter.Key()[len(prefix):], iter.Value()); !cont {
			break
		}
	}
	return iter.Close()
}

// keyUpperBound returns the smallest key lexicographically greater than
// every key starting with b, or nil when no such bound exists.
func keyUpperBound(b []byte) []byte {
	end := bytes.Clone(b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func prefixIterOptions(prefix []byte) *pebble.IterOptions {
	if len(prefix) == 0 {
		return nil
	}
	return &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	}
}
