// Package prefixeddb wraps a db.Database so every key is transparently
// namespaced under a fixed prefix. It is used to give each repository its
// own key space inside a single database.
package prefixeddb

import (
	"github.com/otcmesh/broker-node/db"
)

// PrefixedDatabase wraps a db.Database, prepending a prefix to all keys.
type PrefixedDatabase struct {
	db     db.Database
	prefix []byte
}

// Ensure that PrefixedDatabase implements the db.Database interface.
var _ db.Database = (*PrefixedDatabase)(nil)

// NewPrefixedDatabase returns a database that namespaces all keys of the
// given database under prefix.
func NewPrefixedDatabase(database db.Database, prefix []byte) *PrefixedDatabase {
	return &PrefixedDatabase{
		db:     database,
		prefix: prefix,
	}
}

func (d *PrefixedDatabase) Get(key []byte) ([]byte, error) {
	return d.db.Get(joinKey(d.prefix, key))
}

func (d *PrefixedDatabase) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return d.db.Iterate(joinKey(d.prefix, prefix), callback)
}

func (d *PrefixedDatabase) WriteTx() db.WriteTx {
	return NewPrefixedWriteTx(d.db.WriteTx(), d.prefix)
}

func (d *PrefixedDatabase) Close() error {
	return d.db.Close()
}

func (d *PrefixedDatabase) Compact() error {
	return d.db.Compact()
}

// PrefixedReader wraps a db.Reader, prepending a prefix to all keys.
type PrefixedReader struct {
	reader db.Reader
	prefix []byte
}

// Ensure that PrefixedReader implements the db.Reader interface.
var _ db.Reader = (*PrefixedReader)(nil)

// NewPrefixedReader returns a reader that namespaces all keys of the given
// reader under prefix.
func NewPrefixedReader(reader db.Reader, prefix []byte) *PrefixedReader {
	return &PrefixedReader{
		reader: reader,
		prefix: prefix,
	}
}

func (r *PrefixedReader) Get(key []byte) ([]byte, error) {
	return r.reader.Get(joinKey(r.prefix, key))
}

func (r *PrefixedReader) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return r.reader.Iterate(joinKey(r.prefix, prefix), callback)
}

// PrefixedWriteTx wraps a db.WriteTx, prepending a prefix to all keys.
type PrefixedWriteTx struct {
	tx     db.WriteTx
	prefix []byte
}

// Ensure that PrefixedWriteTx implements the db.WriteTx interface.
var _ db.WriteTx = (*PrefixedWriteTx)(nil)

// NewPrefixedWriteTx returns a write transaction that namespaces all keys
// of the given transaction under prefix.
func NewPrefixedWriteTx(tx db.WriteTx, prefix []byte) *PrefixedWriteTx {
	return &PrefixedWriteTx{
		tx:     tx,
		prefix: prefix,
	}
}

func (t *PrefixedWriteTx) Get(key []byte) ([]byte, error) {
	return t.tx.Get(joinKey(t.prefix, key))
}

func (t *PrefixedWriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return t.tx.Iterate(joinKey(t.prefix, prefix), callback)
}

func (t *PrefixedWriteTx) Set(key, value []byte) error {
	return t.tx.Set(joinKey(t.prefix, key), value)
}

func (t *PrefixedWriteTx) Delete(key []byte) error {
	return t.tx.Delete(joinKey(t.prefix, key))
}

// Apply copies the key-value pairs visible from other into this
// transaction, prefixing each key. Note that the keys seen while iterating
// other may or may not include other's own prefix, depending on the
// backend.
func (t *PrefixedWriteTx) Apply(other db.WriteTx) (err error) {
	iterErr := other.Iterate(nil, func(key, value []byte) bool {
		if setErr := t.Set(key, value); setErr != nil {
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

func (t *PrefixedWriteTx) Commit() error {
	return t.tx.Commit()
}

func (t *PrefixedWriteTx) Discard() {
	t.tx.Discard()
}

// joinKey concatenates prefix and key into a fresh slice, so appends on
// the shared prefix never alias previously returned keys.
func joinKey(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}
