// Package inmemory provides an ephemeral db.Database used by tests. Unlike
// the persistent backends, its transactions track the versions of the keys
// they read and Commit fails with db.ErrConflict when another transaction
// touched those keys first, which makes it useful to exercise retry paths.
package inmemory

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/otcmesh/broker-node/db"
)

// InMemoryDB implements db.Database over plain maps guarded by a RWMutex.
// Deleted keys keep their version so transactions that read them still
// conflict with the deletion.
type InMemoryDB struct {
	mu       sync.RWMutex
	values   map[string][]byte
	versions map[string]uint64
	clock    uint64
}

// Ensure that InMemoryDB implements the db.Database interface.
var _ db.Database = (*InMemoryDB)(nil)

// New returns an empty in-memory database. Options are ignored.
func New(_ db.Options) (*InMemoryDB, error) {
	return &InMemoryDB{
		values:   make(map[string][]byte),
		versions: make(map[string]uint64),
	}, nil
}

func (d *InMemoryDB) Close() error {
	return nil
}

func (d *InMemoryDB) Compact() error {
	return nil
}

func (d *InMemoryDB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	value, ok := d.values[string(key)]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return bytes.Clone(value), nil
}

// Iterate walks the live entries under prefix in lexicographic key order.
// The key passed to the callback is the full key, prefix included.
func (d *InMemoryDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	d.mu.RLock()
	snapshot := d.snapshotLocked(prefix, nil)
	d.mu.RUnlock()
	return walkSorted(snapshot, callback)
}

func (d *InMemoryDB) WriteTx() db.WriteTx {
	d.mu.RLock()
	birth := d.clock
	d.mu.RUnlock()
	return &WriteTx{
		db:      d,
		pending: make(map[string]*[]byte),
		reads:   make(map[string]uint64),
		birth:   birth,
	}
}

// snapshotLocked copies every live entry under prefix. When readVersions is
// not nil it also records the version of each copied key. Callers must
// hold mu.
func (d *InMemoryDB) snapshotLocked(prefix []byte, readVersions map[string]uint64) map[string][]byte {
	out := make(map[string][]byte)
	for k, v := range d.values {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		out[k] = bytes.Clone(v)
		if readVersions != nil {
			readVersions[k] = d.versions[k]
		}
	}
	return out
}

// writeLocked applies a single write, bumping the global clock. A nil
// value deletes the key but keeps its version. Callers must hold mu.
func (d *InMemoryDB) writeLocked(key string, value []byte) {
	d.clock++
	d.versions[key] = d.clock
	if value == nil {
		delete(d.values, key)
		return
	}
	d.values[key] = bytes.Clone(value)
}

// WriteTx implements the db.WriteTx interface. Pending writes live in an
// overlay map (nil entry marks deletion); reads record the version each
// key had when first observed.
type WriteTx struct {
	db        *InMemoryDB
	pending   map[string]*[]byte
	reads     map[string]uint64
	birth     uint64
	committed bool
	discarded bool
}

// Ensure that WriteTx implements the db.WriteTx interface.
var _ db.WriteTx = (*WriteTx)(nil)

// observe records the version of a key the first time it is read or
// written, so Commit can detect concurrent modifications.
func (tx *WriteTx) observe(key string) {
	if _, seen := tx.reads[key]; seen {
		return
	}
	tx.db.mu.RLock()
	version := tx.db.versions[key]
	tx.db.mu.RUnlock()
	tx.reads[key] = version
}

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	strKey := string(key)
	if pending, ok := tx.pending[strKey]; ok {
		if pending == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(*pending), nil
	}
	tx.observe(strKey)
	return tx.db.Get(key)
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	readVersions := make(map[string]uint64)
	tx.db.mu.RLock()
	entries := tx.db.snapshotLocked(prefix, readVersions)
	tx.db.mu.RUnlock()

	for k, ver := range readVersions {
		if _, seen := tx.reads[k]; !seen {
			tx.reads[k] = ver
		}
	}
	for k, v := range tx.pending {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(entries, k)
			continue
		}
		entries[k] = bytes.Clone(*v)
	}
	return walkSorted(entries, callback)
}

func (tx *WriteTx) Set(key, value []byte) error {
	strKey := string(key)
	tx.observe(strKey)
	valCopy := bytes.Clone(value)
	tx.pending[strKey] = &valCopy
	return nil
}

func (tx *WriteTx) Delete(key []byte) error {
	strKey := string(key)
	tx.observe(strKey)
	tx.pending[strKey] = nil
	return nil
}

func (tx *WriteTx) Apply(other db.WriteTx) error {
	return other.Iterate(nil, func(k, v []byte) bool {
		return tx.Set(k, v) == nil
	})
}

// Commit applies the pending writes. It fails with db.ErrConflict when any
// key observed by the transaction was written after the transaction began
// or after it was observed.
func (tx *WriteTx) Commit() error {
	if tx.committed || tx.discarded {
		return fmt.Errorf("cannot commit inmemory tx: already committed or discarded")
	}

	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()

	for key, readVersion := range tx.reads {
		if readVersion > tx.birth || tx.db.versions[key] != readVersion {
			return db.ErrConflict
		}
	}
	for key, value := range tx.pending {
		if value == nil {
			tx.db.writeLocked(key, nil)
			continue
		}
		tx.db.writeLocked(key, *value)
	}
	tx.committed = true
	return nil
}

func (tx *WriteTx) Discard() {
	tx.pending = map[string]*[]byte{}
	tx.reads = map[string]uint64{}
	tx.discarded = true
}

// walkSorted calls callback for each entry in lexicographic key order.
func walkSorted(entries map[string][]byte, callback func(key, value []byte) bool) error {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		if !callback([]byte(key), entries[key]) {
			break
		}
	}
	return nil
}
