// Package db defines the key-value database interface used by the broker
// node, plus the options shared by all backend implementations.
package db

import "errors"

const (
	// TypePebble is the identifier of the pebble database backend.
	TypePebble = "pebble"
	// TypeLevelDB is the identifier of the goleveldb database backend.
	TypeLevelDB = "leveldb"
	// TypeInMemory is the identifier of the ephemeral in-memory backend.
	TypeInMemory = "inmemory"
)

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by Commit when the transaction read keys
	// that were modified by another transaction committed after it began.
	// Only backends with transactional semantics report it.
	ErrConflict = errors.New("transaction conflict")
)

// Options defines the generic parameters accepted by every backend.
type Options struct {
	Path string
}

// Reader is the interface for read access to the database.
type Reader interface {
	// Get retrieves the value for the given key. If the key does not
	// exist, it returns ErrKeyNotFound.
	Get(key []byte) ([]byte, error)

	// Iterate calls callback with all key-value pairs in the database
	// whose key starts with prefix, in lexicographic key order. Iteration
	// stops early when the callback returns false. Whether the key passed
	// to the callback includes the prefix depends on the backend, so
	// callers that need the full key must handle both forms.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// Database is implemented by all backends. Implementations must be safe
// for concurrent use.
type Database interface {
	Reader

	// WriteTx creates a new write transaction.
	WriteTx() WriteTx

	// Close releases the database resources. No operations should be
	// performed on the database afterwards.
	Close() error

	// Compact triggers a compaction of the underlying storage, on the
	// backends that support it.
	Compact() error
}

// WriteTx is a write transaction. It is not safe for concurrent use by
// multiple goroutines.
type WriteTx interface {
	Reader

	// Set stores a key-value pair. If the key already exists, its value
	// is updated.
	Set(key []byte, value []byte) error

	// Delete removes a key and its value.
	Delete(key []byte) error

	// Apply copies into this transaction the key-value pairs visible
	// from other, pending writes included.
	Apply(other WriteTx) error

	// Commit applies all pending operations to the database. After a
	// Commit the transaction must not be reused.
	Commit() error

	// Discard drops all pending operations. It is safe to call after
	// Commit, in which case it is a no-op, so it can be deferred.
	Discard()
}
