/*
Package storage provides the persistent repository layer of the broker node.

# Storage Organization

The storage uses a key-value database with prefixed namespaces to organize
the different entity kinds:

## Deals
  - d/  : dealID → Deal (aggregate root: specs, escrows, side state, events)
  - ds/ : dealID → stage index entry (cheap active-deal scan)
  - cl/ : closedAt + dealID → close index entry (late-deposit window scan)

## Transfer queue
  - q/  : itemID → QueueItem (planned or submitted outgoing transfer)
  - qs/ : dealID + sender → last assigned Seq (big-endian counter)

## Accounts
  - n/  : chainID + address → NonceState (reservation counter per sender)

## Payouts
  - py/ : payoutID → Payout (logical transfer grouping several queue items)

## Gas tank
  - gf/ : dealID + chainID + escrow → GasFunding (one-time escrow top-up)
  - tb/ : chainID → TankBalance snapshot

## Alerts
  - al/ : alertID → Alert (write-once operator notifications)

All values are encoded with deterministic CBOR. A single global lock gives
every multi-entity mutation single-writer transactional scope; each such
mutation builds one db.WriteTx and commits once.
*/
package storage

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/otcmesh/broker-node/db"
	"github.com/otcmesh/broker-node/db/prefixeddb"
	"github.com/otcmesh/broker-node/log"
)

var (
	ErrKeyAlreadyExists   = errors.New("key already exists")
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid stage transition")
	ErrNonceUninitialized = errors.New("nonce state uninitialized")

	// Prefixes
	dealPrefix        = []byte("d/")
	dealStagePrefix   = []byte("ds/")
	closedIndexPrefix = []byte("cl/")
	queueItemPrefix   = []byte("q/")
	queueSeqPrefix    = []byte("qs/")
	noncePrefix       = []byte("n/")
	payoutPrefix      = []byte("py/")
	gasFundingPrefix  = []byte("gf/")
	tankBalancePrefix = []byte("tb/")
	alertPrefix       = []byte("al/")
)

// Storage manages the broker node entities on top of a db.Database.
type Storage struct {
	db         db.Database
	globalLock sync.Mutex              // lock for multi-entity mutations
	cache      *lru.Cache[string, any] // cache for deal reads
}

// New creates a new Storage instance over the given database.
func New(database db.Database) *Storage {
	cache, err := lru.New[string, any](1000)
	if err != nil {
		log.Fatalf("failed to create LRU cache: %v", err)
	}
	return &Storage{
		db:    database,
		cache: cache,
	}
}

// Close closes the storage and the underlying database.
func (s *Storage) Close() {
	if err := s.db.Close(); err != nil {
		log.Errorw(err, "failed to close storage")
	}
}

// setArtifact stores an artifact under prefix+key in its own transaction.
func (s *Storage) setArtifact(prefix, key []byte, artifact any) error {
	wTx := s.db.WriteTx()
	defer wTx.Discard()
	if err := s.setArtifactTx(wTx, prefix, key, artifact); err != nil {
		return err
	}
	return wTx.Commit()
}

// setArtifactTx stores an artifact under prefix+key inside an open
// transaction, so several writes can commit atomically.
func (s *Storage) setArtifactTx(wTx db.WriteTx, prefix, key []byte, artifact any) error {
	data, err := EncodeArtifact(artifact)
	if err != nil {
		return err
	}
	return prefixeddb.NewPrefixedWriteTx(wTx, prefix).Set(key, data)
}

// getArtifact retrieves the artifact stored under prefix+key and decodes it
// into out. Returns ErrNotFound when the key does not exist.
func (s *Storage) getArtifact(prefix, key []byte, out any) error {
	data, err := prefixeddb.NewPrefixedReader(s.db, prefix).Get(key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := DecodeArtifact(data, out); err != nil {
		return fmt.Errorf("could not decode artifact: %w", err)
	}
	return nil
}

// getArtifactTx is getArtifact inside an open transaction, for
// read-modify-write sequences.
func (s *Storage) getArtifactTx(wTx db.WriteTx, prefix, key []byte, out any) error {
	data, err := prefixeddb.NewPrefixedWriteTx(wTx, prefix).Get(key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := DecodeArtifact(data, out); err != nil {
		return fmt.Errorf("could not decode artifact: %w", err)
	}
	return nil
}

// hasArtifactTx reports whether prefix+key exists inside an open
// transaction.
func (s *Storage) hasArtifactTx(wTx db.WriteTx, prefix, key []byte) (bool, error) {
	_, err := prefixeddb.NewPrefixedWriteTx(wTx, prefix).Get(key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// deleteArtifact removes the artifact stored under prefix+key.
func (s *Storage) deleteArtifact(prefix, key []byte) error {
	wTx := s.db.WriteTx()
	defer wTx.Discard()
	if err := prefixedDeleteTx(wTx, prefix, key); err != nil {
		return err
	}
	return wTx.Commit()
}

// prefixedDeleteTx removes prefix+key inside an open transaction.
func prefixedDeleteTx(wTx db.WriteTx, prefix, key []byte) error {
	return prefixeddb.NewPrefixedWriteTx(wTx, prefix).Delete(key)
}

// listArtifacts decodes every value under prefix. The decode callback
// receives a fresh artifact of type T for each entry; returning false stops
// the scan. Keys are deliberately not exposed: whether they include the
// prefix depends on the backend, so every entity carries its identity in
// the value.
func listArtifacts[T any](s *Storage, prefix []byte, visit func(*T) bool) error {
	var decodeErr error
	if err := prefixeddb.NewPrefixedReader(s.db, prefix).Iterate(nil, func(_, value []byte) bool {
		artifact := new(T)
		if err := DecodeArtifact(value, artifact); err != nil {
			decodeErr = fmt.Errorf("could not decode artifact under %q: %w", prefix, err)
			return false
		}
		return visit(artifact)
	}); err != nil {
		return err
	}
	return decodeErr
}
