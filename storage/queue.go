package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/otcmesh/broker-node/db"
	"github.com/otcmesh/broker-node/db/prefixeddb"
	"github.com/otcmesh/broker-node/types"
)

// ErrNonceSequence is returned by ValidateNonceSequence when the recorded
// nonces of a sender contain gaps or duplicates.
var ErrNonceSequence = errors.New("nonce sequence violation")

// seqKey is the qs/ counter key of a (deal, sender) pair.
func seqKey(dealID, fromAddress string) []byte {
	return []byte(dealID + "/" + fromAddress)
}

// Enqueue stores a single queue item, assigning its Seq.
func (s *Storage) Enqueue(item *types.QueueItem) error {
	return s.EnqueueAll(item)
}

// EnqueueAll stores a batch of queue items in one transaction. Every item
// receives the next Seq of its (deal, sender) counter, in slice order, so a
// planner enqueueing a payout sequence gets the submission order it listed.
// Items without an id get a fresh one.
func (s *Storage) EnqueueAll(items ...*types.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	now := time.Now()
	counters := make(map[string]uint64)
	for _, item := range items {
		if item.DealID == "" || item.From.Address == "" {
			return fmt.Errorf("queue item missing deal or sender")
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		counterKey := string(seqKey(item.DealID, item.From.Address))
		next, ok := counters[counterKey]
		if !ok {
			stored, err := s.seqCounterTx(wTx, []byte(counterKey))
			if err != nil {
				return err
			}
			next = stored
		}
		next++
		counters[counterKey] = next
		item.Seq = next
		item.CreatedAt = now
		item.UpdatedAt = now
		if err := s.setArtifactTx(wTx, queueItemPrefix, []byte(item.ID), item); err != nil {
			return err
		}
	}
	for counterKey, value := range counters {
		if err := s.setSeqCounterTx(wTx, []byte(counterKey), value); err != nil {
			return err
		}
	}
	return wTx.Commit()
}

func (s *Storage) seqCounterTx(wTx db.WriteTx, key []byte) (uint64, error) {
	data, err := prefixeddb.NewPrefixedWriteTx(wTx, queueSeqPrefix).Get(key)
	if errors.Is(err, db.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("malformed seq counter %q", key)
	}
	return binary.BigEndian.Uint64(data), nil
}

func (s *Storage) setSeqCounterTx(wTx db.WriteTx, key []byte, value uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	return prefixeddb.NewPrefixedWriteTx(wTx, queueSeqPrefix).Set(key, buf)
}

// QueueItem retrieves a queue item by id.
func (s *Storage) QueueItem(id string) (*types.QueueItem, error) {
	item := new(types.QueueItem)
	if err := s.getArtifact(queueItemPrefix, []byte(id), item); err != nil {
		return nil, err
	}
	return item, nil
}

// scanItems decodes every queue item matching the predicate. A nil
// predicate matches everything.
func (s *Storage) scanItems(match func(*types.QueueItem) bool) ([]*types.QueueItem, error) {
	var items []*types.QueueItem
	if err := listArtifacts(s, queueItemPrefix, func(item *types.QueueItem) bool {
		if match == nil || match(item) {
			items = append(items, item)
		}
		return true
	}); err != nil {
		return nil, err
	}
	return items, nil
}

// sortItemsBySeq orders items by deal then Seq, the drain order within one
// sender group.
func sortItemsBySeq(items []*types.QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].DealID != items[j].DealID {
			return items[i].DealID < items[j].DealID
		}
		return items[i].Seq < items[j].Seq
	})
}

// AllItems returns every queue item.
func (s *Storage) AllItems() ([]*types.QueueItem, error) {
	return s.scanItems(nil)
}

// ItemsByDeal returns the queue items of a deal ordered by sender and Seq.
func (s *Storage) ItemsByDeal(dealID string) ([]*types.QueueItem, error) {
	items, err := s.scanItems(func(item *types.QueueItem) bool {
		return item.DealID == dealID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].From.Address != items[j].From.Address {
			return items[i].From.Address < items[j].From.Address
		}
		return items[i].Seq < items[j].Seq
	})
	return items, nil
}

// PendingItems returns every PENDING item grouped by sender, each group in
// drain order.
func (s *Storage) PendingItems() (map[string][]*types.QueueItem, error) {
	items, err := s.scanItems(func(item *types.QueueItem) bool {
		return item.Status == types.ItemPending
	})
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]*types.QueueItem)
	for _, item := range items {
		key := item.SenderKey()
		groups[key] = append(groups[key], item)
	}
	for _, group := range groups {
		sortItemsBySeq(group)
	}
	return groups, nil
}

// SubmittedItems returns every SUBMITTED item, for the confirmation monitor
// and the stuck-transaction scan.
func (s *Storage) SubmittedItems() ([]*types.QueueItem, error) {
	items, err := s.scanItems(func(item *types.QueueItem) bool {
		return item.Status == types.ItemSubmitted
	})
	if err != nil {
		return nil, err
	}
	sortItemsBySeq(items)
	return items, nil
}

// NextPending returns the lowest-Seq PENDING item of a (deal, sender) pair,
// optionally narrowed to a phase or chain, or nil when there is none.
func (s *Storage) NextPending(dealID, address string, phase *types.UTXOPhase, chainID string) (*types.QueueItem, error) {
	items, err := s.scanItems(func(item *types.QueueItem) bool {
		if item.Status != types.ItemPending || item.DealID != dealID || item.From.Address != address {
			return false
		}
		if phase != nil && item.Phase != *phase {
			return false
		}
		if chainID != "" && item.ChainID != chainID {
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	sortItemsBySeq(items)
	return items[0], nil
}

// UpdateQueueItem performs a read-modify-write cycle on a queue item under
// the global lock.
func (s *Storage) UpdateQueueItem(id string, updateFuncs ...func(*types.QueueItem) error) error {
	if len(updateFuncs) == 0 {
		return nil
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	item := new(types.QueueItem)
	if err := s.getArtifactTx(wTx, queueItemPrefix, []byte(id), item); err != nil {
		return err
	}
	for _, fn := range updateFuncs {
		if err := fn(item); err != nil {
			return err
		}
	}
	item.UpdatedAt = time.Now()
	if err := s.setArtifactTx(wTx, queueItemPrefix, []byte(id), item); err != nil {
		return err
	}
	return wTx.Commit()
}

// UpdateItemStatus sets the status of a queue item and, when tx is not nil,
// its submission record.
func (s *Storage) UpdateItemStatus(id string, status types.ItemStatus, tx *types.TxRef) error {
	return s.UpdateQueueItem(id, func(item *types.QueueItem) error {
		item.Status = status
		if tx != nil {
			item.Tx = tx
		}
		return nil
	})
}

// UpdateSubmissionMetadata replaces the submission record of an item after a
// gas bump and records how many bumps it has taken.
func (s *Storage) UpdateSubmissionMetadata(id string, tx *types.TxRef, bumpAttempts int) error {
	return s.UpdateQueueItem(id, func(item *types.QueueItem) error {
		item.Tx = tx
		item.GasBumpAttempts = bumpAttempts
		return nil
	})
}

// PhaseItems returns the items of a deal belonging to one UTXO phase.
func (s *Storage) PhaseItems(dealID string, phase types.UTXOPhase) ([]*types.QueueItem, error) {
	items, err := s.scanItems(func(item *types.QueueItem) bool {
		return item.DealID == dealID && item.Phase == phase
	})
	if err != nil {
		return nil, err
	}
	sortItemsBySeq(items)
	return items, nil
}

// HasPhaseCompleted reports whether every item of the given phase is
// COMPLETED. A phase with no items does not block later phases.
func (s *Storage) HasPhaseCompleted(dealID string, phase types.UTXOPhase) (bool, error) {
	items, err := s.PhaseItems(dealID, phase)
	if err != nil {
		return false, err
	}
	for _, item := range items {
		if item.Status != types.ItemCompleted {
			return false, nil
		}
	}
	return true, nil
}

// liveNonce reports whether the item holds a live claim on a nonce slot:
// its submission record exists and has not been dropped or replaced.
func liveNonce(item *types.QueueItem) bool {
	return item.Tx != nil && item.Tx.Nonce != nil &&
		item.Tx.Status != types.TxDropped && item.Tx.Status != types.TxReplaced
}

// ValidateNonceSequence checks the recorded nonce set of a sender for gaps
// and duplicates. Both SUBMITTED and COMPLETED items count; a failure means
// the local nonce state can no longer be trusted and must be reset.
func (s *Storage) ValidateNonceSequence(chainID, address string) error {
	items, err := s.scanItems(func(item *types.QueueItem) bool {
		if item.ChainID != chainID || item.From.Address != address {
			return false
		}
		if item.Status != types.ItemSubmitted && item.Status != types.ItemCompleted {
			return false
		}
		return liveNonce(item)
	})
	if err != nil {
		return err
	}
	nonces := make([]uint64, 0, len(items))
	seen := make(map[uint64]bool, len(items))
	for _, item := range items {
		nonce := *item.Tx.Nonce
		if seen[nonce] {
			return fmt.Errorf("%w: duplicate nonce %d for %s/%s", ErrNonceSequence, nonce, chainID, address)
		}
		seen[nonce] = true
		nonces = append(nonces, nonce)
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	for i := 1; i < len(nonces); i++ {
		if nonces[i] != nonces[i-1]+1 {
			return fmt.Errorf("%w: gap between nonces %d and %d for %s/%s",
				ErrNonceSequence, nonces[i-1], nonces[i], chainID, address)
		}
	}
	return nil
}

// FindNonceConflict returns another item of the same sender holding a live
// claim on the same serialization key (nonce slot or input set), or nil.
func (s *Storage) FindNonceConflict(chainID, address, serialKey, excludeID string) (*types.QueueItem, error) {
	items, err := s.scanItems(func(item *types.QueueItem) bool {
		if item.ID == excludeID || item.ChainID != chainID || item.From.Address != address {
			return false
		}
		if item.Tx == nil || item.Tx.Status == types.TxDropped || item.Tx.Status == types.TxReplaced {
			return false
		}
		return item.Tx.SerializationKey() == serialKey
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

// HighestQueuedNonce returns the highest nonce among the live submission
// records of a sender, or nil when the sender has none.
func (s *Storage) HighestQueuedNonce(chainID, address string) (*uint64, error) {
	items, err := s.scanItems(func(item *types.QueueItem) bool {
		return item.ChainID == chainID && item.From.Address == address && liveNonce(item)
	})
	if err != nil {
		return nil, err
	}
	var highest *uint64
	for _, item := range items {
		nonce := *item.Tx.Nonce
		if highest == nil || nonce > *highest {
			n := nonce
			highest = &n
		}
	}
	return highest, nil
}

// ClearPendingByPurpose deletes the PENDING items of a deal with the given
// purpose, returning how many were removed. Submitted items are never
// touched; once broadcast, a transfer can only complete or be reorged.
func (s *Storage) ClearPendingByPurpose(dealID string, purpose types.Purpose) (int, error) {
	items, err := s.scanItems(func(item *types.QueueItem) bool {
		return item.DealID == dealID && item.Purpose == purpose && item.Status == types.ItemPending
	})
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	for _, item := range items {
		if err := prefixedDeleteTx(wTx, queueItemPrefix, []byte(item.ID)); err != nil {
			return 0, err
		}
	}
	if err := wTx.Commit(); err != nil {
		return 0, err
	}
	return len(items), nil
}
