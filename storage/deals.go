package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/otcmesh/broker-node/log"
	"github.com/otcmesh/broker-node/rules"
	"github.com/otcmesh/broker-node/types"
)

// stageIndexEntry is the value stored under ds/ for every non-closed deal.
// It carries the deal identity so scans never need to parse keys.
type stageIndexEntry struct {
	ID    string          `json:"id"`
	Stage types.DealStage `json:"stage"`
}

// closedIndexEntry is the value stored under cl/ when a deal closes.
type closedIndexEntry struct {
	ID       string    `json:"id"`
	ClosedAt time.Time `json:"closedAt"`
}

func dealCacheKey(id string) string {
	return "d/" + id
}

// closedIndexKey orders close-index entries chronologically: big-endian
// nanoseconds followed by the deal id for uniqueness.
func closedIndexKey(id string, closedAt time.Time) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(closedAt.UnixNano()))
	return append(key, []byte(id)...)
}

// PutDeal stores a newly created deal and indexes its stage. It fails with
// ErrKeyAlreadyExists when a deal with the same id is already stored.
func (s *Storage) PutDeal(deal *types.Deal) error {
	if deal == nil || deal.ID == "" {
		return fmt.Errorf("missing deal id")
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	key := []byte(deal.ID)
	exists, err := s.hasArtifactTx(wTx, dealPrefix, key)
	if err != nil {
		return err
	}
	if exists {
		return ErrKeyAlreadyExists
	}
	now := time.Now()
	if deal.CreatedAt.IsZero() {
		deal.CreatedAt = now
	}
	deal.UpdatedAt = now
	if deal.StageChangedAt.IsZero() {
		deal.StageChangedAt = now
	}
	if err := s.setArtifactTx(wTx, dealPrefix, key, deal); err != nil {
		return err
	}
	if err := s.setArtifactTx(wTx, dealStagePrefix, key, &stageIndexEntry{ID: deal.ID, Stage: deal.Stage}); err != nil {
		return err
	}
	if err := wTx.Commit(); err != nil {
		return err
	}
	s.cache.Remove(dealCacheKey(deal.ID))
	return nil
}

// Deal retrieves a deal by id, serving repeated reads from the LRU cache.
func (s *Storage) Deal(id string) (*types.Deal, error) {
	if cached, ok := s.cache.Get(dealCacheKey(id)); ok {
		if deal, ok := cached.(*types.Deal); ok {
			return deal, nil
		}
	}
	deal := new(types.Deal)
	if err := s.getArtifact(dealPrefix, []byte(id), deal); err != nil {
		return nil, err
	}
	s.cache.Add(dealCacheKey(id), deal)
	return deal, nil
}

// UpdateDeal performs a read-modify-write cycle on a deal under the global
// lock. Update functions must not change the stage; stage changes go through
// UpdateStage so transitions stay validated and indexed.
func (s *Storage) UpdateDeal(id string, updateFuncs ...func(*types.Deal) error) error {
	if len(updateFuncs) == 0 {
		return nil
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	deal := new(types.Deal)
	if err := s.getArtifactTx(wTx, dealPrefix, []byte(id), deal); err != nil {
		return err
	}
	for _, fn := range updateFuncs {
		if err := fn(deal); err != nil {
			return err
		}
	}
	deal.UpdatedAt = time.Now()
	if err := s.setArtifactTx(wTx, dealPrefix, []byte(id), deal); err != nil {
		return err
	}
	if err := wTx.Commit(); err != nil {
		return err
	}
	s.cache.Remove(dealCacheKey(id))
	return nil
}

// UpdateStage moves a deal from one stage to another. It refuses stage
// mismatches and transitions outside the lifecycle graph with
// ErrInvalidTransition, appends the transition to the deal events, keeps the
// stage and close indexes current, and clears the expiry permanently when
// the deal enters the swap stage.
func (s *Storage) UpdateStage(id string, from, to types.DealStage) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	deal := new(types.Deal)
	if err := s.getArtifactTx(wTx, dealPrefix, []byte(id), deal); err != nil {
		return err
	}
	if deal.Stage != from {
		return fmt.Errorf("%w: deal %s is at %s, expected %s", ErrInvalidTransition, id, deal.Stage, from)
	}
	if !rules.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}

	now := time.Now()
	deal.Stage = to
	deal.StageChangedAt = now
	deal.UpdatedAt = now
	if to == types.StageSwap {
		deal.ExpiresAt = nil
	}
	deal.Events = append(deal.Events, types.DealEvent{
		At:         now,
		Level:      types.EventInfo,
		Message:    fmt.Sprintf("stage changed from %s to %s", from, to),
		Transition: &types.StageTransition{From: from, To: to},
	})

	key := []byte(id)
	if err := s.setArtifactTx(wTx, dealPrefix, key, deal); err != nil {
		return err
	}
	if to == types.StageClosed {
		if err := prefixedDeleteTx(wTx, dealStagePrefix, key); err != nil {
			return err
		}
		entry := &closedIndexEntry{ID: id, ClosedAt: now}
		if err := s.setArtifactTx(wTx, closedIndexPrefix, closedIndexKey(id, now), entry); err != nil {
			return err
		}
	} else {
		if err := s.setArtifactTx(wTx, dealStagePrefix, key, &stageIndexEntry{ID: id, Stage: to}); err != nil {
			return err
		}
	}
	if err := wTx.Commit(); err != nil {
		return err
	}
	s.cache.Remove(dealCacheKey(id))
	return nil
}

// AddDealEvent appends an audit event to a deal.
func (s *Storage) AddDealEvent(id string, level types.EventLevel, msg string) error {
	return s.UpdateDeal(id, func(deal *types.Deal) error {
		deal.AddEvent(level, msg)
		return nil
	})
}

// UpsertDeposit merges a deposit observation into the side state of a deal.
// It reports whether anything changed, so callers can skip no-op persists in
// their own bookkeeping.
func (s *Storage) UpsertDeposit(dealID string, side types.DealSide, dep types.EscrowDeposit) (bool, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	deal := new(types.Deal)
	if err := s.getArtifactTx(wTx, dealPrefix, []byte(dealID), deal); err != nil {
		return false, err
	}
	changed := deal.Side(side).UpsertDeposit(dep)
	if !changed {
		return false, nil
	}
	deal.UpdatedAt = time.Now()
	if err := s.setArtifactTx(wTx, dealPrefix, []byte(dealID), deal); err != nil {
		return false, err
	}
	if err := wTx.Commit(); err != nil {
		return false, err
	}
	s.cache.Remove(dealCacheKey(dealID))
	return true, nil
}

// ActiveDeals returns every deal that is not closed, in no particular
// order.
func (s *Storage) ActiveDeals() ([]*types.Deal, error) {
	var entries []stageIndexEntry
	if err := listArtifacts(s, dealStagePrefix, func(entry *stageIndexEntry) bool {
		entries = append(entries, *entry)
		return true
	}); err != nil {
		return nil, err
	}
	deals := make([]*types.Deal, 0, len(entries))
	for _, entry := range entries {
		deal, err := s.Deal(entry.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				log.Warnw("stage index references missing deal", "dealId", entry.ID)
				continue
			}
			return nil, err
		}
		deals = append(deals, deal)
	}
	return deals, nil
}

// ClosedSince returns the deals closed at or after the given time, oldest
// first.
func (s *Storage) ClosedSince(since time.Time) ([]*types.Deal, error) {
	var ids []string
	if err := listArtifacts(s, closedIndexPrefix, func(entry *closedIndexEntry) bool {
		if !entry.ClosedAt.Before(since) {
			ids = append(ids, entry.ID)
		}
		return true
	}); err != nil {
		return nil, err
	}
	deals := make([]*types.Deal, 0, len(ids))
	for _, id := range ids {
		deal, err := s.Deal(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				log.Warnw("close index references missing deal", "dealId", id)
				continue
			}
			return nil, err
		}
		deals = append(deals, deal)
	}
	return deals, nil
}
