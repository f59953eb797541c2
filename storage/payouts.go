package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/otcmesh/broker-node/types"
)

// PutPayout stores a new payout record, assigning it an id when missing.
func (s *Storage) PutPayout(payout *types.Payout) error {
	if payout.ID == "" {
		payout.ID = uuid.NewString()
	}
	now := time.Now()
	payout.CreatedAt = now
	payout.UpdatedAt = now
	return s.setArtifact(payoutPrefix, []byte(payout.ID), payout)
}

// Payout retrieves a payout by id.
func (s *Storage) Payout(id string) (*types.Payout, error) {
	payout := new(types.Payout)
	if err := s.getArtifact(payoutPrefix, []byte(id), payout); err != nil {
		return nil, err
	}
	return payout, nil
}

// PayoutsByDeal returns the payouts of a deal.
func (s *Storage) PayoutsByDeal(dealID string) ([]*types.Payout, error) {
	var payouts []*types.Payout
	if err := listArtifacts(s, payoutPrefix, func(p *types.Payout) bool {
		if p.DealID == dealID {
			payouts = append(payouts, p)
		}
		return true
	}); err != nil {
		return nil, err
	}
	return payouts, nil
}

// LinkQueueItem appends a queue item to a payout, so the payout
// confirmation count covers the new transaction too.
func (s *Storage) LinkQueueItem(payoutID, itemID string) error {
	return s.UpdatePayout(payoutID, func(p *types.Payout) error {
		for _, id := range p.QueueItemIDs {
			if id == itemID {
				return nil
			}
		}
		p.QueueItemIDs = append(p.QueueItemIDs, itemID)
		return nil
	})
}

// UpdatePayout performs a read-modify-write cycle on a payout under the
// global lock.
func (s *Storage) UpdatePayout(id string, updateFuncs ...func(*types.Payout) error) error {
	if len(updateFuncs) == 0 {
		return nil
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	payout := new(types.Payout)
	if err := s.getArtifactTx(wTx, payoutPrefix, []byte(id), payout); err != nil {
		return err
	}
	for _, fn := range updateFuncs {
		if err := fn(payout); err != nil {
			return err
		}
	}
	payout.UpdatedAt = time.Now()
	if err := s.setArtifactTx(wTx, payoutPrefix, []byte(id), payout); err != nil {
		return err
	}
	return wTx.Commit()
}

// RefreshPayout recomputes the aggregate confirmation state of a payout from
// its linked queue items. The payout confirmation count is the minimum over
// all linked transactions, and the payout flips to CONFIRMED only once every
// item is COMPLETED and that minimum reaches the required threshold.
func (s *Storage) RefreshPayout(id string) (*types.Payout, error) {
	payout, err := s.Payout(id)
	if err != nil {
		return nil, err
	}
	if len(payout.QueueItemIDs) == 0 {
		return payout, nil
	}
	minConf := int64(-1)
	allCompleted := true
	for _, itemID := range payout.QueueItemIDs {
		item, err := s.QueueItem(itemID)
		if err != nil {
			return nil, fmt.Errorf("payout %s references item %s: %w", id, itemID, err)
		}
		if item.Status != types.ItemCompleted {
			allCompleted = false
		}
		var conf int64
		if item.Tx != nil {
			conf = item.Tx.Confirmations
		}
		if conf < 0 {
			conf = 0
		}
		if minConf < 0 || conf < minConf {
			minConf = conf
		}
	}
	if minConf < 0 {
		minConf = 0
	}
	if err := s.UpdatePayout(id, func(p *types.Payout) error {
		p.MinConfirmations = minConf
		if allCompleted && minConf >= p.Required {
			p.Status = types.PayoutConfirmed
		} else {
			p.Status = types.PayoutPending
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return s.Payout(id)
}
