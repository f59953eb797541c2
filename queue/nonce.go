package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/log"
	"github.com/otcmesh/broker-node/storage"
	"github.com/otcmesh/broker-node/types"
)

const (
	reserveAttempts    = 3
	reserveBackoffBase = 100 * time.Millisecond
)

// reserveBackoff returns the wait after a failed reservation attempt:
// 100ms, 500ms, 2.5s.
func reserveBackoff(attempt int) time.Duration {
	d := reserveBackoffBase
	for i := 0; i < attempt; i++ {
		d *= 5
	}
	return d
}

// reserveNonce hands out the nonce the item must be broadcast with. The
// second return is false when the sender cannot submit this pass: the queue
// state failed validation or reservations kept diverging, and the nonce
// state has been reset so the next pass reinitializes from the chain.
func (p *Processor) reserveNonce(ctx context.Context, ops chain.AccountOps, item *types.QueueItem) (uint64, bool, error) {
	address := item.From.Address
	if err := p.store.ValidateNonceSequence(item.ChainID, address); err != nil {
		if !errors.Is(err, storage.ErrNonceSequence) {
			return 0, false, err
		}
		if rerr := p.store.ResetNonce(item.ChainID, address); rerr != nil {
			return 0, false, rerr
		}
		p.recordDealIssue(item.DealID, types.EventWarn,
			fmt.Sprintf("nonce sequence check failed for %s: %v, state reset", address, err))
		log.Warnw("nonce sequence violation, state reset",
			"chainID", item.ChainID, "address", address, "err", err.Error())
		return 0, false, nil
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		state, err := p.store.NonceState(item.ChainID, address)
		if errors.Is(err, storage.ErrNotFound) {
			current, err := ops.CurrentNonce(ctx, address)
			if err != nil {
				return 0, false, fmt.Errorf("fetch chain nonce: %w", err)
			}
			reserved, err := p.store.ReserveNextNonce(item.ChainID, address, &current)
			if err != nil {
				return 0, false, err
			}
			return reserved, true, nil
		}
		if err != nil {
			return 0, false, err
		}

		expected := state.NextNonce
		highest, err := p.store.HighestQueuedNonce(item.ChainID, address)
		if err != nil {
			return 0, false, err
		}
		if highest != nil && *highest+1 > expected {
			expected = *highest + 1
		}
		reserved, err := p.store.ReserveNextNonce(item.ChainID, address, nil)
		if err != nil {
			return 0, false, err
		}
		if reserved == expected {
			return reserved, true, nil
		}
		log.Warnw("nonce reservation diverged",
			"chainID", item.ChainID, "address", address,
			"reserved", reserved, "expected", expected, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-time.After(reserveBackoff(attempt)):
		}
	}

	if err := p.store.ResetNonce(item.ChainID, address); err != nil {
		return 0, false, err
	}
	p.recordDealIssue(item.DealID, types.EventWarn,
		fmt.Sprintf("nonce reservation for %s kept diverging, state reset", address))
	log.Warnw("nonce reservation attempts exhausted, state reset",
		"chainID", item.ChainID, "address", address)
	return 0, false, nil
}
