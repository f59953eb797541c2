package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/otcmesh/broker-node/types"
)

// nonceKey is the n/ key of a (chain, address) pair.
func nonceKey(chainID, address string) []byte {
	return []byte(chainID + "/" + address)
}

// NonceState returns the tracked nonce state of a sender, or ErrNotFound
// when the sender has never been initialized (or was reset).
func (s *Storage) NonceState(chainID, address string) (*types.NonceState, error) {
	state := new(types.NonceState)
	if err := s.getArtifact(noncePrefix, nonceKey(chainID, address), state); err != nil {
		return nil, err
	}
	return state, nil
}

// ReserveNextNonce atomically hands out the next nonce of a sender and
// advances the counter. When no state exists yet the caller must supply the
// chain-observed pending nonce as initial; passing nil then returns
// ErrNonceUninitialized so the caller knows to fetch it first.
func (s *Storage) ReserveNextNonce(chainID, address string, initial *uint64) (uint64, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	key := nonceKey(chainID, address)
	state := new(types.NonceState)
	err := s.getArtifactTx(wTx, noncePrefix, key, state)
	switch {
	case errors.Is(err, ErrNotFound):
		if initial == nil {
			return 0, fmt.Errorf("%w: %s/%s", ErrNonceUninitialized, chainID, address)
		}
		state = &types.NonceState{
			ChainID:   chainID,
			Address:   address,
			NextNonce: *initial,
		}
	case err != nil:
		return 0, err
	}
	reserved := state.NextNonce
	state.NextNonce = reserved + 1
	state.UpdatedAt = time.Now()
	if err := s.setArtifactTx(wTx, noncePrefix, key, state); err != nil {
		return 0, err
	}
	if err := wTx.Commit(); err != nil {
		return 0, err
	}
	return reserved, nil
}

// ResetNonce drops the tracked state of a sender. The next reservation will
// have to reinitialize from the chain.
func (s *Storage) ResetNonce(chainID, address string) error {
	return s.deleteArtifact(noncePrefix, nonceKey(chainID, address))
}

// UpdateLastConfirmedNonce records a confirmed nonce, creating the state if
// it does not exist and never moving either counter backwards.
func (s *Storage) UpdateLastConfirmedNonce(chainID, address string, nonce uint64) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	key := nonceKey(chainID, address)
	state := new(types.NonceState)
	err := s.getArtifactTx(wTx, noncePrefix, key, state)
	switch {
	case errors.Is(err, ErrNotFound):
		state = &types.NonceState{ChainID: chainID, Address: address}
	case err != nil:
		return err
	}
	if state.LastConfirmed == nil || nonce > *state.LastConfirmed {
		n := nonce
		state.LastConfirmed = &n
	}
	if nonce+1 > state.NextNonce {
		state.NextNonce = nonce + 1
	}
	state.UpdatedAt = time.Now()
	if err := s.setArtifactTx(wTx, noncePrefix, key, state); err != nil {
		return err
	}
	return wTx.Commit()
}
