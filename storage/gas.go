package storage

import (
	"errors"
	"time"

	"github.com/otcmesh/broker-node/types"
)

// gasFundingKey is the gf/ key of a (deal, chain, escrow) triple.
func gasFundingKey(dealID, chainID, escrow string) []byte {
	return []byte(dealID + "/" + chainID + "/" + escrow)
}

// PutGasFunding records a tank top-up of an escrow. It fails with
// ErrKeyAlreadyExists when the escrow was already funded for this deal, which
// is what keeps the top-up one-shot.
func (s *Storage) PutGasFunding(funding *types.GasFunding) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	key := gasFundingKey(funding.DealID, funding.ChainID, funding.Escrow)
	exists, err := s.hasArtifactTx(wTx, gasFundingPrefix, key)
	if err != nil {
		return err
	}
	if exists {
		return ErrKeyAlreadyExists
	}
	if funding.FundedAt.IsZero() {
		funding.FundedAt = time.Now()
	}
	if err := s.setArtifactTx(wTx, gasFundingPrefix, key, funding); err != nil {
		return err
	}
	return wTx.Commit()
}

// GasFunding returns the recorded top-up of an escrow, or ErrNotFound.
func (s *Storage) GasFunding(dealID, chainID, escrow string) (*types.GasFunding, error) {
	funding := new(types.GasFunding)
	if err := s.getArtifact(gasFundingPrefix, gasFundingKey(dealID, chainID, escrow), funding); err != nil {
		return nil, err
	}
	return funding, nil
}

// HasGasFunding reports whether an escrow has been topped up for a deal.
func (s *Storage) HasGasFunding(dealID, chainID, escrow string) (bool, error) {
	_, err := s.GasFunding(dealID, chainID, escrow)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveTankBalance stores the latest gas tank balance snapshot of a chain.
func (s *Storage) SaveTankBalance(balance *types.TankBalance) error {
	if balance.At.IsZero() {
		balance.At = time.Now()
	}
	return s.setArtifact(tankBalancePrefix, []byte(balance.ChainID), balance)
}

// TankBalance returns the last stored tank balance of a chain, or
// ErrNotFound when no snapshot was ever taken.
func (s *Storage) TankBalance(chainID string) (*types.TankBalance, error) {
	balance := new(types.TankBalance)
	if err := s.getArtifact(tankBalancePrefix, []byte(chainID), balance); err != nil {
		return nil, err
	}
	return balance, nil
}
