package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/otcmesh/broker-node/assets"
	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/log"
	"github.com/otcmesh/broker-node/types"
)

// TankService is the gas tank collaborator: an operator wallet that tops up
// escrows needing native coin for token transfers and receives the gas
// reimbursements back.
type TankService interface {
	// TankAddress is where reimbursements go on a chain, empty when no tank
	// is set up there.
	TankAddress(chainID string) string
	// Floor is the balance under which the tank counts as low. A zero floor
	// disables the alert.
	Floor(chainID string) types.Decimal
	// FundEscrowForGas sends the configured native top-up to an escrow.
	FundEscrowForGas(ctx context.Context, chainID, escrowAddress string) (*chain.SendResult, types.Decimal, error)
	// Balance returns the tank's native balance on a chain.
	Balance(ctx context.Context, chainID string) (types.Decimal, error)
}

// TankAccount configures the tank wallet on one chain.
type TankAccount struct {
	Escrow types.Escrow  // tank wallet with its key handle
	TopUp  types.Decimal // native amount sent per escrow funding
	Floor  types.Decimal // low-balance alert threshold
}

// StaticTank is a config-driven TankService backed by the chain adapters.
type StaticTank struct {
	chains   *chain.Registry
	assets   *assets.Registry
	accounts map[string]TankAccount
}

var _ TankService = (*StaticTank)(nil)

// NewStaticTank builds a tank service over per-chain configured accounts.
func NewStaticTank(chains *chain.Registry, registry *assets.Registry, accounts map[string]TankAccount) *StaticTank {
	if registry == nil {
		registry = assets.DefaultRegistry()
	}
	return &StaticTank{chains: chains, assets: registry, accounts: accounts}
}

func (t *StaticTank) TankAddress(chainID string) string {
	return t.accounts[chainID].Escrow.Address
}

func (t *StaticTank) Floor(chainID string) types.Decimal {
	return t.accounts[chainID].Floor
}

// FundEscrowForGas sends the configured native top-up from the tank wallet.
// The tank wallet is dedicated to fundings and never enters the transfer
// queue, so the adapter picks the nonce itself.
func (t *StaticTank) FundEscrowForGas(ctx context.Context, chainID, escrowAddress string) (*chain.SendResult, types.Decimal, error) {
	acct, ok := t.accounts[chainID]
	if !ok {
		return nil, types.Decimal{}, fmt.Errorf("no tank account on chain %s", chainID)
	}
	if !acct.TopUp.IsPositive() {
		return nil, types.Decimal{}, fmt.Errorf("tank top-up not configured on chain %s", chainID)
	}
	adapter, err := t.chains.Adapter(chainID)
	if err != nil {
		return nil, types.Decimal{}, err
	}
	native, err := t.assets.NativeOf(chainID)
	if err != nil {
		return nil, types.Decimal{}, err
	}
	res, err := adapter.Send(ctx, native.Canonical, acct.Escrow, escrowAddress, acct.TopUp, nil)
	if err != nil {
		return nil, types.Decimal{}, err
	}
	return res, acct.TopUp, nil
}

func (t *StaticTank) Balance(ctx context.Context, chainID string) (types.Decimal, error) {
	acct, ok := t.accounts[chainID]
	if !ok {
		return types.Decimal{}, fmt.Errorf("no tank account on chain %s", chainID)
	}
	adapter, err := t.chains.Adapter(chainID)
	if err != nil {
		return types.Decimal{}, err
	}
	native, err := t.assets.NativeOf(chainID)
	if err != nil {
		return types.Decimal{}, err
	}
	return adapter.Balance(ctx, native.Canonical, acct.Escrow.Address)
}

// snapshotTank stores a balance snapshot of every configured tank account
// and raises an alert on the tick the balance first dips under the floor.
func (e *Engine) snapshotTank(ctx context.Context) {
	if e.tank == nil {
		return
	}
	for _, chainID := range e.chains.Chains() {
		if e.tank.TankAddress(chainID) == "" {
			continue
		}
		balance, err := e.tank.Balance(ctx, chainID)
		if err != nil {
			log.Warnw("tank balance probe failed", "chainID", chainID, "err", err.Error())
			continue
		}
		prev, prevErr := e.store.TankBalance(chainID)
		if err := e.store.SaveTankBalance(&types.TankBalance{
			ChainID: chainID,
			Balance: balance,
			At:      time.Now(),
		}); err != nil {
			log.Warnw("tank balance snapshot failed", "chainID", chainID, "err", err.Error())
			continue
		}
		floor := e.tank.Floor(chainID)
		if !floor.IsPositive() || balance.GreaterOrEqual(floor) {
			continue
		}
		if prevErr == nil && prev.Balance.LessThan(floor) {
			// already below floor last tick, alert was raised then
			continue
		}
		msg := fmt.Sprintf("gas tank on %s down to %s, floor is %s", chainID, balance, floor)
		if err := e.store.AddAlert(types.AlertTankLow, "", msg); err != nil {
			log.Warnw("tank alert failed", "chainID", chainID, "err", err.Error())
		}
		log.Warnw("gas tank low", "chainID", chainID, "balance", balance.String(), "floor", floor.String())
	}
}
