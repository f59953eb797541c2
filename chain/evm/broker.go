package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/log"
)

// brokerABI is the external surface of the settlement contract. The engine
// only depends on these four entries; everything the contract does internally
// (splitting into payout, commission and surplus legs, replay protection) is
// its own business.
const brokerABI = `[
	{"type":"function","name":"swap","stateMutability":"payable","inputs":[
		{"name":"dealId","type":"bytes32"},{"name":"token","type":"address"},
		{"name":"recipient","type":"address"},{"name":"payback","type":"address"},
		{"name":"feeRecipient","type":"address"},{"name":"amount","type":"uint256"},
		{"name":"fee","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"revertDeal","stateMutability":"payable","inputs":[
		{"name":"dealId","type":"bytes32"},{"name":"token","type":"address"},
		{"name":"payback","type":"address"},{"name":"feeRecipient","type":"address"},
		{"name":"amount","type":"uint256"},{"name":"fee","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"refundDeal","stateMutability":"payable","inputs":[
		{"name":"dealId","type":"bytes32"},{"name":"token","type":"address"},
		{"name":"payback","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"processed","stateMutability":"view","inputs":[
		{"name":"dealId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

// brokerBinding wraps the deployed settlement contract.
type brokerBinding struct {
	addr     common.Address
	contract *bind.BoundContract
}

func newBrokerBinding(addr common.Address, backend bind.ContractBackend) (*brokerBinding, error) {
	parsed, err := abi.JSON(strings.NewReader(brokerABI))
	if err != nil {
		return nil, fmt.Errorf("parse broker abi: %w", err)
	}
	return &brokerBinding{
		addr:     addr,
		contract: bind.NewBoundContract(addr, parsed, backend, backend, backend),
	}, nil
}

// dealKey32 derives the bytes32 deal identifier the contract keys on.
func dealKey32(dealID string) common.Hash {
	return crypto.Keccak256Hash([]byte(dealID))
}

// BrokerAvailable reports whether a settlement contract is configured.
func (a *Adapter) BrokerAvailable() bool { return a.broker != nil }

// SwapViaBroker settles one side of a deal in a single contract call.
func (a *Adapter) SwapViaBroker(ctx context.Context, params *chain.BrokerParams) (*chain.SendResult, error) {
	return a.brokerTransact(ctx, params, "swap", func(p *packedBrokerParams) []any {
		return []any{p.dealKey, p.token, p.recipient, p.payback, p.feeRecipient, p.amount, p.fee}
	})
}

// RevertViaBroker refunds a timed-out side, commission included, atomically.
func (a *Adapter) RevertViaBroker(ctx context.Context, params *chain.BrokerParams) (*chain.SendResult, error) {
	return a.brokerTransact(ctx, params, "revertDeal", func(p *packedBrokerParams) []any {
		return []any{p.dealKey, p.token, p.payback, p.feeRecipient, p.amount, p.fee}
	})
}

// RefundViaBroker returns late-arriving funds on an already settled deal.
func (a *Adapter) RefundViaBroker(ctx context.Context, params *chain.BrokerParams) (*chain.SendResult, error) {
	return a.brokerTransact(ctx, params, "refundDeal", func(p *packedBrokerParams) []any {
		return []any{p.dealKey, p.token, p.payback, p.amount}
	})
}

// BrokerProcessed reads the contract's replay flag for a deal.
func (a *Adapter) BrokerProcessed(ctx context.Context, dealID string) (bool, error) {
	if a.broker == nil {
		return false, fmt.Errorf("chain %s: no broker configured", a.cfg.ChainID)
	}
	var out []any
	err := a.broker.contract.Call(&bind.CallOpts{Context: ctx}, &out, "processed", dealKey32(dealID))
	if err != nil {
		return false, fmt.Errorf("processed call: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("processed call: %d return values", len(out))
	}
	flag, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("processed call: unexpected return type %T", out[0])
	}
	return flag, nil
}

// packedBrokerParams are the on-chain representations of BrokerParams.
type packedBrokerParams struct {
	dealKey      common.Hash
	token        common.Address
	recipient    common.Address
	payback      common.Address
	feeRecipient common.Address
	amount       *big.Int
	fee          *big.Int
	native       bool
}

func (a *Adapter) packBrokerParams(params *chain.BrokerParams) (*packedBrokerParams, error) {
	asset, err := a.assetOf(params.Asset)
	if err != nil {
		return nil, err
	}
	p := &packedBrokerParams{
		dealKey:      dealKey32(params.DealID),
		recipient:    common.HexToAddress(params.Recipient),
		payback:      common.HexToAddress(params.Payback),
		feeRecipient: common.HexToAddress(params.FeeRecipient),
		amount:       params.Amount.Units(asset.Decimals),
		fee:          params.Fee.Units(asset.Decimals),
		native:       asset.Native,
	}
	if !asset.Native {
		p.token = common.HexToAddress(asset.Contract)
	}
	if p.feeRecipient == (common.Address{}) {
		p.feeRecipient = common.HexToAddress(a.cfg.FeeRecipient)
	}
	return p, nil
}

// brokerTransact signs a settlement call with the escrow key and broadcasts
// it. Broker calls manage their own nonce through the transactor: they never
// mix with the queue's reserved nonce space.
func (a *Adapter) brokerTransact(ctx context.Context, params *chain.BrokerParams,
	method string, args func(*packedBrokerParams) []any,
) (*chain.SendResult, error) {
	if a.broker == nil {
		return nil, fmt.Errorf("chain %s: no broker configured", a.cfg.ChainID)
	}
	packed, err := a.packBrokerParams(params)
	if err != nil {
		return nil, err
	}
	key, err := a.keys.Key(params.Escrow.KeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolve key %s: %w", params.Escrow.KeyRef, err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, a.cfg.NumericChainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	if packed.native {
		// A contract cannot pull native value from an account, so the call
		// carries amount plus fee. Any surplus left on the escrow is swept
		// by the post-close refund path.
		opts.Value = new(big.Int).Add(packed.amount, packed.fee)
	}
	tx, err := a.broker.contract.Transact(opts, method, args(packed)...)
	if err != nil {
		return nil, fmt.Errorf("broker %s: %w", method, err)
	}
	nonce := tx.Nonce()
	log.Debugw("broker call broadcast",
		"chain", a.cfg.ChainID, "method", method, "deal", params.DealID,
		"tx", tx.Hash().Hex(), "nonce", nonce)
	return &chain.SendResult{
		TxID:        tx.Hash().Hex(),
		SubmittedAt: time.Now(),
		Nonce:       &nonce,
		GasPrice:    tx.GasFeeCap(),
	}, nil
}
