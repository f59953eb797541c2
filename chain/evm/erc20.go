package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// transferEventTopic is keccak256("Transfer(address,address,uint256)").
var transferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var (
	transferSelector  = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

// transferData packs the calldata of transfer(to, amount).
func transferData(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// addressTopic pads an address into a 32-byte log topic.
func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

// amountFromLogData decodes the uint256 amount payload of a Transfer log.
func amountFromLogData(data []byte) (*big.Int, error) {
	if len(data) != 32 {
		return nil, fmt.Errorf("transfer log data has %d bytes, want 32", len(data))
	}
	amount := new(uint256.Int).SetBytes(data)
	return amount.ToBig(), nil
}

// erc20BalanceOf calls balanceOf(holder) on a token contract.
func (a *Adapter) erc20BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data := make([]byte, 0, 4+32)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(holder.Bytes(), 32)...)
	out, err := a.cli.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	if len(out) != 32 {
		return nil, fmt.Errorf("balanceOf returned %d bytes, want 32", len(out))
	}
	return new(uint256.Int).SetBytes(out).ToBig(), nil
}

// transferLogs scans Transfer events on a token over a block range,
// optionally narrowed by sender and recipient.
func (a *Adapter) transferLogs(ctx context.Context, token common.Address,
	from, to *common.Address, fromBlock, toBlock uint64,
) ([]ethereumLog, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{token},
		Topics:    [][]common.Hash{{transferEventTopic}, nil, nil},
	}
	if from != nil {
		query.Topics[1] = []common.Hash{addressTopic(*from)}
	}
	if to != nil {
		query.Topics[2] = []common.Hash{addressTopic(*to)}
	}
	logs, err := a.cli.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter transfer logs: %w", err)
	}
	out := make([]ethereumLog, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) != 3 {
			continue
		}
		amount, err := amountFromLogData(lg.Data)
		if err != nil {
			continue
		}
		out = append(out, ethereumLog{
			txHash:      lg.TxHash,
			index:       lg.Index,
			blockNumber: lg.BlockNumber,
			from:        common.BytesToAddress(lg.Topics[1].Bytes()),
			to:          common.BytesToAddress(lg.Topics[2].Bytes()),
			amount:      amount,
		})
	}
	return out, nil
}

// ethereumLog is a decoded Transfer event.
type ethereumLog struct {
	txHash      common.Hash
	index       uint
	blockNumber uint64
	from        common.Address
	to          common.Address
	amount      *big.Int
}
