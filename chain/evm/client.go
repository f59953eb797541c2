package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/otcmesh/broker-node/log"
)

const (
	// retriesPerEndpoint is how often a call is retried on one endpoint
	// before the pool rotates to the next.
	retriesPerEndpoint = 2
	retrySleep         = 200 * time.Millisecond

	callTimeout       = 3 * time.Second
	filterLogsTimeout = 5 * time.Second
)

// permanentErrorPatterns are provider responses that no retry will fix.
var permanentErrorPatterns = []string{
	"execution reverted",
	"insufficient funds",
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
}

// isPermanentError reports whether the error is a contract- or
// mempool-level rejection that retrying on another endpoint cannot fix.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range permanentErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// client wraps the endpoint pool with per-call retry and endpoint rotation.
// It implements bind.ContractBackend so contract bindings can run on it.
type client struct {
	pool *endpointPool
}

func (c *client) retry(fn func(ep *endpoint) (any, error)) (any, error) {
	tried := make(map[string]bool)
	total := c.pool.size()
	if total == 0 {
		return nil, fmt.Errorf("no endpoints available")
	}

	var lastErr error
	for attempt := 0; attempt < total; attempt++ {
		ep, err := c.pool.next()
		if err != nil {
			return nil, err
		}
		if tried[ep.uri] {
			return nil, fmt.Errorf("endpoint rotation exhausted: %w", lastErr)
		}
		tried[ep.uri] = true

		var res any
		for retry := 0; retry < retriesPerEndpoint; retry++ {
			res, err = fn(ep)
			if err == nil {
				return res, nil
			}
			lastErr = err
			if isPermanentError(err) {
				return nil, err
			}
			if retry < retriesPerEndpoint-1 {
				time.Sleep(retrySleep)
			}
		}
		log.Warnw("rpc endpoint failed, rotating", "uri", ep.uri, "error", lastErr.Error())
		c.pool.disable(ep.uri)
	}
	return nil, fmt.Errorf("all endpoints failed: %w", lastErr)
}

func (c *client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	res, err := c.retry(func(ep *endpoint) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return ep.client.BalanceAt(ctx, account, blockNumber)
	})
	if err != nil {
		return nil, err
	}
	return res.(*big.Int), nil
}

func (c *client) BlockNumber(ctx context.Context) (uint64, error) {
	res, err := c.retry(func(ep *endpoint) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return ep.client.BlockNumber(ctx)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

func (c *client) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	res, err := c.retry(func(ep *endpoint) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return ep.client.HeaderByNumber(ctx, number)
	})
	if err != nil {
		return nil, err
	}
	return res.(*gethtypes.Header), nil
}

func (c *client) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	res, err := c.retry(func(ep *endpoint) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return ep.client.NonceAt(ctx, account, blockNumber)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

func (c *client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	res, err := c.retry(func(ep *endpoint) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return ep.client.PendingNonceAt(ctx, account)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

func (c *client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	res, err := c.retry(func(ep *endpoint) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return ep.client.SuggestGasPrice(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*big.Int), nil
}

func (c *client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	res, err := c.retry(func(ep *endpoint) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return ep.client.SuggestGasTipCap(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*big.Int), nil
}

func (c *client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	res, err := c.retry(func(ep *endpoint) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return ep.client.EstimateGas(ctx, msg)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

func (c *client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]gethtypes.Log, error) {
	res, err := c.retry(func(ep *endpoint) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, filterLogsTimeout)
		defer cancel()
		return ep.client.FilterLogs(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return res.([]gethtypes.Log), nil
}

func (c *client) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	_, err := c.retry(func(ep *endpoint) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return nil, ep.client.SendTransaction(ctx, tx)
	})
	return err
}

func (c *client) TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	type txAndPending struct {
		tx        *gethtypes.Transaction
		isPending bool
	}
	res, err := c.retry(func(ep *endpoint) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		tx, pending, err := ep.client.TransactionByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		return txAndPending{tx, pending}, nil
	})
	if err != nil {
		return nil, false, err
	}
	tp := res.(txAndPending)
	return tp.tx, tp.isPending, nil
}

func (c *client) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	res, err := c.retry(func(ep *endpoint) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return ep.client.TransactionReceipt(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	return res.(*gethtypes.Receipt), nil
}

func (c *client) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	res, err := c.retry(func(ep *endpoint) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return ep.client.CallContract(ctx, call, blockNumber)
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

func (c *client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	res, err := c.retry(func(ep *endpoint) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return ep.client.CodeAt(ctx, account, blockNumber)
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

func (c *client) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	res, err := c.retry(func(ep *endpoint) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return ep.client.PendingCodeAt(ctx, account)
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

func (c *client) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error) {
	res, err := c.retry(func(ep *endpoint) (any, error) {
		return ep.client.SubscribeFilterLogs(ctx, query, ch)
	})
	if err != nil {
		return nil, err
	}
	return res.(ethereum.Subscription), nil
}
