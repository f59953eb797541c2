// Package chaintest provides a scriptable in-memory chain adapter. Tests
// stage deposits, balances, confirmation counts and failure modes on it and
// then assert on the transactions the engine submitted.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/types"
)

// SentTx records one submission made through the adapter.
type SentTx struct {
	TxID    string
	Asset   string
	From    string
	To      string
	Amount  types.Decimal
	Nonce   *uint64
	Purpose string // "send", "broker_swap", "broker_revert", "broker_refund"
	Opts    chain.SendOptions
}

// Adapter is the fake chain. The zero value is not usable; construct with New.
type Adapter struct {
	mu sync.Mutex

	id       string
	kind     types.ChainKind
	operator string
	broker   bool
	required int64
	collect  int64

	deposits      map[string][]types.EscrowDeposit
	balances      map[string]types.Decimal
	confirmations map[string]int64
	stuck         map[string]bool
	existing      map[string]*chain.TransferMatch
	chainNonces   map[string]uint64
	receipts      map[string]receiptCost
	fees          chain.FeeData

	autoConfirm bool
	sendErr     error
	sent        []SentTx
	txSeq       int
}

// New returns an account-kind fake chain with sane defaults.
func New(id string) *Adapter {
	return &Adapter{
		id:            id,
		kind:          types.ChainAccount,
		operator:      "0xoperator",
		required:      2,
		collect:       1,
		deposits:      make(map[string][]types.EscrowDeposit),
		balances:      make(map[string]types.Decimal),
		confirmations: make(map[string]int64),
		stuck:         make(map[string]bool),
		existing:      make(map[string]*chain.TransferMatch),
		chainNonces:   make(map[string]uint64),
		receipts:      make(map[string]receiptCost),
		fees:          chain.FeeData{GasPrice: big.NewInt(10_000_000_000)},
	}
}

type receiptCost struct {
	gasUsed  uint64
	gasPrice *big.Int
}

// NewUTXO returns a UTXO-kind fake chain.
func NewUTXO(id string) *Adapter {
	a := New(id)
	a.kind = types.ChainUTXO
	a.operator = "utxo-operator"
	return a
}

func key(asset, addr string) string { return asset + "/" + addr }

// WithBroker enables the broker capability.
func (a *Adapter) WithBroker() *Adapter { a.broker = true; return a }

// WithThresholds overrides the confirmation thresholds.
func (a *Adapter) WithThresholds(collect, required int64) *Adapter {
	a.collect, a.required = collect, required
	return a
}

// WithOperator overrides the commission address.
func (a *Adapter) WithOperator(addr string) *Adapter { a.operator = addr; return a }

// AutoConfirm makes every future submission immediately reach the required
// threshold, for happy-path scenarios.
func (a *Adapter) AutoConfirm() *Adapter { a.autoConfirm = true; return a }

// StageDeposit adds a deposit visible on (asset, address).
func (a *Adapter) StageDeposit(asset, address string, dep types.EscrowDeposit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dep.Asset = asset
	if dep.SeenAt.IsZero() {
		dep.SeenAt = time.Now()
	}
	k := key(asset, address)
	for i := range a.deposits[k] {
		if a.deposits[k][i].Key() == dep.Key() {
			a.deposits[k][i] = dep
			return
		}
	}
	a.deposits[k] = append(a.deposits[k], dep)
}

// SetBalance scripts the spendable balance of (asset, address).
func (a *Adapter) SetBalance(asset, address string, amount types.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[key(asset, address)] = amount
}

// SetConfirmations scripts the confirmation count of a txid. Use -1 to
// simulate a drop.
func (a *Adapter) SetConfirmations(txid string, confirms int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirmations[txid] = confirms
}

// SetStuck marks a txid as stuck in the mempool.
func (a *Adapter) SetStuck(txid string, stuck bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stuck[txid] = stuck
}

// SetChainNonce scripts the pending nonce of an address.
func (a *Adapter) SetChainNonce(address string, nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chainNonces[address] = nonce
}

// SetReceipt scripts the mined cost of a txid. Submissions record a default
// receipt automatically, so only tests that care about exact gas figures
// need this.
func (a *Adapter) SetReceipt(txid string, gasUsed uint64, gasPrice *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.receipts[txid] = receiptCost{gasUsed: gasUsed, gasPrice: new(big.Int).Set(gasPrice)}
}

// SetFees scripts the fee market sample.
func (a *Adapter) SetFees(fees chain.FeeData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fees = fees
}

// StageExistingTransfer makes the idempotency probe match (from,to,asset,amount).
func (a *Adapter) StageExistingTransfer(from, to, asset string, amount types.Decimal, match *chain.TransferMatch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.existing[from+"|"+to+"|"+asset+"|"+amount.String()] = match
}

// FailNextSend makes the next Send (or broker call) return err.
func (a *Adapter) FailNextSend(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendErr = err
}

// Sent returns a copy of every recorded submission.
func (a *Adapter) Sent() []SentTx {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SentTx, len(a.sent))
	copy(out, a.sent)
	return out
}

// LastSent returns the most recent submission, or nil.
func (a *Adapter) LastSent() *SentTx {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return nil
	}
	last := a.sent[len(a.sent)-1]
	return &last
}

func (a *Adapter) ChainID() string { return a.id }

func (a *Adapter) Kind() types.ChainKind { return a.kind }

func (a *Adapter) ConfirmationThreshold() int64 { return a.required }

func (a *Adapter) CollectConfirms() int64 { return a.collect }

func (a *Adapter) OperatorAddress() string { return a.operator }

func (a *Adapter) ManagedAddress(escrow types.Escrow) (string, error) {
	if escrow.Address == "" {
		return "", fmt.Errorf("escrow has no address")
	}
	return escrow.Address, nil
}

func (a *Adapter) ListConfirmedDeposits(_ context.Context, asset, address string, minConfirms int64) (*chain.DepositPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	page := &chain.DepositPage{}
	for _, dep := range a.deposits[key(asset, address)] {
		if dep.Confirmations < minConfirms {
			continue
		}
		page.Deposits = append(page.Deposits, dep)
		if dep.Confirmations >= a.collect {
			page.TotalConfirmed = page.TotalConfirmed.Add(dep.Amount)
		}
	}
	return page, nil
}

func (a *Adapter) Balance(_ context.Context, asset, address string) (types.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[key(asset, address)], nil
}

func (a *Adapter) Send(_ context.Context, asset string, from types.Escrow, to string,
	amount types.Decimal, opts *chain.SendOptions,
) (*chain.SendResult, error) {
	return a.submit(asset, from.Address, to, amount, opts, "send")
}

func (a *Adapter) submit(asset, from, to string, amount types.Decimal,
	opts *chain.SendOptions, purpose string,
) (*chain.SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		err := a.sendErr
		a.sendErr = nil
		return nil, err
	}
	a.txSeq++
	res := &chain.SendResult{
		TxID:        fmt.Sprintf("%s-tx-%d", a.id, a.txSeq),
		SubmittedAt: time.Now(),
		GasPrice:    new(big.Int).Set(a.fees.GasPrice),
	}
	record := SentTx{TxID: res.TxID, Asset: asset, From: from, To: to, Amount: amount, Purpose: purpose}
	if opts != nil {
		record.Opts = *opts
		if opts.GasPrice != nil {
			res.GasPrice = new(big.Int).Set(opts.GasPrice)
		}
	}
	if a.kind == types.ChainAccount && purpose == "send" {
		var nonce uint64
		if opts != nil && opts.Nonce != nil {
			nonce = *opts.Nonce
		} else {
			nonce = a.chainNonces[from]
		}
		if nonce+1 > a.chainNonces[from] {
			a.chainNonces[from] = nonce + 1
		}
		n := nonce
		res.Nonce = &n
		record.Nonce = &n
	}
	if a.kind == types.ChainUTXO {
		res.Inputs = []string{fmt.Sprintf("%s:0", res.TxID)}
	}
	if a.autoConfirm {
		a.confirmations[res.TxID] = a.required
	} else if _, ok := a.confirmations[res.TxID]; !ok {
		a.confirmations[res.TxID] = 0
	}
	a.receipts[res.TxID] = receiptCost{gasUsed: 21_000, gasPrice: new(big.Int).Set(res.GasPrice)}
	a.sent = append(a.sent, record)
	return res, nil
}

func (a *Adapter) TxConfirmations(_ context.Context, txid string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	confirms, ok := a.confirmations[txid]
	if !ok {
		return -1, nil
	}
	return confirms, nil
}

// AccountOps

func (a *Adapter) CurrentNonce(_ context.Context, address string) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chainNonces[address], nil
}

func (a *Adapter) CurrentFees(_ context.Context) (*chain.FeeData, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fees := a.fees
	return &fees, nil
}

func (a *Adapter) IsTransactionStuck(_ context.Context, txid string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stuck[txid], nil
}

func (a *Adapter) CheckExistingTransfer(_ context.Context, from, to, asset string, amount types.Decimal) (*chain.TransferMatch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.existing[from+"|"+to+"|"+asset+"|"+amount.String()], nil
}

func (a *Adapter) ReceiptGas(_ context.Context, txid string) (uint64, *big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rc, ok := a.receipts[txid]
	if !ok {
		return 0, nil, fmt.Errorf("no receipt for %s", txid)
	}
	return rc.gasUsed, new(big.Int).Set(rc.gasPrice), nil
}

// BrokerOps

func (a *Adapter) BrokerAvailable() bool { return a.broker }

func (a *Adapter) SwapViaBroker(_ context.Context, p *chain.BrokerParams) (*chain.SendResult, error) {
	return a.submit(p.Asset, p.Escrow.Address, p.Recipient, p.Amount, nil, "broker_swap")
}

func (a *Adapter) RevertViaBroker(_ context.Context, p *chain.BrokerParams) (*chain.SendResult, error) {
	return a.submit(p.Asset, p.Escrow.Address, p.Payback, p.Amount, nil, "broker_revert")
}

func (a *Adapter) RefundViaBroker(_ context.Context, p *chain.BrokerParams) (*chain.SendResult, error) {
	return a.submit(p.Asset, p.Escrow.Address, p.Payback, p.Amount, nil, "broker_refund")
}

var (
	_ chain.Adapter       = (*Adapter)(nil)
	_ chain.AccountOps    = (*Adapter)(nil)
	_ chain.BrokerOps     = (*Adapter)(nil)
	_ chain.ReceiptReader = (*Adapter)(nil)
)
