package utxo

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/log"
	"github.com/otcmesh/broker-node/types"
)

// txPlan is one transaction of a possibly split transfer: the inputs it
// consumes, what it pays the recipient and what returns to the escrow.
type txPlan struct {
	inputs     []unspentOutput
	paySats    int64
	changeSats int64
}

// planSplits selects inputs greedily, largest first, and splits the transfer
// into several transactions when one would exceed the input cap. Each
// transaction pays its own flat fee; change below the dust limit is absorbed
// into the fee.
func planSplits(outs []unspentOutput, targetSats, feeSats int64, maxInputs int) ([]txPlan, error) {
	if targetSats <= 0 {
		return nil, fmt.Errorf("target amount must be positive")
	}
	spendable := make([]unspentOutput, 0, len(outs))
	for _, out := range outs {
		if out.sats > 0 {
			spendable = append(spendable, out)
		}
	}
	sort.Slice(spendable, func(i, j int) bool { return spendable[i].sats > spendable[j].sats })

	var plans []txPlan
	remaining := targetSats
	i := 0
	for remaining > 0 && i < len(spendable) {
		var inputs []unspentOutput
		var sumIn int64
		for i < len(spendable) && len(inputs) < maxInputs && sumIn < remaining+feeSats {
			inputs = append(inputs, spendable[i])
			sumIn += spendable[i].sats
			i++
		}
		pay := min(remaining, sumIn-feeSats)
		if pay <= 0 {
			break
		}
		change := sumIn - pay - feeSats
		if change < dustLimitSats {
			change = 0
		}
		plans = append(plans, txPlan{inputs: inputs, paySats: pay, changeSats: change})
		remaining -= pay
	}
	if remaining > 0 {
		return nil, fmt.Errorf("insufficient funds: %d sat short of %d", remaining, targetSats)
	}
	return plans, nil
}

// Send builds, signs and broadcasts the planned transactions. All of them
// are signed before the first broadcast so a signing problem never leaves a
// transfer half on chain. SendOptions carry no meaning here: UTXO chains
// have neither nonces nor a fee market knob the engine adjusts.
func (a *Adapter) Send(ctx context.Context, canonical string, from types.Escrow, to string,
	amount types.Decimal, _ *chain.SendOptions,
) (*chain.SendResult, error) {
	asset, err := a.assetOf(canonical)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := a.keys.Key(from.KeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolve key %s: %w", from.KeyRef, err)
	}
	escrowAddr, err := a.ManagedAddress(from)
	if err != nil {
		return nil, err
	}

	outs, err := a.listUnspent(escrowAddr, 1)
	if err != nil {
		return nil, err
	}
	targetSats := amount.Units(asset.Decimals).Int64()
	plans, err := planSplits(outs, targetSats, a.cfg.FlatFeeSats, a.cfg.MaxTxInputs)
	if err != nil {
		return nil, err
	}

	payScript, err := a.outputScript(to)
	if err != nil {
		return nil, err
	}
	changeScript, err := a.outputScript(escrowAddr)
	if err != nil {
		return nil, err
	}

	signed := make([]*wire.MsgTx, 0, len(plans))
	var consumed []string
	for _, plan := range plans {
		tx, err := a.buildAndSign(plan, payScript, changeScript, key)
		if err != nil {
			return nil, err
		}
		signed = append(signed, tx)
		for _, in := range plan.inputs {
			consumed = append(consumed, fmt.Sprintf("%s:%d", in.txid, in.vout))
		}
	}

	res := &chain.SendResult{SubmittedAt: time.Now(), Inputs: consumed}
	for i, tx := range signed {
		hash, err := a.cli.SendRawTransaction(tx, false)
		if err != nil {
			return nil, fmt.Errorf("broadcast split %d/%d: %w", i+1, len(signed), err)
		}
		if i == 0 {
			res.TxID = hash.String()
		} else {
			res.AdditionalTxIDs = append(res.AdditionalTxIDs, hash.String())
		}
	}
	log.Debugw("transfer broadcast",
		"chain", a.cfg.ChainID, "tx", res.TxID, "splits", len(signed)-1,
		"inputs", len(consumed), "amount", amount.String())
	return res, nil
}

func (a *Adapter) outputScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, a.params)
	if err != nil {
		return nil, fmt.Errorf("decode address %s: %w", address, err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("output script for %s: %w", address, err)
	}
	return script, nil
}

// buildAndSign assembles one transaction of the plan and signs every input
// as P2WPKH.
func (a *Adapter) buildAndSign(plan txPlan, payScript, changeScript []byte, key *btcec.PrivateKey) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	prevScripts := make([][]byte, len(plan.inputs))
	for i, in := range plan.inputs {
		hash, err := chainhash.NewHashFromStr(in.txid)
		if err != nil {
			return nil, fmt.Errorf("parse input txid %s: %w", in.txid, err)
		}
		script, err := hex.DecodeString(in.pkScript)
		if err != nil {
			return nil, fmt.Errorf("input %s:%d script: %w", in.txid, in.vout, err)
		}
		outpoint := wire.NewOutPoint(hash, in.vout)
		tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
		fetcher.AddPrevOut(*outpoint, wire.NewTxOut(in.sats, script))
		prevScripts[i] = script
	}
	tx.AddTxOut(wire.NewTxOut(plan.paySats, payScript))
	if plan.changeSats > 0 {
		tx.AddTxOut(wire.NewTxOut(plan.changeSats, changeScript))
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range plan.inputs {
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, in.sats,
			prevScripts[i], txscript.SigHashAll, key, true)
		if err != nil {
			return nil, fmt.Errorf("sign input %s:%d: %w", in.txid, in.vout, err)
		}
		tx.TxIn[i].Witness = witness
	}
	return tx, nil
}
