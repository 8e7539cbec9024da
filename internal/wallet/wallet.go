// Package wallet exposes the narrow multisignature wallet contract the
// dispute subsystem needs: balance queries, multisig import/export, and
// payout transaction construction. The wallet daemon's internals (the
// multisig ceremony itself) stay behind this boundary.
package wallet

import (
	"context"
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrWalletNotFound    = errors.New("wallet: not found for trade")
	ErrImportNeeded      = errors.New("wallet: multisig import needed")
	ErrInsufficientFunds = errors.New("wallet: insufficient unlocked balance")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
)

// TxError wraps transaction-construction failures with context.
type TxError struct {
	Op      string // Operation that failed
	TradeID string
	Err     error // Underlying error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("wallet: %s failed for trade %s: %v", e.Op, e.TradeID, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Destination is one output of a payout transaction.
type Destination struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"` // atomic units
}

// TxConfig describes the payout transaction to construct. Destination order
// is preserved in the resulting transaction outputs.
type TxConfig struct {
	Destinations []Destination `json:"destinations"`
	Note         string        `json:"note,omitempty"`

	// SubtractFeeFromOutputs lists destination indices whose amounts absorb
	// the mining fee. Empty means the fee comes on top of the outputs.
	SubtractFeeFromOutputs []int `json:"subtractFeeFromOutputs,omitempty"`
}

// Total returns the sum of all destination amounts.
func (c TxConfig) Total() uint64 {
	var total uint64
	for _, d := range c.Destinations {
		total += d.Amount
	}
	return total
}

// Tx is a constructed (not yet relayed) multisig transaction.
type Tx struct {
	ID           string        `json:"id"`
	SignedHex    string        `json:"signedHex"`
	Fee          uint64        `json:"fee"`
	Destinations []Destination `json:"destinations"`
}

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// MultisigWallet is one trade's 2-of-3 wallet.
type MultisigWallet interface {
	// Sync refreshes the wallet against the daemon. Callers must re-sync
	// before re-reading balance to avoid acting on stale state.
	Sync(ctx context.Context) error

	// UnlockedBalance returns the spendable balance in atomic units.
	UnlockedBalance(ctx context.Context) (uint64, error)

	// IsMultisigImportNeeded reports whether the wallet needs a multisig
	// info import from the counterparty before it can construct spends.
	IsMultisigImportNeeded(ctx context.Context) (bool, error)

	// ImportMultisigHex imports counterparty multisig exports.
	ImportMultisigHex(ctx context.Context, hexes []string) error

	// ExportMultisigHex exports this wallet's multisig info for peers.
	ExportMultisigHex(ctx context.Context) (string, error)

	// CreateTx constructs and signs (this side's share of) a transaction.
	CreateTx(ctx context.Context, cfg TxConfig) (*Tx, error)
}

// Service resolves the multisig wallet for a trade.
type Service interface {
	MultisigWallet(ctx context.Context, tradeID string) (MultisigWallet, error)
}
