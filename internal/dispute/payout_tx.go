package dispute

import (
	"context"
	"fmt"

	"github.com/meridianswap/arbiter/internal/metrics"
	"github.com/meridianswap/arbiter/internal/trade"
	"github.com/meridianswap/arbiter/internal/wallet"
)

// buildPayoutTx constructs the dispute payout transaction for a resolved
// trade, or returns (nil, nil) when a payout is already published — building
// a second one would double-spend the escrow.
//
// Preconditions and recovery behavior:
//
//   - The wallet must not need a multisig import: if it does, the
//     counterparty must have already broadcast a payout themselves, which is
//     a fatal precondition for building our own.
//   - The unlocked balance is re-read after a sync; winner+loser exceeding
//     it is rejected before any outputs are constructed.
//   - Any remainder the balance holds beyond winner+loser (left over from
//     prior fee estimation) is folded into the winner's output, never the
//     loser's, never dropped.
//   - On construction failure the wallet is re-synced and "already
//     published" is re-checked before the error propagates, so a fund
//     movement that already succeeded via the other party is not reported
//     as a failure.
func (m *Manager) buildPayoutTx(ctx context.Context, t *trade.Trade, payout Payout, winner Winner) (*wallet.Tx, error) {
	if published, txID := t.PayoutPublished(); published {
		m.log.Info("payout already published, not building another", "tradeId", t.ID, "payoutTxId", txID)
		return nil, nil
	}
	if m.wallets == nil {
		return nil, fmt.Errorf("no wallet service configured")
	}

	w, err := m.wallets.MultisigWallet(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	importNeeded, err := w.IsMultisigImportNeeded(ctx)
	if err != nil {
		return nil, err
	}
	if importNeeded {
		return nil, fmt.Errorf("%w: trade %s", ErrMultisigImportOpen, t.ID)
	}

	if err := w.Sync(ctx); err != nil {
		return nil, err
	}
	balance, err := w.UnlockedBalance(ctx)
	if err != nil {
		return nil, err
	}

	winnerAmount := payout.WinnerAmount(winner)
	loserAmount := payout.LoserAmount(winner)
	if winnerAmount+loserAmount > balance {
		return nil, fmt.Errorf("%w: %d + %d > %d", ErrPayoutOverBalance, winnerAmount, loserAmount, balance)
	}
	if rem := balance - winnerAmount - loserAmount; rem > 0 {
		winnerAmount += rem
	}

	winnerAddr, loserAddr := t.Contract.BuyerPayoutAddress, t.Contract.SellerPayoutAddress
	if winner == WinnerSeller {
		winnerAddr, loserAddr = loserAddr, winnerAddr
	}

	cfg := wallet.TxConfig{
		Destinations: []wallet.Destination{{Address: winnerAddr, Amount: winnerAmount}},
		Note:         "dispute payout " + t.ID,
	}
	if loserAmount > 0 {
		cfg.Destinations = append(cfg.Destinations, wallet.Destination{Address: loserAddr, Amount: loserAmount})
	}
	cfg.SubtractFeeFromOutputs = feeOutputIndices(payout.SubtractFeeFrom, winner, loserAmount)

	tx, err := w.CreateTx(ctx, cfg)
	if err != nil {
		// The peer may have published a payout while we were constructing;
		// re-sync and re-check before reporting a spurious failure.
		_ = w.Sync(ctx)
		if published, txID := t.PayoutPublished(); published {
			m.log.Info("payout published by peer during construction", "tradeId", t.ID, "payoutTxId", txID)
			return nil, nil
		}
		return nil, fmt.Errorf("build dispute payout tx for trade %s: %w", t.ID, err)
	}

	t.SetPayoutPublished(tx.ID)
	metrics.PayoutTxsBuiltTotal.Inc()
	m.log.Info("dispute payout tx built",
		"tradeId", t.ID, "txId", tx.ID, "fee", tx.Fee,
		"winnerAmount", winnerAmount, "loserAmount", loserAmount)
	return tx, nil
}

// feeOutputIndices maps the fee-payer policy onto transaction output
// indices. The winner's output is always index 0; the loser's output, when
// non-zero, is index 1.
func feeOutputIndices(from SubtractFeeFrom, winner Winner, loserAmount uint64) []int {
	if loserAmount == 0 {
		return []int{0}
	}
	winnerIsBuyer := winner == WinnerBuyer
	switch from {
	case FeeFromBuyerAndSeller:
		return []int{0, 1}
	case FeeFromBuyerOnly:
		if winnerIsBuyer {
			return []int{0}
		}
		return []int{1}
	case FeeFromSellerOnly:
		if winnerIsBuyer {
			return []int{1}
		}
		return []int{0}
	default:
		return []int{0}
	}
}
