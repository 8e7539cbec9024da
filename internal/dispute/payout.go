package dispute

import (
	"fmt"

	"github.com/meridianswap/arbiter/internal/contract"
)

// PayoutPolicy selects how the disputed funds are split.
type PayoutPolicy string

const (
	// PolicyWinnerGetsTradeAmount gives the winner the trade amount plus
	// their own deposit; the loser keeps only their own deposit.
	PolicyWinnerGetsTradeAmount PayoutPolicy = "winner_gets_trade_amount"
	// PolicyWinnerGetsAll gives the winner everything, including the
	// loser's deposit.
	PolicyWinnerGetsAll PayoutPolicy = "winner_gets_all"
	// PolicyCustom splits the trade amount at a point chosen by the
	// arbitrator; each side keeps their own deposit.
	PolicyCustom PayoutPolicy = "custom"
)

// Decision is the arbitrator's resolution input.
type Decision struct {
	Winner          Winner          `json:"winner"`
	Reason          Reason          `json:"reason"`
	Policy          PayoutPolicy    `json:"policy"`
	CustomAmount    uint64          `json:"customAmount,omitempty"` // atomic units, PolicyCustom only
	SubtractFeeFrom SubtractFeeFrom `json:"subtractFeeFrom"`
	SummaryNotes    string          `json:"summaryNotes,omitempty"`
}

// Payout is the computed split of the escrowed funds, before the mining fee.
// BuyerAmount + SellerAmount always equals tradeAmount + both deposits.
type Payout struct {
	BuyerAmount     uint64
	SellerAmount    uint64
	SubtractFeeFrom SubtractFeeFrom
}

// ComputePayout turns a decision plus the contract's amounts into exact
// buyer/seller payout amounts and the effective fee-payer assignment.
//
// Conservation holds for every legal decision: no value is created or
// destroyed by the split. If the loser's payout is zero the winner always
// pays the mining fee, regardless of the requested assignment — there is
// nothing to subtract the fee from on a zero output.
func ComputePayout(c *contract.Contract, dec Decision) (Payout, error) {
	if dec.Winner != WinnerBuyer && dec.Winner != WinnerSeller {
		return Payout{}, fmt.Errorf("invalid winner %q", dec.Winner)
	}

	winnerDeposit := c.BuyerSecurityDeposit
	loserDeposit := c.SellerSecurityDeposit
	if dec.Winner == WinnerSeller {
		winnerDeposit, loserDeposit = loserDeposit, winnerDeposit
	}

	var winnerAmount, loserAmount uint64
	switch dec.Policy {
	case PolicyWinnerGetsTradeAmount:
		winnerAmount = c.TradeAmount + winnerDeposit
		loserAmount = loserDeposit
	case PolicyWinnerGetsAll:
		winnerAmount = c.TradeAmount + winnerDeposit + loserDeposit
		loserAmount = 0
	case PolicyCustom:
		if dec.CustomAmount > c.TradeAmount {
			return Payout{}, fmt.Errorf("%w: %d > %d", ErrCustomAmountRange, dec.CustomAmount, c.TradeAmount)
		}
		winnerAmount = dec.CustomAmount + winnerDeposit
		loserAmount = (c.TradeAmount - dec.CustomAmount) + loserDeposit
	default:
		return Payout{}, fmt.Errorf("invalid payout policy %q", dec.Policy)
	}

	p := Payout{SubtractFeeFrom: dec.SubtractFeeFrom}
	if dec.Winner == WinnerBuyer {
		p.BuyerAmount, p.SellerAmount = winnerAmount, loserAmount
	} else {
		p.SellerAmount, p.BuyerAmount = winnerAmount, loserAmount
	}

	if loserAmount == 0 {
		if dec.Winner == WinnerBuyer {
			p.SubtractFeeFrom = FeeFromBuyerOnly
		} else {
			p.SubtractFeeFrom = FeeFromSellerOnly
		}
	}
	switch p.SubtractFeeFrom {
	case FeeFromBuyerOnly, FeeFromSellerOnly, FeeFromBuyerAndSeller:
	default:
		return Payout{}, fmt.Errorf("invalid subtractFeeFrom %q", dec.SubtractFeeFrom)
	}

	return p, nil
}

// WinnerAmount returns the winner's payout for the given winner side.
func (p Payout) WinnerAmount(w Winner) uint64 {
	if w == WinnerBuyer {
		return p.BuyerAmount
	}
	return p.SellerAmount
}

// LoserAmount returns the loser's payout for the given winner side.
func (p Payout) LoserAmount(w Winner) uint64 {
	if w == WinnerBuyer {
		return p.SellerAmount
	}
	return p.BuyerAmount
}
