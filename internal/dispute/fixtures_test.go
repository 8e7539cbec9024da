package dispute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianswap/arbiter/internal/contract"
	"github.com/meridianswap/arbiter/internal/keyring"
	"github.com/meridianswap/arbiter/internal/trade"
)

const (
	buyerAddr      = "buyer.onion:9999"
	sellerAddr     = "seller.onion:9999"
	arbitratorAddr = "arbitrator.onion:9999"
)

// tradeFixture is a fully signed trade shared by the three parties.
type tradeFixture struct {
	buyerKey      *keyring.KeyRing
	sellerKey     *keyring.KeyRing
	arbitratorKey *keyring.KeyRing

	contract     *contract.Contract
	contractJSON string
	trade        *trade.Trade
}

func newTradeFixture(t *testing.T, tradeID string) *tradeFixture {
	t.Helper()

	buyerKey, err := keyring.New()
	require.NoError(t, err)
	sellerKey, err := keyring.New()
	require.NoError(t, err)
	arbitratorKey, err := keyring.New()
	require.NoError(t, err)

	c := &contract.Contract{
		OfferID:                        tradeID,
		TradeAmount:                    100,
		BuyerSecurityDeposit:           15,
		SellerSecurityDeposit:          15,
		MakerIsBuyer:                   true,
		BuyerPubKeyRing:                buyerKey.PubKeyRing(),
		SellerPubKeyRing:               sellerKey.PubKeyRing(),
		ArbitratorPubKeyRing:           arbitratorKey.PubKeyRing(),
		BuyerNodeAddress:               buyerAddr,
		SellerNodeAddress:              sellerAddr,
		ArbitratorNodeAddress:          arbitratorAddr,
		BuyerPayoutAddress:             "payout-buyer",
		SellerPayoutAddress:            "payout-seller",
		MakerPaymentAccountPayloadHash: contract.HashPaymentAccountPayload([]byte("maker-account")),
		TakerPaymentAccountPayloadHash: contract.HashPaymentAccountPayload([]byte("taker-account")),
	}

	contractJSON, err := contract.CanonicalJSON(c)
	require.NoError(t, err)
	makerSig, err := contract.SignJSON(buyerKey, contractJSON)
	require.NoError(t, err)
	takerSig, err := contract.SignJSON(sellerKey, contractJSON)
	require.NoError(t, err)

	now := time.Now()
	tr := trade.NewTrade(tradeID, c, contractJSON, makerSig, takerSig, now.Add(-24*time.Hour), now.Add(24*time.Hour))

	return &tradeFixture{
		buyerKey:      buyerKey,
		sellerKey:     sellerKey,
		arbitratorKey: arbitratorKey,
		contract:      c,
		contractJSON:  contractJSON,
		trade:         tr,
	}
}

// disputeTicket builds a valid ticket for the given trader key, as the
// opener's node would construct it.
func (f *tradeFixture) disputeTicket(t *testing.T, key *keyring.KeyRing) *Dispute {
	t.Helper()

	ring := key.PubKeyRing()
	isBuyer := ring == f.contract.BuyerPubKeyRing
	d := &Dispute{
		ID:                             DisputeID(f.trade.ID, ring.TraderID()),
		TradeID:                        f.trade.ID,
		TraderID:                       ring.TraderID(),
		OpeningDate:                    time.Now(),
		DisputeOpenerIsBuyer:           isBuyer,
		DisputeOpenerIsMaker:           isBuyer == f.contract.MakerIsBuyer,
		IsOpener:                       true,
		TraderPubKeyRing:               ring,
		AgentPubKeyRing:                f.contract.ArbitratorPubKeyRing,
		TradeDate:                      f.trade.TradeDate,
		TradePeriodEnd:                 f.trade.TradePeriodEnd,
		Contract:                       f.contract,
		ContractAsJSON:                 f.contractJSON,
		ContractHash:                   contract.HashJSON(f.contractJSON),
		MakerPaymentAccountPayloadHash: f.contract.MakerPaymentAccountPayloadHash,
		TakerPaymentAccountPayloadHash: f.contract.TakerPaymentAccountPayloadHash,
		SupportType:                    SupportArbitration,
		State:                          StateOpen,
	}
	if d.DisputeOpenerIsMaker {
		d.MakerContractSignature = f.trade.MakerContractSignature
	} else {
		d.TakerContractSignature = f.trade.TakerContractSignature
	}
	return d
}
