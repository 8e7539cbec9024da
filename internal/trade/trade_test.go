package trade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianswap/arbiter/internal/contract"
	"github.com/meridianswap/arbiter/internal/keyring"
)

func newTestTrade(t *testing.T) (*Trade, *keyring.KeyRing, *keyring.KeyRing, *keyring.KeyRing) {
	t.Helper()
	buyer, err := keyring.New()
	require.NoError(t, err)
	seller, err := keyring.New()
	require.NoError(t, err)
	arb, err := keyring.New()
	require.NoError(t, err)

	c := &contract.Contract{
		OfferID:               "trade-77",
		TradeAmount:           100,
		BuyerSecurityDeposit:  15,
		SellerSecurityDeposit: 15,
		MakerIsBuyer:          true,
		BuyerPubKeyRing:       buyer.PubKeyRing(),
		SellerPubKeyRing:      seller.PubKeyRing(),
		ArbitratorPubKeyRing:  arb.PubKeyRing(),
		BuyerNodeAddress:      "buyer.onion:9999",
		SellerNodeAddress:     "seller.onion:9999",
		ArbitratorNodeAddress: "arb.onion:9999",
		BuyerPayoutAddress:    "addr-b",
		SellerPayoutAddress:   "addr-s",
	}
	j, err := contract.CanonicalJSON(c)
	require.NoError(t, err)

	tr := NewTrade("trade-77", c, j, "", "", time.Now(), time.Now().Add(24*time.Hour))
	return tr, buyer, seller, arb
}

func TestDisputeStateMonotonic(t *testing.T) {
	tr, _, _, _ := newTestTrade(t)

	assert.Equal(t, NoDispute, tr.DisputeState())
	assert.True(t, tr.AdvanceDisputeState(DisputeRequested))
	assert.True(t, tr.AdvanceDisputeState(DisputeOpened))

	// Regression and same-state are rejected.
	assert.False(t, tr.AdvanceDisputeState(DisputeRequested))
	assert.False(t, tr.AdvanceDisputeState(DisputeOpened))
	assert.Equal(t, DisputeOpened, tr.DisputeState())

	assert.True(t, tr.AdvanceDisputeState(ArbitratorSentDisputeClosedMsg))
	assert.True(t, tr.AdvanceDisputeState(ArbitratorSawArrivedDisputeClosedMsg))
	assert.Equal(t, "ARBITRATOR_SAW_ARRIVED_DISPUTE_CLOSED_MSG", tr.DisputeState().String())
}

func TestPayoutPublishedFirstWins(t *testing.T) {
	tr, _, _, _ := newTestTrade(t)

	published, _ := tr.PayoutPublished()
	assert.False(t, published)

	tr.SetPayoutPublished("tx-1")
	tr.SetPayoutPublished("tx-2")

	published, txID := tr.PayoutPublished()
	assert.True(t, published)
	assert.Equal(t, "tx-1", txID)
}

func TestRoleResolution(t *testing.T) {
	tr, buyer, seller, arb := newTestTrade(t)

	assert.Equal(t, RoleBuyer, tr.RoleOf(buyer.PubKeyRing()))
	assert.Equal(t, RoleSeller, tr.RoleOf(seller.PubKeyRing()))
	assert.Equal(t, RoleArbitrator, tr.RoleOf(arb.PubKeyRing()))

	stranger, err := keyring.New()
	require.NoError(t, err)
	assert.Equal(t, RoleNone, tr.RoleOf(stranger.PubKeyRing()))

	peer, ok := tr.PeerRingOf(buyer.PubKeyRing())
	require.True(t, ok)
	assert.Equal(t, seller.PubKeyRing(), peer)

	_, ok = tr.PeerRingOf(arb.PubKeyRing())
	assert.False(t, ok)

	assert.Equal(t, "arb.onion:9999", tr.NodeAddressOf(RoleArbitrator))
	assert.Equal(t, "buyer.onion:9999", tr.NodeAddressOf(RoleBuyer))
}

func TestMultisigExportBookkeeping(t *testing.T) {
	tr, buyer, _, _ := newTestTrade(t)
	id := buyer.TraderID()

	_, ok := tr.PeerMultisigHex(id)
	assert.False(t, ok)

	tr.SetPeerMultisigHex(id, "") // empty export ignored
	_, ok = tr.PeerMultisigHex(id)
	assert.False(t, ok)

	tr.SetPeerMultisigHex(id, "deadbeef")
	hex, ok := tr.PeerMultisigHex(id)
	require.True(t, ok)
	assert.Equal(t, "deadbeef", hex)
}

func TestManagerLookupAndPersistence(t *testing.T) {
	saves := 0
	m := NewManager(func() { saves++ })

	tr, _, _, _ := newTestTrade(t)
	m.Add(tr)

	got, err := m.Get("trade-77")
	require.NoError(t, err)
	assert.Same(t, tr, got)

	_, err = m.Get("nope")
	assert.ErrorIs(t, err, ErrTradeNotFound)

	m.RequestPersistence()
	assert.Equal(t, 2, saves)
}

func TestWarnings(t *testing.T) {
	tr, _, _, _ := newTestTrade(t)
	tr.AddWarning("payment account payload hash mismatch")

	w := tr.Warnings()
	require.Len(t, w, 1)

	// Returned slice is a copy.
	w[0] = "mutated"
	assert.Equal(t, "payment account payload hash mismatch", tr.Warnings()[0])
}
