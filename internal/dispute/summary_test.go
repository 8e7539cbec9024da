package dispute

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianswap/arbiter/internal/keyring"
)

func signedSummaryFixture(t *testing.T) (string, *keyring.KeyRing, string) {
	t.Helper()
	kr, err := keyring.New()
	require.NoError(t, err)

	const agentAddr = "arbitrator.onion:9999"
	d := &Dispute{
		ID:          "trade-1_42",
		TradeID:     "trade-1",
		OpeningDate: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	res := &DisputeResult{
		TradeID:                "trade-1",
		TraderID:               42,
		Winner:                 WinnerBuyer,
		Reason:                 ReasonNoReply,
		SubtractFeeFrom:        FeeFromBuyerAndSeller,
		BuyerPayoutBeforeCost:  115,
		SellerPayoutBeforeCost: 15,
		CloseDate:              time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC),
	}

	signed, err := SignAndApply(kr, res, BuildSummaryText(d, res, agentAddr))
	require.NoError(t, err)
	require.NotEmpty(t, res.ArbitratorSignature)
	require.Equal(t, kr.PubKeyRing(), res.ArbitratorPubKeyRing)
	return signed, kr, agentAddr
}

func TestSummarySignatureRoundTrip(t *testing.T) {
	signed, kr, agentAddr := signedSummaryFixture(t)

	agents := AgentMap{agentAddr: kr.PubKeyRing()}
	assert.NoError(t, VerifySignature(signed, agents))
}

func TestSummarySeparatorsPreservedByteForByte(t *testing.T) {
	signed, _, _ := signedSummaryFixture(t)

	assert.Contains(t, signed, "\n-----BEGIN SIGNATURE-----\n")
	assert.Contains(t, signed, "\n-----END SIGNATURE-----\n")
	assert.True(t, strings.HasSuffix(signed, SignatureEndSeparator))
}

func TestVerifySignatureRejectsTamperedText(t *testing.T) {
	signed, kr, agentAddr := signedSummaryFixture(t)
	agents := AgentMap{agentAddr: kr.PubKeyRing()}

	tampered := strings.Replace(signed, "Buyer payout (before mining fee): 115", "Buyer payout (before mining fee): 130", 1)
	require.NotEqual(t, signed, tampered)
	assert.ErrorIs(t, VerifySignature(tampered, agents), ErrSummarySignature)
}

func TestVerifySignatureRejectsTruncatedInput(t *testing.T) {
	signed, kr, agentAddr := signedSummaryFixture(t)
	agents := AgentMap{agentAddr: kr.PubKeyRing()}

	// Cut before the end separator.
	end := strings.Index(signed, SignatureEndSeparator)
	assert.ErrorIs(t, VerifySignature(signed[:end], agents), ErrSummaryFormat)

	// Cut before the begin separator.
	begin := strings.Index(signed, SignatureBeginSeparator)
	assert.ErrorIs(t, VerifySignature(signed[:begin], agents), ErrSummaryFormat)

	assert.ErrorIs(t, VerifySignature("", agents), ErrSummaryFormat)
	assert.ErrorIs(t, VerifySignature("no separators here", agents), ErrSummaryFormat)
}

func TestVerifySignatureRejectsUnknownAgent(t *testing.T) {
	signed, _, _ := signedSummaryFixture(t)

	assert.ErrorIs(t, VerifySignature(signed, AgentMap{}), ErrUnknownAgent)
}

func TestVerifySignatureRejectsWrongSignerKey(t *testing.T) {
	signed, _, agentAddr := signedSummaryFixture(t)

	other, err := keyring.New()
	require.NoError(t, err)
	agents := AgentMap{agentAddr: other.PubKeyRing()}
	assert.ErrorIs(t, VerifySignature(signed, agents), ErrSummarySignature)
}

func TestVerifySignatureRejectsMalformedAddressLine(t *testing.T) {
	signed, kr, agentAddr := signedSummaryFixture(t)
	agents := AgentMap{agentAddr: kr.PubKeyRing()}

	mangled := strings.Replace(signed, "Arbitrator node address: ", "Signed by: ", 1)
	assert.ErrorIs(t, VerifySignature(mangled, agents), ErrSummaryFormat)
}

func TestBuildSummaryTextAgentAddressLine(t *testing.T) {
	d := &Dispute{ID: "t_1", TradeID: "t"}
	res := &DisputeResult{Winner: WinnerSeller, Reason: ReasonScam}

	text := BuildSummaryText(d, res, "agent.onion:1234")
	lines := strings.Split(text, "\n")
	require.Greater(t, len(lines), agentAddressLine)
	assert.Equal(t, "Arbitrator node address: agent.onion:1234", lines[agentAddressLine])
}

func TestBuildSummaryTextIncludesNotes(t *testing.T) {
	d := &Dispute{ID: "t_1", TradeID: "t"}
	res := &DisputeResult{Winner: WinnerSeller, Reason: ReasonScam, SummaryNotes: "Seller provided proof of shipment."}

	text := BuildSummaryText(d, res, "agent.onion:1234")
	assert.Contains(t, text, "Seller provided proof of shipment.")
}
