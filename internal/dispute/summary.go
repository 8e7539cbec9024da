package dispute

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meridianswap/arbiter/internal/keyring"
)

// Separator literals for the signed-summary encoding. Traders' clients split
// on these exact bytes to verify a summary independently, so they must never
// change.
const (
	SignatureBeginSeparator = "\n-----BEGIN SIGNATURE-----\n"
	SignatureEndSeparator   = "\n-----END SIGNATURE-----\n"
)

// agentAddressLine is the fixed line index of the summary text that carries
// the signing agent's node address. Verification parses the address from this
// position.
const agentAddressLine = 1

var (
	ErrSummaryFormat    = errors.New("invalid summary format")
	ErrSummarySignature = errors.New("summary signature check failed")
	ErrUnknownAgent     = errors.New("unknown arbitration agent")
)

// AgentDirectory resolves a registered arbitration agent's public-key ring
// from its node address.
type AgentDirectory interface {
	AgentPubKeyRing(nodeAddress string) (keyring.PubKeyRing, bool)
}

// AgentMap is a static AgentDirectory.
type AgentMap map[string]keyring.PubKeyRing

func (m AgentMap) AgentPubKeyRing(nodeAddress string) (keyring.PubKeyRing, bool) {
	ring, ok := m[nodeAddress]
	return ring, ok
}

// BuildSummaryText renders the human-readable closing summary for a resolved
// dispute. Line layout is load-bearing: the agent node address sits on a
// fixed line that verification parses.
func BuildSummaryText(d *Dispute, res *DisputeResult, agentNodeAddress string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summary of dispute for trade %s\n", d.TradeID)
	fmt.Fprintf(&b, "Arbitrator node address: %s\n", agentNodeAddress)
	fmt.Fprintf(&b, "Ticket id: %s\n", d.ID)
	fmt.Fprintf(&b, "Opened: %s\n", d.OpeningDate.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Closed: %s\n", res.CloseDate.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Winner: %s\n", res.Winner)
	fmt.Fprintf(&b, "Reason: %s\n", res.Reason)
	fmt.Fprintf(&b, "Buyer payout (before mining fee): %d\n", res.BuyerPayoutBeforeCost)
	fmt.Fprintf(&b, "Seller payout (before mining fee): %d\n", res.SellerPayoutBeforeCost)
	fmt.Fprintf(&b, "Mining fee paid by: %s", res.SubtractFeeFrom)
	if res.SummaryNotes != "" {
		fmt.Fprintf(&b, "\n\n%s", res.SummaryNotes)
	}
	return b.String()
}

// SignAndApply signs the summary text with the arbitrator's keyring, stores
// the signature on the result, and returns the text with the signature
// appended between the fixed separators. The combined string is what traders
// see and can verify on their own.
func SignAndApply(kr *keyring.KeyRing, res *DisputeResult, textToSign string) (string, error) {
	sum := sha256.Sum256([]byte(textToSign))
	sig, err := kr.SignHash(sum[:])
	if err != nil {
		return "", fmt.Errorf("sign summary: %w", err)
	}
	res.ArbitratorSignature = sig
	res.ArbitratorPubKeyRing = kr.PubKeyRing()
	return textToSign + SignatureBeginSeparator + sig + SignatureEndSeparator, nil
}

// VerifySignature checks a combined summary string against the agent
// directory. Malformed input degrades to a rejected verification, never a
// panic; every failure renders as a short user-facing message.
func VerifySignature(input string, agents AgentDirectory) error {
	text, sig, err := splitSummary(input)
	if err != nil {
		return err
	}

	addr, err := agentAddressFromSummary(text)
	if err != nil {
		return err
	}
	ring, ok := agents.AgentPubKeyRing(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, addr)
	}

	sum := sha256.Sum256([]byte(text))
	if err := ring.VerifyHash(sum[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrSummarySignature, err)
	}
	return nil
}

func splitSummary(input string) (text, sig string, err error) {
	begin := strings.Index(input, SignatureBeginSeparator)
	if begin < 0 {
		return "", "", fmt.Errorf("%w: begin separator missing", ErrSummaryFormat)
	}
	rest := input[begin+len(SignatureBeginSeparator):]
	end := strings.Index(rest, SignatureEndSeparator)
	if end < 0 {
		return "", "", fmt.Errorf("%w: end separator missing", ErrSummaryFormat)
	}
	sig = rest[:end]
	if sig == "" {
		return "", "", fmt.Errorf("%w: empty signature", ErrSummaryFormat)
	}
	return input[:begin], sig, nil
}

func agentAddressFromSummary(text string) (string, error) {
	lines := strings.Split(text, "\n")
	if len(lines) <= agentAddressLine {
		return "", fmt.Errorf("%w: summary too short", ErrSummaryFormat)
	}
	const prefix = "Arbitrator node address: "
	line := lines[agentAddressLine]
	if !strings.HasPrefix(line, prefix) {
		return "", fmt.Errorf("%w: agent address line malformed", ErrSummaryFormat)
	}
	addr := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if addr == "" {
		return "", fmt.Errorf("%w: agent address missing", ErrSummaryFormat)
	}
	return addr, nil
}
