package dispute

import (
	"fmt"

	"github.com/meridianswap/arbiter/internal/contract"
	"github.com/meridianswap/arbiter/internal/metrics"
	"github.com/meridianswap/arbiter/internal/validation"
	"github.com/meridianswap/arbiter/internal/wallet"
)

// ValidationError reports a structural or cryptographic integrity failure of
// a dispute ticket. It carries the offending dispute so callers can log and
// continue collecting failures.
type ValidationError struct {
	Dispute *Dispute
	Check   string
	Msg     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dispute validation failed (%s): %s", e.Check, e.Msg)
}

// NodeAddressError is a ValidationError about a sender or party overlay
// address.
type NodeAddressError struct{ ValidationError }

// AddressError is a ValidationError about a payout or donation address.
type AddressError struct{ ValidationError }

// ReplayError is a ValidationError raised when an inbound ticket for an
// existing key carries different contract data — a replayed or forged open.
type ReplayError struct{ ValidationError }

func failCheck(d *Dispute, check, format string, args ...interface{}) *ValidationError {
	metrics.ValidationFailuresTotal.WithLabelValues(check).Inc()
	return &ValidationError{Dispute: d, Check: check, Msg: fmt.Sprintf(format, args...)}
}

// ValidateDisputeData checks the integrity of a dispute ticket against its
// contract snapshot before the ticket is trusted or acted upon. Any failure
// aborts opening or accepting the dispute.
func ValidateDisputeData(d *Dispute) error {
	if d.Contract == nil {
		return failCheck(d, "contract", "dispute has no contract")
	}
	if d.Contract.OfferID != d.TradeID {
		return failCheck(d, "trade_id", "contract offer id %q does not match trade id %q", d.Contract.OfferID, d.TradeID)
	}

	fresh, err := contract.CanonicalJSON(d.Contract)
	if err != nil {
		return failCheck(d, "contract_json", "cannot serialize contract: %v", err)
	}
	if fresh != d.ContractAsJSON {
		return failCheck(d, "contract_json", "contract JSON does not match a fresh serialization")
	}
	if contract.HashJSON(d.ContractAsJSON) != d.ContractHash {
		return failCheck(d, "contract_hash", "contract hash does not match SHA-256 of contract JSON")
	}

	if d.MakerContractSignature != "" {
		if err := contract.VerifyJSONSignature(d.Contract.MakerPubKeyRing(), d.ContractAsJSON, d.MakerContractSignature); err != nil {
			return failCheck(d, "maker_signature", "maker contract signature invalid: %v", err)
		}
	}
	if d.TakerContractSignature != "" {
		if err := contract.VerifyJSONSignature(d.Contract.TakerPubKeyRing(), d.ContractAsJSON, d.TakerContractSignature); err != nil {
			return failCheck(d, "taker_signature", "taker contract signature invalid: %v", err)
		}
	}
	return nil
}

// ValidatePaymentAccountPayload checks that the seller's payment-account
// payload hash recorded in the dispute matches the hash committed in the
// contract, so the seller cannot substitute payment details after the fact.
func ValidatePaymentAccountPayload(d *Dispute) error {
	if d.Contract == nil {
		return failCheck(d, "payment_account", "dispute has no contract")
	}
	got := d.SellerPaymentAccountPayloadHash()
	want := d.Contract.SellerPaymentAccountPayloadHash()
	if got == "" || got != want {
		return failCheck(d, "payment_account", "seller payment account payload hash %q does not match contract commitment %q", got, want)
	}
	return nil
}

// ValidateSenderNodeAddress checks that the network address that delivered a
// dispute message belongs to a party recorded in the contract.
func ValidateSenderNodeAddress(d *Dispute, senderAddr string) error {
	if d.Contract == nil {
		return &NodeAddressError{*failCheck(d, "sender_address", "dispute has no contract")}
	}
	switch senderAddr {
	case d.Contract.BuyerNodeAddress, d.Contract.SellerNodeAddress, d.Contract.ArbitratorNodeAddress:
		return nil
	}
	return &NodeAddressError{*failCheck(d, "sender_address", "sender %q is not a party to the trade", senderAddr)}
}

// ValidateNodeAddresses checks the buyer/seller overlay address format.
// Skipped on localnet, where test harnesses use loopback addresses.
func ValidateNodeAddresses(d *Dispute, network string) error {
	if network == "localnet" {
		return nil
	}
	if d.Contract == nil {
		return &NodeAddressError{*failCheck(d, "node_address", "dispute has no contract")}
	}
	if !validation.IsValidOverlayAddress(d.Contract.BuyerNodeAddress) {
		return &NodeAddressError{*failCheck(d, "node_address", "buyer node address %q is not a valid overlay address", d.Contract.BuyerNodeAddress)}
	}
	if !validation.IsValidOverlayAddress(d.Contract.SellerNodeAddress) {
		return &NodeAddressError{*failCheck(d, "node_address", "seller node address %q is not a valid overlay address", d.Contract.SellerNodeAddress)}
	}
	return nil
}

// ValidateDonationAddress checks that the first output of a payout-related
// transaction pays the recorded donation address. It vets transactions built
// under a donation-first payout policy, which the arbitrator's own payout
// construction does not use: callers holding such a transaction (operator
// tooling, a trader node checking a received payout) run this before
// countersigning or broadcasting.
func ValidateDonationAddress(d *Dispute, tx *wallet.Tx, donationAddress string) error {
	if tx == nil || len(tx.Destinations) == 0 {
		return &AddressError{*failCheck(d, "donation_address", "payout transaction has no outputs")}
	}
	if donationAddress == "" {
		return nil
	}
	if tx.Destinations[0].Address != donationAddress {
		return &AddressError{*failCheck(d, "donation_address", "first output pays %q, want donation address %q", tx.Destinations[0].Address, donationAddress)}
	}
	return nil
}
