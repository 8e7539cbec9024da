// Package contract models the immutable trade terms both parties signed at
// trade time. The contract is the ground truth a dispute ticket is checked
// against: its canonical JSON serialization is hashed and signed, and any
// divergence between a dispute's copy and a fresh serialization means the
// ticket was tampered with in transit.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meridianswap/arbiter/internal/keyring"
)

var (
	ErrMissingField = errors.New("contract: missing required field")
	ErrBadSignature = errors.New("contract: signature verification failed")
)

// Contract is the immutable record of the agreed trade terms.
// Field order matters: canonical JSON follows struct declaration order, and
// the contract hash both parties signed is computed over that serialization.
type Contract struct {
	OfferID               string             `json:"offerId"`
	TradeAmount           uint64             `json:"tradeAmount"` // atomic units
	BuyerSecurityDeposit  uint64             `json:"buyerSecurityDeposit"`
	SellerSecurityDeposit uint64             `json:"sellerSecurityDeposit"`
	MakerIsBuyer          bool               `json:"makerIsBuyer"`
	BuyerPubKeyRing       keyring.PubKeyRing `json:"buyerPubKeyRing"`
	SellerPubKeyRing      keyring.PubKeyRing `json:"sellerPubKeyRing"`
	ArbitratorPubKeyRing  keyring.PubKeyRing `json:"arbitratorPubKeyRing"`
	BuyerNodeAddress      string             `json:"buyerNodeAddress"`
	SellerNodeAddress     string             `json:"sellerNodeAddress"`
	ArbitratorNodeAddress string             `json:"arbitratorNodeAddress"`
	BuyerPayoutAddress    string             `json:"buyerPayoutAddress"`
	SellerPayoutAddress   string             `json:"sellerPayoutAddress"`

	// SHA-256 hex of each side's payment-account payload, committed at trade
	// time so neither side can substitute payment details afterwards.
	MakerPaymentAccountPayloadHash string `json:"makerPaymentAccountPayloadHash"`
	TakerPaymentAccountPayloadHash string `json:"takerPaymentAccountPayloadHash"`
}

// Validate checks that all load-bearing fields are present.
func (c *Contract) Validate() error {
	required := map[string]string{
		"offerId":               c.OfferID,
		"buyerPubKeyRing":       string(c.BuyerPubKeyRing),
		"sellerPubKeyRing":      string(c.SellerPubKeyRing),
		"arbitratorPubKeyRing":  string(c.ArbitratorPubKeyRing),
		"buyerNodeAddress":      c.BuyerNodeAddress,
		"sellerNodeAddress":     c.SellerNodeAddress,
		"arbitratorNodeAddress": c.ArbitratorNodeAddress,
		"buyerPayoutAddress":    c.BuyerPayoutAddress,
		"sellerPayoutAddress":   c.SellerPayoutAddress,
	}
	for name, v := range required {
		if v == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, name)
		}
	}
	if c.TradeAmount == 0 {
		return fmt.Errorf("%w: tradeAmount", ErrMissingField)
	}
	return nil
}

// MakerPubKeyRing returns the maker side's public-key ring.
func (c *Contract) MakerPubKeyRing() keyring.PubKeyRing {
	if c.MakerIsBuyer {
		return c.BuyerPubKeyRing
	}
	return c.SellerPubKeyRing
}

// TakerPubKeyRing returns the taker side's public-key ring.
func (c *Contract) TakerPubKeyRing() keyring.PubKeyRing {
	if c.MakerIsBuyer {
		return c.SellerPubKeyRing
	}
	return c.BuyerPubKeyRing
}

// SellerPaymentAccountPayloadHash returns the hash committed for the seller's
// payment account payload.
func (c *Contract) SellerPaymentAccountPayloadHash() string {
	if c.MakerIsBuyer {
		return c.TakerPaymentAccountPayloadHash
	}
	return c.MakerPaymentAccountPayloadHash
}

// CanonicalJSON serializes the contract into its canonical form. Go's
// encoding/json emits struct fields in declaration order, so the output is
// deterministic for a given contract.
func CanonicalJSON(c *Contract) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("contract: serialize: %w", err)
	}
	return string(b), nil
}

// HashJSON returns the hex-encoded SHA-256 of a canonical serialization.
func HashJSON(contractJSON string) string {
	sum := sha256.Sum256([]byte(contractJSON))
	return hex.EncodeToString(sum[:])
}

// SignJSON signs the SHA-256 of the canonical serialization with the given
// keyring and returns the hex-encoded signature.
func SignJSON(kr *keyring.KeyRing, contractJSON string) (string, error) {
	sum := sha256.Sum256([]byte(contractJSON))
	return kr.SignHash(sum[:])
}

// VerifyJSONSignature checks a contract signature against a public-key ring.
func VerifyJSONSignature(ring keyring.PubKeyRing, contractJSON, sigHex string) error {
	sum := sha256.Sum256([]byte(contractJSON))
	if err := ring.VerifyHash(sum[:], sigHex); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// HashPaymentAccountPayload hashes a raw payment-account payload the same way
// the trade protocol commits it into the contract.
func HashPaymentAccountPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
