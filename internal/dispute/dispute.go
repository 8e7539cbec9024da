// Package dispute implements dispute resolution and disputed-funds payout for
// the exchange.
//
// Flow:
//  1. A trader escalates a trade → a Dispute ticket is created locally and
//     sent to the arbitrator over the mailbox transport
//  2. The arbitrator validates, stores the ticket, and mirrors an equivalent
//     ticket to the opener's counterparty
//  3. The arbitrator decides a payout split, builds and signs the payout
//     transaction, signs a closing summary, and sends a closed message to
//     each trader
//  4. Delivery terminates in arrived, stored-in-mailbox, or fault; each
//     outcome advances the trade's dispute state
//  5. The receiving node answers every processed message with an ack carrying
//     the processing result, which the sender records on the carried chat
//     message
package dispute

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/meridianswap/arbiter/internal/contract"
	"github.com/meridianswap/arbiter/internal/keyring"
)

var (
	ErrDisputeNotFound    = errors.New("dispute not found")
	ErrDisputeAlreadyOpen = errors.New("dispute already open for this trade")
	ErrDisputeClosed      = errors.New("dispute is closed")
	ErrNotArbitrator      = errors.New("this node is not the arbitrator for the trade")
	ErrNotTradeParty      = errors.New("this node is not a party to the trade")
	ErrPeerDisputeMissing = errors.New("peer dispute ticket not found")
	ErrCustomAmountRange  = errors.New("custom payout amount outside [0, tradeAmount]")
	ErrPayoutOverBalance  = errors.New("payout amounts exceed unlocked wallet balance")
	ErrMultisigImportOpen = errors.New("wallet needs a multisig import; counterparty must have published a payout")
)

// DeliveryFailedError reports a mailbox transport fault for a dispute
// message. It is raised by the fault callback and recorded on the carried
// chat message's SendError, so the operator can retry manually; the trade
// state advances to its "send failed" terminal alongside.
type DeliveryFailedError struct {
	TradeID   string
	MessageID string
	Reason    string
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("dispute message %s for trade %s failed to send: %s", e.MessageID, e.TradeID, e.Reason)
}

// SupportType distinguishes arbitration tickets from lighter support flows.
type SupportType string

const (
	SupportArbitration SupportType = "arbitration"
	SupportMediation   SupportType = "mediation"
	SupportTrade       SupportType = "trade"
)

// State is the lifecycle of one Dispute ticket.
type State string

const (
	StateNew    State = "new"
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Winner identifies the prevailing party of a resolved dispute.
type Winner string

const (
	WinnerBuyer  Winner = "buyer"
	WinnerSeller Winner = "seller"
)

// Reason is the arbitrator's category for why the dispute closed.
type Reason string

const (
	ReasonOther               Reason = "other"
	ReasonBug                 Reason = "bug"
	ReasonUsability           Reason = "usability"
	ReasonScam                Reason = "scam"
	ReasonProtocolViolation   Reason = "protocol_violation"
	ReasonNoReply             Reason = "no_reply"
	ReasonBankProblems        Reason = "bank_problems"
	ReasonOptionTrade         Reason = "option_trade"
	ReasonSellerNotResponding Reason = "seller_not_responding"
	ReasonWrongSenderAccount  Reason = "wrong_sender_account"
	ReasonTradeAlreadySettled Reason = "trade_already_settled"
	ReasonPeerWasLate         Reason = "peer_was_late"
)

// SubtractFeeFrom decides which party's payout absorbs the mining fee.
type SubtractFeeFrom string

const (
	FeeFromBuyerOnly      SubtractFeeFrom = "buyer_only"
	FeeFromSellerOnly     SubtractFeeFrom = "seller_only"
	FeeFromBuyerAndSeller SubtractFeeFrom = "buyer_and_seller"
)

// ChatMessage is one communication unit in a dispute, including system
// messages. The delivery flags are set exactly once by the terminal mailbox
// callback of the send that carried the message.
type ChatMessage struct {
	ID              string      `json:"id"`
	SupportType     SupportType `json:"supportType"`
	TradeID         string      `json:"tradeId"`
	SenderID        int64       `json:"senderId"`
	SenderAddress   string      `json:"senderAddress"`
	IsSystemMessage bool        `json:"isSystemMessage"`
	Message         string      `json:"message"`
	Date            time.Time   `json:"date"`

	Arrived         bool   `json:"arrived"`
	StoredInMailbox bool   `json:"storedInMailbox"`
	SendError       string `json:"sendError,omitempty"`

	// Acked and AckError record the recipient's processing result, reported
	// back in a dispute-ack message after the envelope was handed over.
	Acked    bool   `json:"acked,omitempty"`
	AckError string `json:"ackError,omitempty"`
}

// DisputeResult is the arbitrator's adjudication for one ticket, keyed by
// (tradeID, traderID). Identity fields are immutable; payout and signature
// fields are set exactly once during the close flow.
type DisputeResult struct {
	TradeID  string `json:"tradeId"`
	TraderID int64  `json:"traderId"`

	Winner          Winner          `json:"winner"`
	Reason          Reason          `json:"reason"`
	SubtractFeeFrom SubtractFeeFrom `json:"subtractFeeFrom"`

	// Payout amounts in atomic units, before the mining fee is subtracted.
	BuyerPayoutBeforeCost  uint64 `json:"buyerPayoutBeforeCost"`
	SellerPayoutBeforeCost uint64 `json:"sellerPayoutBeforeCost"`

	SummaryNotes         string             `json:"summaryNotes,omitempty"`
	ChatMessage          *ChatMessage       `json:"chatMessage,omitempty"`
	ArbitratorSignature  string             `json:"arbitratorSignature,omitempty"`
	ArbitratorPubKeyRing keyring.PubKeyRing `json:"arbitratorPubKeyRing,omitempty"`
	CloseDate            time.Time          `json:"closeDate"`
}

// Dispute is one party's ticket for one trade-side dispute, keyed by
// (tradeID, traderID). A record is created once (on open or on mirror) and
// only ever mutated by the owning manager, under the dispute list's lock.
type Dispute struct {
	ID       string `json:"id"`
	TradeID  string `json:"tradeId"`
	TraderID int64  `json:"traderId"`

	OpeningDate          time.Time `json:"openingDate"`
	DisputeOpenerIsBuyer bool      `json:"disputeOpenerIsBuyer"`
	DisputeOpenerIsMaker bool      `json:"disputeOpenerIsMaker"`
	// IsOpener is true only on the record owned by the party who escalated.
	IsOpener bool `json:"isOpener"`

	TraderPubKeyRing keyring.PubKeyRing `json:"traderPubKeyRing"`
	AgentPubKeyRing  keyring.PubKeyRing `json:"agentPubKeyRing"`

	TradeDate      time.Time `json:"tradeDate"`
	TradePeriodEnd time.Time `json:"tradePeriodEnd"`

	Contract               *contract.Contract `json:"contract"`
	ContractHash           string             `json:"contractHash"`
	ContractAsJSON         string             `json:"contractAsJson"`
	MakerContractSignature string             `json:"makerContractSignature,omitempty"`
	TakerContractSignature string             `json:"takerContractSignature,omitempty"`

	MakerPaymentAccountPayloadHash string `json:"makerPaymentAccountPayloadHash"`
	TakerPaymentAccountPayloadHash string `json:"takerPaymentAccountPayloadHash"`

	DonationAddress    string `json:"donationAddress,omitempty"`
	PayoutTxSerialized string `json:"payoutTxSerialized,omitempty"`
	PayoutTxID         string `json:"payoutTxId,omitempty"`

	SupportType SupportType    `json:"supportType"`
	State       State          `json:"state"`
	Result      *DisputeResult `json:"result,omitempty"`

	// ChatLog is append-only and never reordered.
	ChatLog []*ChatMessage `json:"chatLog"`

	// Cleared marks that the retention pass wiped sensitive fields.
	Cleared bool `json:"cleared,omitempty"`
}

// DisputeID derives the synthetic ticket id from its key.
func DisputeID(tradeID string, traderID int64) string {
	return tradeID + "_" + strconv.FormatInt(traderID, 10)
}

// IsClosed reports whether the ticket reached its terminal state.
func (d *Dispute) IsClosed() bool {
	return d.State == StateClosed
}

// SellerPaymentAccountPayloadHash returns the hash this ticket records for
// the seller side's payment account payload.
func (d *Dispute) SellerPaymentAccountPayloadHash() string {
	if d.Contract != nil && d.Contract.MakerIsBuyer {
		return d.TakerPaymentAccountPayloadHash
	}
	return d.MakerPaymentAccountPayloadHash
}

// hasSignedSummary reports whether the signed closing summary was already
// attached to the chat log. Keeps the close flow idempotent.
func (d *Dispute) hasSignedSummary() bool {
	return d.Result != nil && d.Result.ChatMessage != nil && d.Result.ChatMessage.Message != ""
}

// clearSensitiveData wipes fields that are not needed once the retention
// cutoff has passed. Idempotent.
func (d *Dispute) clearSensitiveData() bool {
	if d.Cleared {
		return false
	}
	d.ContractAsJSON = ""
	d.MakerContractSignature = ""
	d.TakerContractSignature = ""
	d.MakerPaymentAccountPayloadHash = ""
	d.TakerPaymentAccountPayloadHash = ""
	d.PayoutTxSerialized = ""
	for _, m := range d.ChatLog {
		if !m.IsSystemMessage {
			m.Message = ""
		}
	}
	d.Cleared = true
	return true
}
