package dispute

import (
	"encoding/json"
	"fmt"

	"github.com/meridianswap/arbiter/internal/idgen"
	"github.com/meridianswap/arbiter/internal/mailbox"
)

// Mailbox message types carried in the envelope header.
const (
	MsgTypeDisputeOpened = "dispute-opened"
	MsgTypeDisputeClosed = "dispute-closed"
	MsgTypeChat          = "dispute-chat"
	MsgTypeAck           = "dispute-ack"
)

// DisputeOpenedMessage carries a dispute ticket to the arbitrator, or the
// arbitrator's mirrored ticket to the opener's counterparty.
type DisputeOpenedMessage struct {
	Dispute           *Dispute `json:"dispute"`
	SenderMultisigHex string   `json:"senderMultisigHex,omitempty"`
	ReOpen            bool     `json:"reOpen,omitempty"`
}

// DisputeClosedMessage carries the arbitrator's adjudication to a trader.
// PayoutTxHex is set only when the arbitrator holds the countersigned payout;
// DeferPublishPayout tells the recipient to wait before broadcasting because
// the peer is expected to publish imminently.
type DisputeClosedMessage struct {
	TradeID               string         `json:"tradeId"`
	TraderID              int64          `json:"traderId"`
	Result                *DisputeResult `json:"result"`
	SignedSummary         string         `json:"signedSummary"`
	ArbitratorMultisigHex string         `json:"arbitratorMultisigHex,omitempty"`
	PayoutTxHex           string         `json:"payoutTxHex,omitempty"`
	DeferPublishPayout    bool           `json:"deferPublishPayout,omitempty"`
}

// AckMessage reports back to a message's sender whether the receiving node
// processed the referenced message successfully. The transport's arrived
// outcome only says the envelope was handed over; a rejected message (failed
// validation, unknown trade) is invisible to the sender without this.
type AckMessage struct {
	SourceMessageID string `json:"sourceMessageId"`
	SourceType      string `json:"sourceType"`
	Success         bool   `json:"success"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
}

// ChatPayload carries one dispute chat message between parties.
type ChatPayload struct {
	TraderID int64        `json:"traderId"`
	Message  *ChatMessage `json:"message"`
}

// newEnvelope wraps a message in a transport envelope with a fresh message id.
func newEnvelope(msgType, tradeID, senderAddress string, payload interface{}) (mailbox.Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return mailbox.Envelope{}, fmt.Errorf("encode %s message: %w", msgType, err)
	}
	return mailbox.Envelope{
		ID:            idgen.WithPrefix("msg_"),
		Type:          msgType,
		TradeID:       tradeID,
		SenderAddress: senderAddress,
		Body:          body,
	}, nil
}

func decodeBody(env mailbox.Envelope, into interface{}) error {
	if err := json.Unmarshal(env.Body, into); err != nil {
		return fmt.Errorf("decode %s message %s: %w", env.Type, env.ID, err)
	}
	return nil
}
