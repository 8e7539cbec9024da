package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianswap/arbiter/internal/contract"
	"github.com/meridianswap/arbiter/internal/idgen"
	"github.com/meridianswap/arbiter/internal/keyring"
	"github.com/meridianswap/arbiter/internal/mailbox"
	"github.com/meridianswap/arbiter/internal/metrics"
	"github.com/meridianswap/arbiter/internal/pricefeed"
	"github.com/meridianswap/arbiter/internal/syncutil"
	"github.com/meridianswap/arbiter/internal/traces"
	"github.com/meridianswap/arbiter/internal/trade"
	"github.com/meridianswap/arbiter/internal/validation"
	"github.com/meridianswap/arbiter/internal/wallet"
)

// Events receives dispute lifecycle notifications for realtime fan-out.
// Implementations must not block.
type Events interface {
	Publish(event string, payload interface{})
}

type noopEvents struct{}

func (noopEvents) Publish(string, interface{}) {}

// ManagerConfig carries the node identity and protocol tuning for a Manager.
type ManagerConfig struct {
	KeyRing         *keyring.KeyRing
	NodeAddress     string
	Network         string // mainnet, stagenet, localnet
	DonationAddress string
	MirrorDelay     time.Duration // wait before mirroring an open to the peer
	PriceCurrency   string        // advisory price quotes, default USD
}

// Manager drives the dispute protocol for whichever role this node plays per
// trade: opener, peer, or arbitrator. All mutation for one trade is
// serialized by a per-trade lock; no lock is ever held across a blocking
// network round-trip — mailbox sends only register a callback.
type Manager struct {
	log             *slog.Logger
	keyRing         *keyring.KeyRing
	pubRing         keyring.PubKeyRing
	nodeAddress     string
	network         string
	donationAddress string
	mirrorDelay     time.Duration
	priceCurrency   string

	trades  *trade.Manager
	list    *DisputeList
	sender  mailbox.Sender
	wallets wallet.Service
	prices  pricefeed.Feed
	pending *mailbox.PendingTracker
	locks   *syncutil.TradeMutex
	events  Events

	ackMu      sync.Mutex
	ackTargets map[string]ackTarget
}

// ackTarget locates the chat message that carries the processing-ack flags
// for one outbound message id.
type ackTarget struct {
	disputeID string
	chatMsgID string
}

// NewManager creates a dispute manager.
func NewManager(cfg ManagerConfig, trades *trade.Manager, list *DisputeList, sender mailbox.Sender, wallets wallet.Service, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MirrorDelay <= 0 {
		cfg.MirrorDelay = 3 * time.Second
	}
	if cfg.PriceCurrency == "" {
		cfg.PriceCurrency = "USD"
	}
	return &Manager{
		log:             log,
		keyRing:         cfg.KeyRing,
		pubRing:         cfg.KeyRing.PubKeyRing(),
		nodeAddress:     cfg.NodeAddress,
		network:         cfg.Network,
		donationAddress: cfg.DonationAddress,
		mirrorDelay:     cfg.MirrorDelay,
		priceCurrency:   cfg.PriceCurrency,
		trades:          trades,
		list:            list,
		sender:          sender,
		wallets:         wallets,
		pending:         mailbox.NewPendingTracker(),
		locks:           syncutil.NewTradeMutex(),
		events:          noopEvents{},
		ackTargets:      make(map[string]ackTarget),
	}
}

// WithPriceFeed attaches an advisory price feed. Prices never affect payout
// correctness; they only annotate chat for the arbitrator.
func (m *Manager) WithPriceFeed(f pricefeed.Feed) *Manager {
	m.prices = f
	return m
}

// WithEvents attaches a realtime event sink.
func (m *Manager) WithEvents(e Events) *Manager {
	m.events = e
	return m
}

// PubKeyRing returns this node's public-key ring.
func (m *Manager) PubKeyRing() keyring.PubKeyRing { return m.pubRing }

// OpenDispute escalates a trade: it creates (or on reOpen, reuses) the local
// dispute ticket and sends it to the arbitrator together with the latest
// multisig export. Delivery is asynchronous with three terminal outcomes;
// only a transport fault is reported back through the chat message's
// SendError field.
func (m *Manager) OpenDispute(ctx context.Context, tradeID string, reOpen bool) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.open", traces.TradeID(tradeID))
	defer span.End()

	t, err := m.trades.Get(tradeID)
	if err != nil {
		return nil, err
	}
	role := t.RoleOf(m.pubRing)
	if role != trade.RoleBuyer && role != trade.RoleSeller {
		return nil, ErrNotTradeParty
	}

	unlock, err := m.locks.LockContext(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	traderID := m.pubRing.TraderID()
	d, existing := m.list.Get(tradeID, traderID)
	switch {
	case existing && !reOpen:
		return nil, fmt.Errorf("%w: %s", ErrDisputeAlreadyOpen, tradeID)
	case existing:
		m.list.Mutate(d.ID, func(d *Dispute) {
			d.State = StateOpen
			d.Result = nil
			d.ChatLog = append(d.ChatLog, m.systemMessage(tradeID, "Dispute re-opened."))
		})
		d, _ = m.list.Get(tradeID, traderID)
	default:
		d = m.buildOwnDispute(t, role, traderID)
		d.ChatLog = append(d.ChatLog, m.systemMessage(tradeID, m.openingNote(ctx, t)))
		m.list.Add(d)
	}

	metrics.DisputesOpenedTotal.WithLabelValues(role.String()).Inc()
	m.events.Publish("dispute.opened", d)

	msg := &DisputeOpenedMessage{Dispute: d, ReOpen: reOpen}
	if hex, err := m.exportMultisigHex(ctx, tradeID); err == nil {
		msg.SenderMultisigHex = hex
	} else {
		m.log.Warn("multisig export unavailable at dispute open", "tradeId", tradeID, "error", err)
	}

	env, err := newEnvelope(MsgTypeDisputeOpened, tradeID, m.nodeAddress, msg)
	if err != nil {
		return nil, err
	}

	t.AdvanceDisputeState(trade.DisputeRequested)
	m.trades.RequestPersistence()

	sysMsgID := d.ChatLog[len(d.ChatLog)-1].ID
	m.pending.Add(env.ID)
	m.expectAck(env.ID, d.ID, sysMsgID)
	m.sender.SendEncryptedMailboxMessage(ctx,
		t.Contract.ArbitratorNodeAddress, t.Contract.ArbitratorPubKeyRing, env,
		m.deliveryCallback(env.ID, t, d.ID, sysMsgID, trade.DisputeOpened, trade.DisputeOpened, trade.NoDispute))

	d, _ = m.list.Get(tradeID, traderID)
	return d, nil
}

// buildOwnDispute assembles the local party's ticket from the trade record.
// Only the opener's own contract signature is attached initially.
func (m *Manager) buildOwnDispute(t *trade.Trade, role trade.Role, traderID int64) *Dispute {
	c := t.Contract
	openerIsBuyer := role == trade.RoleBuyer
	openerIsMaker := openerIsBuyer == c.MakerIsBuyer

	d := &Dispute{
		ID:                             DisputeID(t.ID, traderID),
		TradeID:                        t.ID,
		TraderID:                       traderID,
		OpeningDate:                    time.Now(),
		DisputeOpenerIsBuyer:           openerIsBuyer,
		DisputeOpenerIsMaker:           openerIsMaker,
		IsOpener:                       true,
		TraderPubKeyRing:               m.pubRing,
		AgentPubKeyRing:                c.ArbitratorPubKeyRing,
		TradeDate:                      t.TradeDate,
		TradePeriodEnd:                 t.TradePeriodEnd,
		Contract:                       c,
		ContractAsJSON:                 t.ContractAsJSON,
		ContractHash:                   "",
		MakerPaymentAccountPayloadHash: c.MakerPaymentAccountPayloadHash,
		TakerPaymentAccountPayloadHash: c.TakerPaymentAccountPayloadHash,
		DonationAddress:                m.donationAddress,
		SupportType:                    SupportArbitration,
		State:                          StateOpen,
	}
	d.ContractHash = contract.HashJSON(t.ContractAsJSON)
	if openerIsMaker {
		d.MakerContractSignature = t.MakerContractSignature
	} else {
		d.TakerContractSignature = t.TakerContractSignature
	}
	return d
}

// openingNote renders the system chat line for a fresh ticket, with an
// advisory market-price annotation when a feed is configured — flagged
// option trades are decided by the arbitrator, never by the price.
func (m *Manager) openingNote(ctx context.Context, t *trade.Trade) string {
	note := "Dispute opened. The arbitrator has been notified and will review both parties' claims."
	if m.prices == nil {
		return note
	}
	if price := m.prices.Price(ctx, m.priceCurrency); price > 0 {
		note += fmt.Sprintf(" Market price at open: %.2f %s (advisory, possible option trade check).", price, m.priceCurrency)
	}
	return note
}

// HandleMailboxMessage is the inbound dispatch entry registered with the
// transport. Every processed message is answered with an ack carrying the
// processing result; acks themselves are never acked.
func (m *Manager) HandleMailboxMessage(ctx context.Context, env mailbox.Envelope) {
	var err error
	switch env.Type {
	case MsgTypeDisputeOpened:
		err = m.handleDisputeOpened(ctx, env)
	case MsgTypeDisputeClosed:
		err = m.handleDisputeClosed(ctx, env)
	case MsgTypeChat:
		err = m.handleChat(ctx, env)
	case MsgTypeAck:
		m.handleAck(env)
		return
	default:
		m.log.Warn("unknown mailbox message type", "type", env.Type, "messageId", env.ID)
		return
	}
	if err != nil {
		m.log.Error("mailbox message processing failed",
			"type", env.Type, "messageId", env.ID, "tradeId", env.TradeID, "error", err)
	}
	m.sendAck(ctx, env, err)
}

// sendAck reports the processing result of an inbound message back to its
// sender. Best effort: when the sender's ring cannot be resolved the ack is
// skipped with a log line.
func (m *Manager) sendAck(ctx context.Context, src mailbox.Envelope, result error) {
	if src.SenderAddress == "" || src.SenderAddress == m.nodeAddress {
		return
	}
	ring, ok := m.ringForSender(src)
	if !ok {
		m.log.Warn("no key ring for message sender, skipping ack",
			"messageId", src.ID, "sender", src.SenderAddress)
		return
	}
	ack := AckMessage{SourceMessageID: src.ID, SourceType: src.Type, Success: result == nil}
	if result != nil {
		ack.ErrorMessage = result.Error()
	}
	env, err := newEnvelope(MsgTypeAck, src.TradeID, m.nodeAddress, &ack)
	if err != nil {
		m.log.Error("cannot encode ack", "messageId", src.ID, "error", err)
		return
	}
	m.sender.SendEncryptedMailboxMessage(ctx, src.SenderAddress, ring, env, mailbox.Callback{})
}

// ringForSender resolves the sender's public-key ring from the trade
// contract. For dispute-opened messages on an unknown trade it falls back to
// the ring material the ticket itself carries, so a rejected open can still
// be answered.
func (m *Manager) ringForSender(src mailbox.Envelope) (keyring.PubKeyRing, bool) {
	if t, err := m.trades.Get(src.TradeID); err == nil {
		for _, role := range []trade.Role{trade.RoleBuyer, trade.RoleSeller, trade.RoleArbitrator} {
			if t.NodeAddressOf(role) == src.SenderAddress {
				if ring, ok := t.RingOf(role); ok {
					return ring, true
				}
			}
		}
	}
	if src.Type == MsgTypeDisputeOpened {
		var msg DisputeOpenedMessage
		if decodeBody(src, &msg) == nil && msg.Dispute != nil {
			if msg.Dispute.IsOpener {
				return msg.Dispute.TraderPubKeyRing, msg.Dispute.TraderPubKeyRing != ""
			}
			return msg.Dispute.AgentPubKeyRing, msg.Dispute.AgentPubKeyRing != ""
		}
	}
	return "", false
}

// expectAck records where the processing ack for an outbound message should
// be stamped when it comes back.
func (m *Manager) expectAck(msgID, disputeID, chatMsgID string) {
	m.ackMu.Lock()
	m.ackTargets[msgID] = ackTarget{disputeID: disputeID, chatMsgID: chatMsgID}
	m.ackMu.Unlock()
}

// dropAck discards the ack expectation of a message that can no longer be
// answered (the send faulted).
func (m *Manager) dropAck(msgID string) {
	m.ackMu.Lock()
	delete(m.ackTargets, msgID)
	m.ackMu.Unlock()
}

// handleAck stamps the processing result onto the chat message that carried
// the acknowledged send. Acks for unknown message ids are dropped: they
// belong to a previous process lifetime.
func (m *Manager) handleAck(env mailbox.Envelope) {
	var msg AckMessage
	if err := decodeBody(env, &msg); err != nil {
		m.log.Warn("malformed ack", "messageId", env.ID, "error", err)
		return
	}
	m.ackMu.Lock()
	target, ok := m.ackTargets[msg.SourceMessageID]
	delete(m.ackTargets, msg.SourceMessageID)
	m.ackMu.Unlock()
	if !ok {
		m.log.Info("ack for unknown message id", "sourceMessageId", msg.SourceMessageID)
		return
	}
	m.list.Mutate(target.disputeID, func(d *Dispute) {
		for _, c := range d.ChatLog {
			if c.ID == target.chatMsgID {
				c.Acked = msg.Success
				c.AckError = msg.ErrorMessage
				return
			}
		}
		if d.Result != nil && d.Result.ChatMessage != nil && d.Result.ChatMessage.ID == target.chatMsgID {
			d.Result.ChatMessage.Acked = msg.Success
			d.Result.ChatMessage.AckError = msg.ErrorMessage
		}
	})
	if msg.Success {
		m.log.Debug("dispute message processed by peer",
			"sourceMessageId", msg.SourceMessageID, "type", msg.SourceType)
	} else {
		m.log.Warn("peer rejected dispute message",
			"sourceMessageId", msg.SourceMessageID, "type", msg.SourceType, "error", msg.ErrorMessage)
	}
}

// handleDisputeOpened processes an inbound ticket: a trader's open on the
// arbitrator, or the arbitrator's mirror on the opener's counterparty.
func (m *Manager) handleDisputeOpened(ctx context.Context, env mailbox.Envelope) error {
	var msg DisputeOpenedMessage
	if err := decodeBody(env, &msg); err != nil {
		return err
	}
	d := msg.Dispute
	if d == nil || d.Contract == nil {
		return fmt.Errorf("dispute-opened message %s has no ticket", env.ID)
	}

	ctx, span := traces.StartSpan(ctx, "dispute.receive",
		traces.TradeID(d.TradeID), traces.TraderID(d.TraderID), traces.MessageID(env.ID))
	defer span.End()

	unlock, err := m.locks.LockContext(ctx, d.TradeID)
	if err != nil {
		return err
	}
	defer unlock()

	t, err := m.trades.Get(d.TradeID)
	if err != nil {
		return err
	}

	if err := ValidateDisputeData(d); err != nil {
		return err
	}
	if err := ValidateNodeAddresses(d, m.network); err != nil {
		return err
	}
	if err := ValidateSenderNodeAddress(d, env.SenderAddress); err != nil {
		return err
	}
	if existing, ok := m.list.Get(d.TradeID, d.TraderID); ok && existing.ContractHash != d.ContractHash {
		return &ReplayError{*failCheck(d, "replay", "ticket for %s carries a different contract hash than the stored record", d.ID)}
	}
	if expected := m.expectedSenderFor(t, d); env.SenderAddress != expected {
		return &NodeAddressError{*failCheck(d, "sender_address", "message sender %q, expected %q", env.SenderAddress, expected)}
	}

	// A mismatched payment-account payload is flagged, not fatal: the
	// arbitrator still needs to see the ticket to judge the tampering claim.
	if err := ValidatePaymentAccountPayload(d); err != nil {
		m.log.Warn("payment account payload mismatch", "disputeId", d.ID, "error", err)
		t.AddWarning(err.Error())
	}

	t.SetPeerMultisigHex(d.TraderID, msg.SenderMultisigHex)

	localRole := t.RoleOf(m.pubRing)
	if m.list.Add(d) {
		t.AdvanceDisputeState(trade.DisputeOpened)
		m.events.Publish("dispute.opened", d)
	} else {
		// Expected when both traders escalate independently before the
		// arbitrator's mirror lands.
		m.log.Info("duplicate dispute receipt ignored", "disputeId", d.ID, "sender", env.SenderAddress)
	}
	m.trades.RequestPersistence()

	if localRole == trade.RoleArbitrator && d.IsOpener {
		// Delay the mirror so a near-simultaneous open from the peer wins
		// over the synthetic mirror.
		mirror := snapshot(d)
		time.AfterFunc(m.mirrorDelay, func() {
			m.sendDisputeOpenedMessageToPeer(context.Background(), t, mirror)
		})
	}
	return nil
}

// expectedSenderFor resolves the only address allowed to deliver a ticket:
// the owning trader when we are the arbitrator, the arbitrator otherwise.
func (m *Manager) expectedSenderFor(t *trade.Trade, d *Dispute) string {
	if t.RoleOf(m.pubRing) == trade.RoleArbitrator {
		return t.NodeAddressOf(t.RoleOf(d.TraderPubKeyRing))
	}
	return t.Contract.ArbitratorNodeAddress
}

// sendDisputeOpenedMessageToPeer mirrors an opener's ticket to the
// counterparty. Skipped when the peer escalated on their own in the
// meantime.
func (m *Manager) sendDisputeOpenedMessageToPeer(ctx context.Context, t *trade.Trade, opener *Dispute) {
	peerRing, ok := t.PeerRingOf(opener.TraderPubKeyRing)
	if !ok {
		m.log.Error("cannot mirror dispute: opener ring not a trade party", "disputeId", opener.ID)
		return
	}

	unlock, err := m.locks.LockContext(ctx, t.ID)
	if err != nil {
		return
	}
	defer unlock()

	peerID := peerRing.TraderID()
	if _, ok := m.list.Get(t.ID, peerID); ok {
		m.log.Info("peer opened their own dispute, skipping mirror", "tradeId", t.ID, "peerTraderId", peerID)
		return
	}

	mirror := *opener
	mirror.ID = DisputeID(t.ID, peerID)
	mirror.TraderID = peerID
	mirror.TraderPubKeyRing = peerRing
	mirror.IsOpener = false
	mirror.ChatLog = []*ChatMessage{m.systemMessage(t.ID,
		"Your trading peer opened a dispute. Please check your trade and contact the arbitrator.")}
	m.list.Add(&mirror)
	m.events.Publish("dispute.opened", &mirror)

	msg := &DisputeOpenedMessage{Dispute: &mirror}
	if hex, err := m.exportMultisigHex(ctx, t.ID); err == nil {
		msg.SenderMultisigHex = hex
	}
	env, err := newEnvelope(MsgTypeDisputeOpened, t.ID, m.nodeAddress, msg)
	if err != nil {
		m.log.Error("cannot encode mirror message", "disputeId", mirror.ID, "error", err)
		return
	}

	peerAddr := t.NodeAddressOf(t.RoleOf(peerRing))
	sysMsgID := mirror.ChatLog[0].ID
	m.pending.Add(env.ID)
	m.expectAck(env.ID, mirror.ID, sysMsgID)
	m.sender.SendEncryptedMailboxMessage(ctx, peerAddr, peerRing, env,
		m.deliveryCallback(env.ID, t, mirror.ID, sysMsgID, trade.NoDispute, trade.NoDispute, trade.NoDispute))
}

// ResolveDispute closes both tickets of a trade: it computes the payout,
// signs the closing summary, builds the payout transaction when possible,
// and sends a closed message to each trader. Arbitrator only. Both tickets
// must exist — the arbitrator cannot adjudicate with only one side's claim
// on file.
func (m *Manager) ResolveDispute(ctx context.Context, tradeID string, dec Decision) error {
	ctx, span := traces.StartSpan(ctx, "dispute.resolve",
		traces.TradeID(tradeID), traces.Role(string(dec.Winner)))
	defer span.End()

	t, err := m.trades.Get(tradeID)
	if err != nil {
		return err
	}
	if t.RoleOf(m.pubRing) != trade.RoleArbitrator {
		return ErrNotArbitrator
	}

	payout, err := ComputePayout(t.Contract, dec)
	if err != nil {
		return err
	}

	unlock, err := m.locks.LockContext(ctx, tradeID)
	if err != nil {
		return err
	}
	defer unlock()

	buyerID := t.Contract.BuyerPubKeyRing.TraderID()
	sellerID := t.Contract.SellerPubKeyRing.TraderID()
	dBuyer, okBuyer := m.list.Get(tradeID, buyerID)
	dSeller, okSeller := m.list.Get(tradeID, sellerID)
	if !okBuyer && !okSeller {
		return fmt.Errorf("%w: trade %s", ErrDisputeNotFound, tradeID)
	}
	if !okBuyer || !okSeller {
		return fmt.Errorf("%w: trade %s", ErrPeerDisputeMissing, tradeID)
	}

	tx, err := m.buildPayoutTx(ctx, t, payout, dec.Winner)
	if err != nil {
		return err
	}

	for _, d := range []*Dispute{dBuyer, dSeller} {
		if err := m.closeTicket(ctx, t, d, dec, payout, tx); err != nil {
			return err
		}
	}
	m.trades.RequestPersistence()
	return nil
}

// closeTicket attaches the signed summary and result to one ticket and sends
// the closed message to its trader. Signing happens at most once per ticket.
func (m *Manager) closeTicket(ctx context.Context, t *trade.Trade, d *Dispute, dec Decision, payout Payout, tx *wallet.Tx) error {
	if d.hasSignedSummary() {
		m.log.Info("ticket already carries a signed summary, resending close", "disputeId", d.ID)
	} else {
		res := &DisputeResult{
			TradeID:                d.TradeID,
			TraderID:               d.TraderID,
			Winner:                 dec.Winner,
			Reason:                 dec.Reason,
			SubtractFeeFrom:        payout.SubtractFeeFrom,
			BuyerPayoutBeforeCost:  payout.BuyerAmount,
			SellerPayoutBeforeCost: payout.SellerAmount,
			SummaryNotes:           dec.SummaryNotes,
			CloseDate:              time.Now(),
		}
		signed, err := SignAndApply(m.keyRing, res, BuildSummaryText(d, res, m.nodeAddress))
		if err != nil {
			return err
		}
		sum := m.systemMessage(d.TradeID, signed)
		res.ChatMessage = sum

		wasOpen := !d.IsClosed()
		m.list.Mutate(d.ID, func(d *Dispute) {
			d.Result = res
			d.State = StateClosed
			d.ChatLog = append(d.ChatLog, sum)
			if tx != nil {
				d.PayoutTxID = tx.ID
				d.PayoutTxSerialized = tx.SignedHex
			}
		})
		if wasOpen {
			metrics.DisputesClosedTotal.WithLabelValues(string(dec.Reason)).Inc()
			metrics.DisputeDuration.Observe(time.Since(d.OpeningDate).Seconds())
		}
	}

	d, _ = m.list.Get(d.TradeID, d.TraderID)
	m.events.Publish("dispute.closed", d)

	closed := &DisputeClosedMessage{
		TradeID:       d.TradeID,
		TraderID:      d.TraderID,
		Result:        d.Result,
		SignedSummary: d.Result.ChatMessage.Message,
	}
	if hex, err := m.exportMultisigHex(ctx, d.TradeID); err == nil {
		closed.ArbitratorMultisigHex = hex
	}
	isWinner := (dec.Winner == WinnerBuyer) == (d.TraderPubKeyRing == t.Contract.BuyerPubKeyRing)
	if tx != nil {
		closed.PayoutTxHex = tx.SignedHex
		// The winner publishes first; the loser defers to avoid a
		// double-broadcast race.
		closed.DeferPublishPayout = !isWinner
	}

	env, err := newEnvelope(MsgTypeDisputeClosed, d.TradeID, m.nodeAddress, closed)
	if err != nil {
		return err
	}

	role := t.RoleOf(d.TraderPubKeyRing)
	t.AdvanceDisputeState(trade.ArbitratorSentDisputeClosedMsg)

	m.pending.Add(env.ID)
	m.expectAck(env.ID, d.ID, d.Result.ChatMessage.ID)
	m.sender.SendEncryptedMailboxMessage(ctx, t.NodeAddressOf(role), d.TraderPubKeyRing, env,
		m.deliveryCallback(env.ID, t, d.ID, d.Result.ChatMessage.ID,
			trade.ArbitratorSawArrivedDisputeClosedMsg,
			trade.ArbitratorStoredInMailboxDisputeClosedMsg,
			trade.ArbitratorSendFailedDisputeClosedMsg))
	return nil
}

// handleDisputeClosed processes the arbitrator's adjudication on a trader
// node: verify the summary signature, store the result, and record the
// payout material for publishing.
func (m *Manager) handleDisputeClosed(ctx context.Context, env mailbox.Envelope) error {
	var msg DisputeClosedMessage
	if err := decodeBody(env, &msg); err != nil {
		return err
	}
	if msg.Result == nil {
		return fmt.Errorf("dispute-closed message %s has no result", env.ID)
	}

	unlock, err := m.locks.LockContext(ctx, msg.TradeID)
	if err != nil {
		return err
	}
	defer unlock()

	t, err := m.trades.Get(msg.TradeID)
	if err != nil {
		return err
	}
	if env.SenderAddress != t.Contract.ArbitratorNodeAddress {
		return &NodeAddressError{*failCheck(nil, "sender_address",
			"dispute-closed from %q, expected arbitrator %q", env.SenderAddress, t.Contract.ArbitratorNodeAddress)}
	}

	agents := AgentMap{t.Contract.ArbitratorNodeAddress: t.Contract.ArbitratorPubKeyRing}
	if err := VerifySignature(msg.SignedSummary, agents); err != nil {
		return err
	}

	d, ok := m.list.Get(msg.TradeID, msg.TraderID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDisputeNotFound, DisputeID(msg.TradeID, msg.TraderID))
	}
	m.list.Mutate(d.ID, func(d *Dispute) {
		d.Result = msg.Result
		d.State = StateClosed
		d.ChatLog = append(d.ChatLog, m.systemMessage(d.TradeID, msg.SignedSummary))
		if msg.PayoutTxHex != "" {
			d.PayoutTxSerialized = msg.PayoutTxHex
		}
	})
	m.trades.RequestPersistence()

	d, _ = m.list.Get(msg.TradeID, msg.TraderID)
	m.events.Publish("dispute.closed", d)
	return nil
}

// SendChatMessage appends a chat message to an open ticket and delivers it
// to the other side of the conversation (trader <-> arbitrator).
func (m *Manager) SendChatMessage(ctx context.Context, tradeID string, traderID int64, text string) (*ChatMessage, error) {
	t, err := m.trades.Get(tradeID)
	if err != nil {
		return nil, err
	}
	d, ok := m.list.Get(tradeID, traderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDisputeNotFound, DisputeID(tradeID, traderID))
	}
	if d.IsClosed() {
		return nil, ErrDisputeClosed
	}

	msg := &ChatMessage{
		ID:            m.chatID(),
		SupportType:   d.SupportType,
		TradeID:       tradeID,
		SenderID:      m.pubRing.TraderID(),
		SenderAddress: m.nodeAddress,
		Message:       validation.SanitizeString(text, validation.MaxStringLength),
		Date:          time.Now(),
	}
	m.list.Mutate(d.ID, func(d *Dispute) {
		d.ChatLog = append(d.ChatLog, msg)
	})
	m.events.Publish("dispute.chat", msg)

	var toAddr string
	var toRing keyring.PubKeyRing
	if t.RoleOf(m.pubRing) == trade.RoleArbitrator {
		toRing = d.TraderPubKeyRing
		toAddr = t.NodeAddressOf(t.RoleOf(toRing))
	} else {
		toRing = t.Contract.ArbitratorPubKeyRing
		toAddr = t.Contract.ArbitratorNodeAddress
	}

	env, err := newEnvelope(MsgTypeChat, tradeID, m.nodeAddress, &ChatPayload{TraderID: traderID, Message: msg})
	if err != nil {
		return nil, err
	}
	m.pending.Add(env.ID)
	m.expectAck(env.ID, d.ID, msg.ID)
	m.sender.SendEncryptedMailboxMessage(ctx, toAddr, toRing, env,
		m.deliveryCallback(env.ID, t, d.ID, msg.ID, trade.NoDispute, trade.NoDispute, trade.NoDispute))
	return msg, nil
}

// handleChat appends an inbound chat message to the matching ticket.
func (m *Manager) handleChat(ctx context.Context, env mailbox.Envelope) error {
	var payload ChatPayload
	if err := decodeBody(env, &payload); err != nil {
		return err
	}
	if payload.Message == nil {
		return fmt.Errorf("chat message %s has no body", env.ID)
	}

	unlock, err := m.locks.LockContext(ctx, env.TradeID)
	if err != nil {
		return err
	}
	defer unlock()

	d, ok := m.list.Get(env.TradeID, payload.TraderID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDisputeNotFound, DisputeID(env.TradeID, payload.TraderID))
	}
	payload.Message.Message = validation.SanitizeString(payload.Message.Message, validation.MaxStringLength)
	m.list.Mutate(d.ID, func(d *Dispute) {
		d.ChatLog = append(d.ChatLog, payload.Message)
	})
	m.events.Publish("dispute.chat", payload.Message)
	return nil
}

// deliveryCallback builds the three-outcome terminal callback for one send.
// Each outcome resolves the pending tracker, stamps the carried chat
// message's delivery flags exactly once, advances the trade's dispute state
// when a non-zero target is given, and requests persistence.
func (m *Manager) deliveryCallback(msgID string, t *trade.Trade, disputeID, chatMsgID string, onArrived, onStored, onFault trade.DisputeState) mailbox.Callback {
	stamp := func(fn func(msg *ChatMessage)) {
		m.list.Mutate(disputeID, func(d *Dispute) {
			for _, msg := range d.ChatLog {
				if msg.ID == chatMsgID {
					fn(msg)
					return
				}
			}
			if d.Result != nil && d.Result.ChatMessage != nil && d.Result.ChatMessage.ID == chatMsgID {
				fn(d.Result.ChatMessage)
			}
		})
	}
	advance := func(s trade.DisputeState) {
		if s != trade.NoDispute {
			t.AdvanceDisputeState(s)
		}
		m.trades.RequestPersistence()
	}
	return mailbox.Callback{
		OnArrived: func() {
			m.pending.Resolve(msgID)
			stamp(func(msg *ChatMessage) { msg.Arrived = true })
			advance(onArrived)
			m.log.Debug("dispute message arrived", "messageId", msgID, "disputeId", disputeID)
		},
		OnStoredInMailbox: func() {
			m.pending.Resolve(msgID)
			stamp(func(msg *ChatMessage) { msg.StoredInMailbox = true })
			advance(onStored)
			m.log.Debug("dispute message stored in mailbox", "messageId", msgID, "disputeId", disputeID)
		},
		OnFault: func(errorMessage string) {
			m.pending.Resolve(msgID)
			m.dropAck(msgID)
			ferr := &DeliveryFailedError{TradeID: t.ID, MessageID: msgID, Reason: errorMessage}
			stamp(func(msg *ChatMessage) { msg.SendError = ferr.Error() })
			advance(onFault)
			m.log.Error("dispute message delivery failed", "messageId", msgID,
				"disputeId", disputeID, "error", ferr)
		},
	}
}

// systemMessage creates an append-only system chat entry.
func (m *Manager) systemMessage(tradeID, text string) *ChatMessage {
	return &ChatMessage{
		ID:              m.chatID(),
		SupportType:     SupportArbitration,
		TradeID:         tradeID,
		SenderID:        m.pubRing.TraderID(),
		SenderAddress:   m.nodeAddress,
		IsSystemMessage: true,
		Message:         text,
		Date:            time.Now(),
	}
}

func (m *Manager) chatID() string {
	return idgen.WithPrefix("chat_")
}

func (m *Manager) exportMultisigHex(ctx context.Context, tradeID string) (string, error) {
	if m.wallets == nil {
		return "", errors.New("no wallet service configured")
	}
	w, err := m.wallets.MultisigWallet(ctx, tradeID)
	if err != nil {
		return "", err
	}
	return w.ExportMultisigHex(ctx)
}

// FindDispute returns the ticket keyed by (tradeID, traderID).
func (m *Manager) FindDispute(tradeID string, traderID int64) (*Dispute, error) {
	d, ok := m.list.Get(tradeID, traderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDisputeNotFound, DisputeID(tradeID, traderID))
	}
	return d, nil
}

// FindDisputesByTrade returns every ticket for a trade in insertion order.
func (m *Manager) FindDisputesByTrade(tradeID string) []*Dispute {
	return m.list.ByTrade(tradeID)
}

// FindDisputeByID returns the ticket with the given synthetic id.
func (m *Manager) FindDisputeByID(id string) (*Dispute, error) {
	d, ok := m.list.GetByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDisputeNotFound, id)
	}
	return d, nil
}

// HasPendingMessageAtShutdown reports whether any dispute message never
// reached a terminal delivery outcome. The host warns the operator on
// shutdown when this is true.
func (m *Manager) HasPendingMessageAtShutdown() bool {
	return m.pending.HasPending()
}

// PendingMessageIDs returns the in-flight message ids, sorted.
func (m *Manager) PendingMessageIDs() []string {
	return m.pending.Pending()
}
