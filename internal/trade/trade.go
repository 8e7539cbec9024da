// Package trade holds the narrow view of trades this subsystem needs: lookup
// by id, the monotonic dispute-state field, role resolution against the
// contract's identities, and multisig-export bookkeeping.
package trade

import (
	"errors"
	"sync"
	"time"

	"github.com/meridianswap/arbiter/internal/contract"
	"github.com/meridianswap/arbiter/internal/keyring"
)

var ErrTradeNotFound = errors.New("trade not found")

// DisputeState is the trade-level dispute progress marker. Transitions are
// strictly monotonic: a state is never rewound once reached.
type DisputeState int

const (
	NoDispute DisputeState = iota
	DisputeRequested
	DisputeOpened
	ArbitratorSentDisputeClosedMsg
	ArbitratorSawArrivedDisputeClosedMsg
	ArbitratorStoredInMailboxDisputeClosedMsg
	ArbitratorSendFailedDisputeClosedMsg
)

func (s DisputeState) String() string {
	switch s {
	case NoDispute:
		return "NO_DISPUTE"
	case DisputeRequested:
		return "DISPUTE_REQUESTED"
	case DisputeOpened:
		return "DISPUTE_OPENED"
	case ArbitratorSentDisputeClosedMsg:
		return "ARBITRATOR_SENT_DISPUTE_CLOSED_MSG"
	case ArbitratorSawArrivedDisputeClosedMsg:
		return "ARBITRATOR_SAW_ARRIVED_DISPUTE_CLOSED_MSG"
	case ArbitratorStoredInMailboxDisputeClosedMsg:
		return "ARBITRATOR_STORED_IN_MAILBOX_DISPUTE_CLOSED_MSG"
	case ArbitratorSendFailedDisputeClosedMsg:
		return "ARBITRATOR_SEND_FAILED_DISPUTE_CLOSED_MSG"
	default:
		return "UNKNOWN"
	}
}

// Role identifies which party the local node plays for a given trade.
type Role int

const (
	RoleNone Role = iota
	RoleBuyer
	RoleSeller
	RoleArbitrator
)

func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleSeller:
		return "seller"
	case RoleArbitrator:
		return "arbitrator"
	default:
		return "none"
	}
}

// Trade is the subsystem-local record of one trade. All mutable fields are
// guarded by the trade's own mutex; callers additionally serialize whole
// dispute flows per trade via syncutil.TradeMutex.
type Trade struct {
	ID                     string
	Contract               *contract.Contract
	ContractAsJSON         string
	MakerContractSignature string
	TakerContractSignature string
	TradeDate              time.Time
	TradePeriodEnd         time.Time

	mu              sync.Mutex
	disputeState    DisputeState
	payoutTxID      string // non-empty once a payout tx is published
	multisigExports map[int64]string
	warnings        []string
}

// NewTrade creates a trade record from its signed contract.
func NewTrade(id string, c *contract.Contract, contractJSON, makerSig, takerSig string, tradeDate, periodEnd time.Time) *Trade {
	return &Trade{
		ID:                     id,
		Contract:               c,
		ContractAsJSON:         contractJSON,
		MakerContractSignature: makerSig,
		TakerContractSignature: takerSig,
		TradeDate:              tradeDate,
		TradePeriodEnd:         periodEnd,
		multisigExports:        make(map[int64]string),
	}
}

// DisputeState returns the current dispute state.
func (t *Trade) DisputeState() DisputeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disputeState
}

// AdvanceDisputeState moves the dispute state forward. Regressions are
// ignored and reported as false.
func (t *Trade) AdvanceDisputeState(s DisputeState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s <= t.disputeState {
		return false
	}
	t.disputeState = s
	return true
}

// SetPayoutPublished records the published payout transaction id. The first
// publish wins; later calls are no-ops.
func (t *Trade) SetPayoutPublished(txID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.payoutTxID == "" {
		t.payoutTxID = txID
	}
}

// PayoutPublished reports whether a payout transaction was published for
// this trade, and its id.
func (t *Trade) PayoutPublished() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.payoutTxID != "", t.payoutTxID
}

// SetPeerMultisigHex records the latest multisig export received from a
// trader, keyed by trader id.
func (t *Trade) SetPeerMultisigHex(traderID int64, multisigHex string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if multisigHex != "" {
		t.multisigExports[traderID] = multisigHex
	}
}

// PeerMultisigHex returns the latest multisig export from a trader.
func (t *Trade) PeerMultisigHex(traderID int64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hex, ok := t.multisigExports[traderID]
	return hex, ok
}

// AddWarning attaches a non-fatal processing note to the trade (e.g. a
// payment-account payload mismatch flagged for the arbitrator).
func (t *Trade) AddWarning(w string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.warnings = append(t.warnings, w)
}

// Warnings returns a copy of the attached warnings.
func (t *Trade) Warnings() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.warnings))
	copy(out, t.warnings)
	return out
}

// RoleOf resolves which party the given public-key ring plays in this trade.
func (t *Trade) RoleOf(ring keyring.PubKeyRing) Role {
	switch ring {
	case t.Contract.BuyerPubKeyRing:
		return RoleBuyer
	case t.Contract.SellerPubKeyRing:
		return RoleSeller
	case t.Contract.ArbitratorPubKeyRing:
		return RoleArbitrator
	default:
		return RoleNone
	}
}

// PeerRingOf returns the counterparty ring for a trader ring (buyer<->seller).
func (t *Trade) PeerRingOf(ring keyring.PubKeyRing) (keyring.PubKeyRing, bool) {
	switch ring {
	case t.Contract.BuyerPubKeyRing:
		return t.Contract.SellerPubKeyRing, true
	case t.Contract.SellerPubKeyRing:
		return t.Contract.BuyerPubKeyRing, true
	default:
		return "", false
	}
}

// RingOf returns the public-key ring recorded in the contract for a role.
func (t *Trade) RingOf(role Role) (keyring.PubKeyRing, bool) {
	switch role {
	case RoleBuyer:
		return t.Contract.BuyerPubKeyRing, true
	case RoleSeller:
		return t.Contract.SellerPubKeyRing, true
	case RoleArbitrator:
		return t.Contract.ArbitratorPubKeyRing, true
	default:
		return "", false
	}
}

// NodeAddressOf returns the overlay address recorded in the contract for a role.
func (t *Trade) NodeAddressOf(role Role) string {
	switch role {
	case RoleBuyer:
		return t.Contract.BuyerNodeAddress
	case RoleSeller:
		return t.Contract.SellerNodeAddress
	case RoleArbitrator:
		return t.Contract.ArbitratorNodeAddress
	default:
		return ""
	}
}

// Manager is the registry of trades known to this node.
type Manager struct {
	mu      sync.RWMutex
	trades  map[string]*Trade
	persist func() // fire-and-forget durable-save request
}

// NewManager creates an empty trade registry. persist may be nil.
func NewManager(persist func()) *Manager {
	if persist == nil {
		persist = func() {}
	}
	return &Manager{
		trades:  make(map[string]*Trade),
		persist: persist,
	}
}

// Add registers a trade. Existing entries with the same id are replaced.
func (m *Manager) Add(t *Trade) {
	m.mu.Lock()
	m.trades[t.ID] = t
	m.mu.Unlock()
	m.persist()
}

// Get returns the trade with the given id.
func (m *Manager) Get(id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return t, nil
}

// RequestPersistence asks the host application for a durable save. The call
// never blocks on I/O.
func (m *Manager) RequestPersistence() {
	m.persist()
}
