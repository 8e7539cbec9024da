// Package mailbox provides the store-and-forward message transport used by
// the dispute protocol. A send terminates in exactly one of three outcomes:
//
//   - arrived: the recipient was online and acknowledged the message
//   - stored: the recipient was offline and the message was queued for later
//     pickup (a successful hand-off, not a failure)
//   - fault: the transport could not deliver or store the message
//
// Callers register a callback per send instead of blocking on the remote
// round-trip, so no lock is ever held across a delivery.
package mailbox

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/meridianswap/arbiter/internal/keyring"
	"github.com/meridianswap/arbiter/internal/metrics"
)

// Outcome is the terminal result of one mailbox send.
type Outcome int

const (
	OutcomeArrived Outcome = iota
	OutcomeStoredInMailbox
	OutcomeFault
)

func (o Outcome) String() string {
	switch o {
	case OutcomeArrived:
		return "arrived"
	case OutcomeStoredInMailbox:
		return "stored"
	case OutcomeFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Envelope is one transport unit. Body is an opaque serialized message; the
// transport never inspects it.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	TradeID       string          `json:"tradeId"`
	SenderAddress string          `json:"senderAddress"`
	Body          json.RawMessage `json:"body"`
}

// Callback receives the terminal outcome of a send. Each send invokes exactly
// one of the three functions, exactly once. Nil functions are skipped.
type Callback struct {
	OnArrived         func()
	OnStoredInMailbox func()
	OnFault           func(errorMessage string)
}

func (cb Callback) fire(o Outcome, errorMessage string) {
	metrics.MailboxDeliveriesTotal.WithLabelValues(o.String()).Inc()
	switch o {
	case OutcomeArrived:
		if cb.OnArrived != nil {
			cb.OnArrived()
		}
	case OutcomeStoredInMailbox:
		if cb.OnStoredInMailbox != nil {
			cb.OnStoredInMailbox()
		}
	case OutcomeFault:
		if cb.OnFault != nil {
			cb.OnFault(errorMessage)
		}
	}
}

// Sender delivers encrypted mailbox messages. Implementations must invoke the
// callback asynchronously so callers can release their locks before the
// delivery completes.
type Sender interface {
	SendEncryptedMailboxMessage(ctx context.Context, to string, toRing keyring.PubKeyRing, env Envelope, cb Callback)
}

// Handler processes an inbound envelope on the receiving node.
type Handler func(ctx context.Context, env Envelope)

// PendingTracker records message ids that have not yet reached a terminal
// outcome. It replaces a single "last unacknowledged send" slot so that
// concurrent opens/closes from one manager are all tracked.
type PendingTracker struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewPendingTracker creates an empty tracker.
func NewPendingTracker() *PendingTracker {
	return &PendingTracker{ids: make(map[string]struct{})}
}

// Add marks a message id as in flight.
func (p *PendingTracker) Add(id string) {
	p.mu.Lock()
	p.ids[id] = struct{}{}
	p.mu.Unlock()
}

// Resolve marks a message id as terminally delivered (any outcome).
func (p *PendingTracker) Resolve(id string) {
	p.mu.Lock()
	delete(p.ids, id)
	p.mu.Unlock()
}

// HasPending reports whether any send is still in flight. The host
// application checks this at shutdown to warn about messages that never
// reached a terminal outcome.
func (p *PendingTracker) HasPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids) > 0
}

// Pending returns the in-flight message ids, sorted for stable logging.
func (p *PendingTracker) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.ids))
	for id := range p.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
