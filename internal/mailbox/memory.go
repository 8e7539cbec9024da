package mailbox

import (
	"context"
	"log/slog"
	"sync"

	"github.com/meridianswap/arbiter/internal/keyring"
)

// MemoryTransport is an in-process mailbox for development and tests. It
// models the overlay's store-and-forward semantics: online recipients get the
// message immediately (arrived), known-but-offline recipients get it queued
// (stored in mailbox), unknown recipients are a fault.
type MemoryTransport struct {
	mu       sync.Mutex
	handlers map[string]Handler
	rings    map[string]keyring.PubKeyRing
	online   map[string]bool
	queues   map[string][]Envelope
	logger   *slog.Logger
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport(logger *slog.Logger) *MemoryTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryTransport{
		handlers: make(map[string]Handler),
		rings:    make(map[string]keyring.PubKeyRing),
		online:   make(map[string]bool),
		queues:   make(map[string][]Envelope),
		logger:   logger,
	}
}

// Register attaches a node's inbound handler under its overlay address.
// The node starts online.
func (m *MemoryTransport) Register(addr string, ring keyring.PubKeyRing, h Handler) {
	m.mu.Lock()
	m.handlers[addr] = h
	m.rings[addr] = ring
	m.online[addr] = true
	m.mu.Unlock()
}

// SetOnline flips a node's availability. Going online drains the node's
// mailbox queue in arrival order.
func (m *MemoryTransport) SetOnline(addr string, online bool) {
	m.mu.Lock()
	m.online[addr] = online
	var drained []Envelope
	var h Handler
	if online {
		drained = m.queues[addr]
		m.queues[addr] = nil
		h = m.handlers[addr]
	}
	m.mu.Unlock()

	if h == nil {
		return
	}
	for _, env := range drained {
		env := env
		go h(context.Background(), env)
	}
}

// SendEncryptedMailboxMessage implements Sender. The recipient ring must
// match the ring the recipient registered with; a mismatch means the sender
// is encrypting for the wrong identity and is reported as a fault.
func (m *MemoryTransport) SendEncryptedMailboxMessage(ctx context.Context, to string, toRing keyring.PubKeyRing, env Envelope, cb Callback) {
	m.mu.Lock()
	h, known := m.handlers[to]
	ring := m.rings[to]
	online := m.online[to]
	if known && ring == toRing && !online {
		m.queues[to] = append(m.queues[to], env)
	}
	m.mu.Unlock()

	// Outcomes fire from a goroutine: the caller must never observe the
	// terminal callback while still holding its own locks.
	go func() {
		switch {
		case !known:
			cb.fire(OutcomeFault, "recipient unknown: "+to)
		case ring != toRing:
			cb.fire(OutcomeFault, "recipient key ring mismatch for "+to)
		case !online:
			m.logger.Debug("mailbox message stored for offline recipient",
				"to", to, "messageId", env.ID, "type", env.Type)
			cb.fire(OutcomeStoredInMailbox, "")
		default:
			h(ctx, env)
			cb.fire(OutcomeArrived, "")
		}
	}()
}
