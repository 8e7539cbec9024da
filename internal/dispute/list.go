package dispute

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianswap/arbiter/internal/metrics"
)

// Store persists dispute tickets. The in-memory DisputeList is the runtime
// authority; the store is the durability sink behind its fire-and-forget
// persistence requests.
type Store interface {
	Upsert(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	ListByTrade(ctx context.Context, tradeID string) ([]*Dispute, error)
	List(ctx context.Context) ([]*Dispute, error)
}

// DisputeList is the ordered collection of dispute tickets known to this
// node. Every structural mutation and every mutation of a ticket's fields
// happens while holding the list's mutex, because inbound network callbacks
// and local API calls race. Mutations trigger a durable-save request.
type DisputeList struct {
	mu    sync.Mutex
	byID  map[string]*Dispute
	order []*Dispute

	store Store
	log   *slog.Logger

	// persistMu guards the per-ticket write queue. At most one upsert per
	// ticket id is in flight; later snapshots replace queued ones.
	persistMu   sync.Mutex
	persistNext map[string]*Dispute
	persistBusy map[string]bool
}

// NewDisputeList creates a list backed by the given store.
func NewDisputeList(store Store, log *slog.Logger) *DisputeList {
	if log == nil {
		log = slog.Default()
	}
	return &DisputeList{
		byID:        make(map[string]*Dispute),
		store:       store,
		log:         log,
		persistNext: make(map[string]*Dispute),
		persistBusy: make(map[string]bool),
	}
}

// Load populates the list from the store, preserving stored order.
func (l *DisputeList) Load(ctx context.Context) error {
	stored, err := l.store.List(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var open int
	for _, d := range stored {
		if _, ok := l.byID[d.ID]; ok {
			continue
		}
		l.byID[d.ID] = d
		l.order = append(l.order, d)
		if !d.IsClosed() {
			open++
		}
	}
	metrics.OpenDisputes.Add(float64(open))
	return nil
}

// Add appends a ticket if its key is not already present. Returns false when
// a ticket with the same (tradeID, traderID) key already exists.
func (l *DisputeList) Add(d *Dispute) bool {
	l.mu.Lock()
	if _, ok := l.byID[d.ID]; ok {
		l.mu.Unlock()
		return false
	}
	l.byID[d.ID] = d
	l.order = append(l.order, d)
	snap := snapshot(d)
	l.mu.Unlock()

	if !snap.IsClosed() {
		metrics.OpenDisputes.Inc()
	}
	l.requestPersistence(snap)
	return true
}

// Get returns the ticket keyed by (tradeID, traderID).
func (l *DisputeList) Get(tradeID string, traderID int64) (*Dispute, bool) {
	return l.GetByID(DisputeID(tradeID, traderID))
}

// GetByID returns the ticket with the given synthetic id.
func (l *DisputeList) GetByID(id string) (*Dispute, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	return snapshot(d), true
}

// ByTrade returns all tickets for a trade, in insertion order.
func (l *DisputeList) ByTrade(tradeID string) []*Dispute {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Dispute
	for _, d := range l.order {
		if d.TradeID == tradeID {
			out = append(out, snapshot(d))
		}
	}
	return out
}

// All returns every ticket in insertion order.
func (l *DisputeList) All() []*Dispute {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Dispute, 0, len(l.order))
	for _, d := range l.order {
		out = append(out, snapshot(d))
	}
	return out
}

// Mutate applies fn to the ticket with the given id under the list lock,
// then requests persistence. fn must not block on I/O.
func (l *DisputeList) Mutate(id string, fn func(d *Dispute)) bool {
	l.mu.Lock()
	d, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return false
	}
	wasClosed := d.IsClosed()
	fn(d)
	nowClosed := d.IsClosed()
	snap := snapshot(d)
	l.mu.Unlock()

	if !wasClosed && nowClosed {
		metrics.OpenDisputes.Dec()
	}
	l.requestPersistence(snap)
	return true
}

// ClearSensitiveDataBefore wipes sensitive fields of closed tickets opened
// before the cutoff. Returns the ids of the tickets it touched.
func (l *DisputeList) ClearSensitiveDataBefore(cutoff time.Time) []string {
	l.mu.Lock()
	var cleared []*Dispute
	for _, d := range l.order {
		closedAt := d.OpeningDate
		if d.Result != nil && !d.Result.CloseDate.IsZero() {
			closedAt = d.Result.CloseDate
		}
		if d.IsClosed() && closedAt.Before(cutoff) && d.clearSensitiveData() {
			cleared = append(cleared, snapshot(d))
		}
	}
	l.mu.Unlock()

	ids := make([]string, 0, len(cleared))
	for _, snap := range cleared {
		ids = append(ids, snap.ID)
		l.requestPersistence(snap)
	}
	return ids
}

// requestPersistence asks the store for a durable save of one ticket. The
// call never blocks the caller on storage I/O; failures are logged, not
// surfaced, matching the fire-and-forget persistence contract. Writes are
// serialized per ticket id and coalesced to the newest snapshot, so a slow
// upsert can never land after a later one and leave a stale record as the
// final durable state.
func (l *DisputeList) requestPersistence(snap *Dispute) {
	l.persistMu.Lock()
	l.persistNext[snap.ID] = snap
	if l.persistBusy[snap.ID] {
		l.persistMu.Unlock()
		return
	}
	l.persistBusy[snap.ID] = true
	l.persistMu.Unlock()
	go l.drainPersistence(snap.ID)
}

// drainPersistence writes queued snapshots of one ticket until none remain.
// Only one drain loop exists per ticket id at a time.
func (l *DisputeList) drainPersistence(id string) {
	for {
		l.persistMu.Lock()
		snap, ok := l.persistNext[id]
		if !ok {
			delete(l.persistBusy, id)
			l.persistMu.Unlock()
			return
		}
		delete(l.persistNext, id)
		l.persistMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := l.store.Upsert(ctx, snap)
		cancel()
		if err != nil {
			l.log.Warn("dispute persistence request failed", "disputeId", snap.ID, "error", err)
		}
	}
}

// snapshot deep-copies a ticket so readers and the persistence goroutine
// never share mutable state with the list.
func snapshot(d *Dispute) *Dispute {
	cp := *d
	if d.Result != nil {
		res := *d.Result
		if d.Result.ChatMessage != nil {
			msg := *d.Result.ChatMessage
			res.ChatMessage = &msg
		}
		cp.Result = &res
	}
	if d.Contract != nil {
		c := *d.Contract
		cp.Contract = &c
	}
	cp.ChatLog = make([]*ChatMessage, len(d.ChatLog))
	for i, m := range d.ChatLog {
		msg := *m
		cp.ChatLog[i] = &msg
	}
	return &cp
}
