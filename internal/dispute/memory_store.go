package dispute

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
// Tickets are stored as JSON snapshots so stored data never shares pointers
// with the runtime list.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	order   []string
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (m *MemoryStore) Upsert(ctx context.Context, d *Dispute) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[d.ID]; !ok {
		m.order = append(m.order, d.ID)
	}
	m.records[d.ID] = data
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.records[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	var d Dispute
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (m *MemoryStore) ListByTrade(ctx context.Context, tradeID string) ([]*Dispute, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var result []*Dispute
	for _, d := range all {
		if d.TradeID == tradeID {
			result = append(result, d)
		}
	}
	return result, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Dispute, 0, len(m.order))
	for _, id := range m.order {
		var d Dispute
		if err := json.Unmarshal(m.records[id], &d); err != nil {
			return nil, err
		}
		result = append(result, &d)
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
