// Package syncutil provides keyed locking primitives shared across subsystems.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// TradeMutex provides a fixed-size pool of channel-based mutexes keyed by
// trade ID. Inbound network handlers, local API calls and timer callbacks
// all serialize on the same shard for the same trade, and callers can bail
// out if their context is cancelled while waiting to acquire a lock.
type TradeMutex struct {
	shards [256]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewTradeMutex creates a new context-aware keyed mutex.
func NewTradeMutex() *TradeMutex {
	m := &TradeMutex{}
	m.init()
	return m
}

func (m *TradeMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// LockContext acquires the mutex for the given trade ID, respecting context
// cancellation. On success, returns an unlock function and nil error. The
// caller MUST call the unlock function when done.
// On context cancellation, returns nil and the context error.
func (m *TradeMutex) LockContext(ctx context.Context, tradeID string) (func(), error) {
	m.init()
	shard := &m.shards[m.shardIdx(tradeID)]

	select {
	case <-shard.ch:
		// Acquired the lock.
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *TradeMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}
