// Package pricefeed provides an advisory fiat price for the traded asset.
// Dispute summaries quote it so the arbitrator sees roughly what the disputed
// funds were worth; it is never used in payout arithmetic.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/meridianswap/arbiter/internal/circuitbreaker"
)

// Feed returns the asset price in the given fiat currency.
type Feed interface {
	Price(ctx context.Context, currency string) float64
}

// StaticFeed always returns a fixed price. Used in demo mode and tests.
type StaticFeed float64

func (f StaticFeed) Price(context.Context, string) float64 { return float64(f) }

// HTTPFeed fetches the price from a feed endpoint with caching.
type HTTPFeed struct {
	mu         sync.RWMutex
	prices     map[string]float64
	lastUpdate map[string]time.Time
	ttl        time.Duration
	fallback   float64
	baseURL    string
	client     *http.Client
	breaker    *circuitbreaker.Breaker
}

// NewHTTPFeed creates a price feed with a fallback price and cache TTL.
func NewHTTPFeed(baseURL string, fallbackPrice float64, cacheTTL time.Duration) *HTTPFeed {
	return &HTTPFeed{
		prices:     make(map[string]float64),
		lastUpdate: make(map[string]time.Time),
		ttl:        cacheTTL,
		fallback:   fallbackPrice,
		baseURL:    baseURL,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		breaker: circuitbreaker.New(3, 30*time.Second),
	}
}

// Price returns the cached price for the currency, refreshing when stale.
// On fetch failure the last known price is served, then the fallback.
func (f *HTTPFeed) Price(ctx context.Context, currency string) float64 {
	f.mu.RLock()
	if time.Since(f.lastUpdate[currency]) < f.ttl && f.prices[currency] > 0 {
		price := f.prices[currency]
		f.mu.RUnlock()
		return price
	}
	f.mu.RUnlock()

	// A feed that keeps failing gets a cool-off instead of a fetch per call.
	if !f.breaker.Allow(currency) {
		f.mu.RLock()
		price := f.prices[currency]
		f.mu.RUnlock()
		if price > 0 {
			return price
		}
		return f.fallback
	}

	newPrice, err := f.fetchPrice(ctx, currency)
	if err != nil {
		f.breaker.RecordFailure(currency)
		// Mark cache as stale so the next call retries immediately
		// instead of serving the stale price until original TTL expires
		f.mu.Lock()
		delete(f.lastUpdate, currency)
		price := f.prices[currency]
		f.mu.Unlock()
		if price > 0 {
			return price
		}
		return f.fallback
	}

	f.breaker.RecordSuccess(currency)

	f.mu.Lock()
	f.prices[currency] = newPrice
	f.lastUpdate[currency] = time.Now()
	f.mu.Unlock()

	return newPrice
}

func (f *HTTPFeed) fetchPrice(ctx context.Context, currency string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.baseURL+"/price?currency="+currency, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price feed returned status %d", resp.StatusCode)
	}

	var result struct {
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode price response: %w", err)
	}

	if result.Price <= 0 {
		return 0, fmt.Errorf("invalid price returned: %f", result.Price)
	}

	return result.Price, nil
}
