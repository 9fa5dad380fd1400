package engine

import (
	"sync"
	"time"

	"github.com/qtrade/pms-engine/internal/types"
)

// PriceBook caches the latest observed prices per symbol, shared by the
// agents of every asset class so cross-asset lookups (valuing a transfer,
// marking a portfolio at day end) see one consistent view.
type PriceBook struct {
	mu     sync.RWMutex
	quotes map[string]*quote
}

type quote struct {
	Last     float64
	PreClose float64
	AsOf     time.Time
}

func NewPriceBook() *PriceBook {
	return &PriceBook{quotes: make(map[string]*quote)}
}

// Observe records a bar's prices.
func (b *PriceBook) Observe(bar types.MarketBar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[bar.Symbol] = &quote{
		Last:     bar.Close,
		PreClose: bar.PreClose,
		AsOf:     bar.BarMinute,
	}
}

// Last returns the latest close seen for a symbol.
func (b *PriceBook) Last(symbol string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[symbol]
	if !ok {
		return 0, false
	}
	return q.Last, true
}

// PreClose returns the previous session's close for a symbol.
func (b *PriceBook) PreClose(symbol string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[symbol]
	if !ok || q.PreClose <= 0 {
		return 0, false
	}
	return q.PreClose, true
}

// Marks returns a snapshot of last prices for portfolio valuation.
func (b *PriceBook) Marks() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64, len(b.quotes))
	for sym, q := range b.quotes {
		out[sym] = q.Last
	}
	return out
}
