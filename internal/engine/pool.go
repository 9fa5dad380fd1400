package engine

import (
	"sync"

	"github.com/qtrade/pms-engine/internal/types"
)

// Pool holds the active orders of one asset class in per-symbol,
// append-ordered buckets (time priority). The embedded mutex is the
// coarse-grained matching lock: one pass serializes matching across all
// symbols of the class, which is the unit of mutual exclusion around the
// per-portfolio ledgers it touches.
type Pool struct {
	mu      sync.Mutex
	buckets map[string][]*types.Order
	seen    map[string]struct{}
}

func NewPool() *Pool {
	return &Pool{
		buckets: make(map[string][]*types.Order),
		seen:    make(map[string]struct{}),
	}
}

// Accept appends orders into their symbol buckets. Each order ID is
// enqueued at most once; re-accepts are ignored.
func (p *Pool) Accept(orders ...*types.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, order := range orders {
		if _, dup := p.seen[order.OrderID]; dup {
			continue
		}
		p.seen[order.OrderID] = struct{}{}
		p.buckets[order.Symbol] = append(p.buckets[order.Symbol], order)
	}
}

// Reset clears all buckets, e.g. at the start of a new trading day.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buckets = make(map[string][]*types.Order)
	p.seen = make(map[string]struct{})
}

// MarkCancel flags an active order for cancellation. The flag is honored
// the next time the order's symbol is matched, so a cancel can still lose
// to a same-bar fill.
func (p *Pool) MarkCancel(orderID string) (*types.Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, bucket := range p.buckets {
		for _, order := range bucket {
			if order.OrderID == orderID && order.State.Active() {
				order.State = types.OrderCancelSubmitted
				return order, true
			}
		}
	}
	return nil, false
}

// Snapshot returns the bucket for a symbol in submission order.
func (p *Pool) Snapshot(symbol string) []*types.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	bucket := p.buckets[symbol]
	out := make([]*types.Order, len(bucket))
	copy(out, bucket)
	return out
}

// ActiveCount reports how many orders are queued across all symbols.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, bucket := range p.buckets {
		n += len(bucket)
	}
	return n
}

// lock/unlock expose the matching lock to the agent's transact pass.
func (p *Pool) lock()   { p.mu.Lock() }
func (p *Pool) unlock() { p.mu.Unlock() }

// replace writes the post-match state of a symbol bucket: updated orders
// keep their slot in time order, terminal ones leave the pool.
func (p *Pool) replace(symbol string, orders []*types.Order) {
	next := orders[:0]
	for _, order := range orders {
		if order.State.Active() {
			next = append(next, order)
		} else {
			delete(p.seen, order.OrderID)
		}
	}
	if len(next) == 0 {
		delete(p.buckets, symbol)
		return
	}
	p.buckets[symbol] = next
}
