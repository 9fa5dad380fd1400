package engine

import (
	"fmt"
	"testing"

	"github.com/qtrade/pms-engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poolOrder(id, symbol string) *types.Order {
	return &types.Order{
		OrderID: id,
		Symbol:  symbol,
		State:   types.OrderOpen,
	}
}

func TestPool_AcceptPreservesTimePriority(t *testing.T) {
	pool := NewPool()
	for i := 0; i < 5; i++ {
		pool.Accept(poolOrder(fmt.Sprintf("ORD-%d", i), "600000.XSHG"))
	}

	snapshot := pool.Snapshot("600000.XSHG")
	require.Len(t, snapshot, 5)
	for i, order := range snapshot {
		assert.Equal(t, fmt.Sprintf("ORD-%d", i), order.OrderID)
	}
}

func TestPool_AcceptDeduplicatesByOrderID(t *testing.T) {
	pool := NewPool()
	order := poolOrder("ORD-1", "600000.XSHG")
	pool.Accept(order)
	pool.Accept(order)
	pool.Accept(poolOrder("ORD-1", "600000.XSHG"))

	assert.Equal(t, 1, pool.ActiveCount())
}

func TestPool_BucketsAreSymbolScoped(t *testing.T) {
	pool := NewPool()
	pool.Accept(
		poolOrder("ORD-1", "600000.XSHG"),
		poolOrder("ORD-2", "600519.XSHG"),
		poolOrder("ORD-3", "600000.XSHG"),
	)

	assert.Len(t, pool.Snapshot("600000.XSHG"), 2)
	assert.Len(t, pool.Snapshot("600519.XSHG"), 1)
	assert.Empty(t, pool.Snapshot("000001.XSHE"))
	assert.Equal(t, 3, pool.ActiveCount())
}

func TestPool_MarkCancelFlagsActiveOrder(t *testing.T) {
	pool := NewPool()
	pool.Accept(poolOrder("ORD-1", "600000.XSHG"))

	order, ok := pool.MarkCancel("ORD-1")
	require.True(t, ok)
	assert.Equal(t, types.OrderCancelSubmitted, order.State)

	// Unknown and terminal orders cannot be flagged.
	_, ok = pool.MarkCancel("ORD-404")
	assert.False(t, ok)

	order.State = types.OrderFilled
	_, ok = pool.MarkCancel("ORD-1")
	assert.False(t, ok)
}

func TestPool_ReplaceDropsTerminalOrders(t *testing.T) {
	pool := NewPool()
	pool.Accept(
		poolOrder("ORD-1", "600000.XSHG"),
		poolOrder("ORD-2", "600000.XSHG"),
		poolOrder("ORD-3", "600000.XSHG"),
	)

	updated := pool.Snapshot("600000.XSHG")
	updated[0].State = types.OrderFilled
	updated[1].State = types.OrderPartialFilled
	updated[2].State = types.OrderRejected

	pool.lock()
	pool.replace("600000.XSHG", updated)
	pool.unlock()

	snapshot := pool.Snapshot("600000.XSHG")
	require.Len(t, snapshot, 1)
	assert.Equal(t, "ORD-2", snapshot[0].OrderID)
}

func TestPool_ReplaceAllTerminalEmptiesBucket(t *testing.T) {
	pool := NewPool()
	pool.Accept(poolOrder("ORD-1", "600000.XSHG"))

	updated := pool.Snapshot("600000.XSHG")
	updated[0].State = types.OrderCanceled

	pool.lock()
	pool.replace("600000.XSHG", updated)
	pool.unlock()

	assert.Empty(t, pool.Snapshot("600000.XSHG"))
	assert.Equal(t, 0, pool.ActiveCount())
}

func TestPool_ResetClearsEverything(t *testing.T) {
	pool := NewPool()
	pool.Accept(poolOrder("ORD-1", "600000.XSHG"), poolOrder("ORD-2", "IF2609"))
	pool.Reset()

	assert.Equal(t, 0, pool.ActiveCount())
	// After a reset the same IDs can be re-admitted, e.g. a rebuild from
	// storage.
	pool.Accept(poolOrder("ORD-1", "600000.XSHG"))
	assert.Equal(t, 1, pool.ActiveCount())
}

func TestPriceBook_ObserveAndMark(t *testing.T) {
	book := NewPriceBook()
	book.Observe(types.MarketBar{Symbol: "600000.XSHG", Close: 10.5, PreClose: 10.0})
	book.Observe(types.MarketBar{Symbol: "600000.XSHG", Close: 10.8, PreClose: 10.0})

	last, ok := book.Last("600000.XSHG")
	require.True(t, ok)
	assert.Equal(t, 10.8, last)

	pre, ok := book.PreClose("600000.XSHG")
	require.True(t, ok)
	assert.Equal(t, 10.0, pre)

	_, ok = book.Last("UNKNOWN")
	assert.False(t, ok)

	marks := book.Marks()
	assert.Equal(t, map[string]float64{"600000.XSHG": 10.8}, marks)
}
