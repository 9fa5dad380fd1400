package engine

import (
	"context"
	"testing"
	"time"

	"github.com/qtrade/pms-engine/internal/database"
	"github.com/qtrade/pms-engine/internal/lease"
	"github.com/qtrade/pms-engine/internal/matching"
	"github.com/qtrade/pms-engine/internal/params"
	"github.com/qtrade/pms-engine/internal/store"
	"github.com/qtrade/pms-engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDate = time.Date(2026, 9, 1, 9, 30, 0, 0, time.UTC)

func testProvider() params.Provider {
	expiring := params.Futures("IF2609", 0.12, 300)
	expiring.MaturityDay = "20260901"
	return params.NewStaticProvider(
		params.Security("600000.XSHG"),
		params.Security("600519.XSHG"),
		params.Futures("RB2610", 0.09, 10),
		expiring,
	)
}

func newTestStore(t *testing.T) *store.Database {
	t.Helper()
	gdb, err := database.Open(":memory:")
	require.NoError(t, err)
	return store.NewDatabase(gdb)
}

func newSecurityAgent(t *testing.T, db *store.Database) *Agent {
	t.Helper()
	agent := NewAgent(types.AssetClassSecurity, matching.SecurityMatcher{}, db, testProvider(), lease.NewLocalLocker(), NewPriceBook())
	require.NoError(t, agent.PreTradingDay(context.Background(), testDate))
	return agent
}

func newFuturesAgent(t *testing.T, db *store.Database) *Agent {
	t.Helper()
	provider := testProvider()
	agent := NewAgent(types.AssetClassFutures, matching.FuturesMatcher{Params: provider}, db, provider, lease.NewLocalLocker(), NewPriceBook())
	require.NoError(t, agent.PreTradingDay(context.Background(), testDate))
	return agent
}

func seedPortfolio(t *testing.T, db *store.Database, schema *types.PositionSchema) {
	t.Helper()
	require.NoError(t, db.PutPortfolio(schema))
}

func minuteBar(symbol string, open, volume float64) types.MarketBar {
	return types.MarketBar{
		Symbol:    symbol,
		Open:      open,
		High:      open * 1.01,
		Low:       open * 0.99,
		Close:     open,
		PreClose:  open,
		Volume:    volume,
		BarMinute: testDate.Add(time.Minute),
	}
}

func TestAgent_AcceptOrders_ValidationRejectionsPersist(t *testing.T) {
	db := newTestStore(t)
	agent := newSecurityAgent(t, db)

	accepted, err := agent.AcceptOrders([]*types.Order{
		{PortfolioID: "PORT-001", Symbol: "UNKNOWN", Direction: types.Long, OrderAmount: 100},
		{PortfolioID: "PORT-001", Symbol: "600000.XSHG", Direction: types.Long, OrderAmount: 150},
		{PortfolioID: "PORT-001", Symbol: "600000.XSHG", Direction: types.Short, OffsetFlag: types.OffsetClose, OrderAmount: 100},
		{PortfolioID: "PORT-001", Symbol: "600000.XSHG", Direction: types.Long, OrderAmount: 100, OrderType: types.OrderTypeLimit, LimitPrice: 0},
	})
	require.NoError(t, err)
	require.Len(t, accepted, 4)

	assert.Equal(t, types.OrderRejected, accepted[0].State)
	assert.Equal(t, types.MsgInvalidSymbol, accepted[0].StateMessage)
	assert.Equal(t, types.OrderRejected, accepted[1].State)
	assert.Equal(t, types.MsgInvalidAmount, accepted[1].StateMessage)
	assert.Equal(t, types.OrderRejected, accepted[2].State)
	assert.Equal(t, types.MsgNoEnoughCloseAmount, accepted[2].StateMessage)
	assert.Equal(t, types.OrderRejected, accepted[3].State)
	assert.Equal(t, types.MsgInvalidPrice, accepted[3].StateMessage)

	// Rejections are archived, not dropped, and never reach the pool.
	for _, order := range accepted {
		stored, err := db.GetOrder(order.OrderID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, types.OrderRejected, stored.State)
	}
	assert.Equal(t, 0, agent.pool.ActiveCount())
}

func TestAgent_AcceptOrders_ValidOrderQueued(t *testing.T) {
	db := newTestStore(t)
	agent := newSecurityAgent(t, db)

	accepted, err := agent.AcceptOrders([]*types.Order{
		{PortfolioID: "PORT-001", Symbol: "600000.XSHG", Direction: types.Long, OrderAmount: 200},
	})
	require.NoError(t, err)
	require.Len(t, accepted, 1)

	order := accepted[0]
	assert.Equal(t, types.OrderSubmitted, order.State)
	assert.Equal(t, "20260901", order.TradingDay)
	assert.Equal(t, types.AssetClassSecurity, order.AssetClass)
	assert.NotEmpty(t, order.OrderID)
	assert.Equal(t, 1, agent.pool.ActiveCount())

	stored, err := db.GetOrder(order.OrderID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, types.OrderSubmitted, stored.State)
}

func TestAgent_AcceptOrders_ClientOrderIDIsIdempotent(t *testing.T) {
	db := newTestStore(t)
	agent := newSecurityAgent(t, db)

	submit := func() *types.Order {
		accepted, err := agent.AcceptOrders([]*types.Order{{
			PortfolioID:   "PORT-001",
			ClientOrderID: "CLIENT-42",
			Symbol:        "600000.XSHG",
			Direction:     types.Long,
			OrderAmount:   100,
		}})
		require.NoError(t, err)
		require.Len(t, accepted, 1)
		return accepted[0]
	}

	first := submit()
	second := submit()

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 1, agent.pool.ActiveCount())

	orders, err := db.GetOrders("PORT-001", "", "")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestAgent_TransactMinute_FillCommitsAtomically(t *testing.T) {
	db := newTestStore(t)
	agent := newSecurityAgent(t, db)
	seedPortfolio(t, db, &types.PositionSchema{
		PortfolioID:       "PORT-001",
		TradingDay:        "20260901",
		Cash:              100000,
		Positions:         map[string]*types.Position{},
		PortfolioValue:    100000,
		PrePortfolioValue: 100000,
	})

	accepted, err := agent.AcceptOrders([]*types.Order{
		{PortfolioID: "PORT-001", Symbol: "600000.XSHG", Direction: types.Long, OrderAmount: 300},
	})
	require.NoError(t, err)

	require.NoError(t, agent.TransactMinute(minuteBar("600000.XSHG", 10.0, 1000)))

	// Orders, trades and the ledger all reflect the fill.
	stored, err := db.GetOrder(accepted[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, stored.State)
	assert.Equal(t, 300.0, stored.FilledAmount)

	trades, err := db.GetTrades("PORT-001", "20260901")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, accepted[0].OrderID, trades[0].OrderID)

	schema, err := db.GetPortfolio("PORT-001")
	require.NoError(t, err)
	require.NotNil(t, schema)
	assert.Equal(t, 300.0, schema.Positions["600000.XSHG"].Amount)
	assert.InDelta(t, 100000-10*300-stored.Commission, schema.Cash, 1e-9)

	// The filled order left the pool.
	assert.Equal(t, 0, agent.pool.ActiveCount())
}

func TestAgent_TransactMinute_NoOrdersIsNoOp(t *testing.T) {
	db := newTestStore(t)
	agent := newSecurityAgent(t, db)

	require.NoError(t, agent.TransactMinute(minuteBar("600000.XSHG", 10.0, 1000)))

	// The bar still feeds the price book for later valuation.
	last, ok := agent.prices.Last("600000.XSHG")
	require.True(t, ok)
	assert.Equal(t, 10.0, last)
}

func TestAgent_CancelOrder_HonoredAtNextPass(t *testing.T) {
	db := newTestStore(t)
	agent := newSecurityAgent(t, db)
	seedPortfolio(t, db, &types.PositionSchema{
		PortfolioID: "PORT-001", TradingDay: "20260901",
		Cash: 100000, Positions: map[string]*types.Position{},
	})

	accepted, err := agent.AcceptOrders([]*types.Order{
		{PortfolioID: "PORT-001", Symbol: "600000.XSHG", Direction: types.Long, OrderAmount: 100},
	})
	require.NoError(t, err)
	orderID := accepted[0].OrderID

	require.True(t, agent.CancelOrder(orderID))
	assert.False(t, agent.CancelOrder("ORD-404"))

	// The flag is durable before the pass runs.
	stored, err := db.GetOrder(orderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelSubmitted, stored.State)

	require.NoError(t, agent.TransactMinute(minuteBar("600000.XSHG", 10.0, 1000)))

	stored, err = db.GetOrder(orderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCanceled, stored.State)
	assert.Equal(t, types.MsgCancelByUser, stored.StateMessage)
	assert.Equal(t, 0.0, stored.FilledAmount)
	assert.Equal(t, 0, agent.pool.ActiveCount())
}

func TestAgent_Prepare_RebuildsPoolAfterRestart(t *testing.T) {
	db := newTestStore(t)
	agent := newSecurityAgent(t, db)
	seedPortfolio(t, db, &types.PositionSchema{
		PortfolioID: "PORT-001", TradingDay: "20260901",
		Cash: 100000, Positions: map[string]*types.Position{},
	})

	_, err := agent.AcceptOrders([]*types.Order{
		{PortfolioID: "PORT-001", Symbol: "600000.XSHG", Direction: types.Long, OrderAmount: 100},
	})
	require.NoError(t, err)

	// A fresh agent over the same storage sees the queued order.
	restarted := NewAgent(types.AssetClassSecurity, matching.SecurityMatcher{}, db, testProvider(), lease.NewLocalLocker(), NewPriceBook())
	restarted.tradingDay = "20260901"
	require.NoError(t, restarted.Prepare(context.Background()))
	assert.Equal(t, 1, restarted.pool.ActiveCount())

	require.NoError(t, restarted.TransactMinute(minuteBar("600000.XSHG", 10.0, 1000)))
	assert.Equal(t, 0, restarted.pool.ActiveCount())
}

func TestAgent_Prepare_FailsWhileLeaseHeld(t *testing.T) {
	db := newTestStore(t)
	locker := lease.NewLocalLocker()
	agent := NewAgent(types.AssetClassSecurity, matching.SecurityMatcher{}, db, testProvider(), locker, NewPriceBook())
	agent.tradingDay = "20260901"

	held, err := locker.Acquire(context.Background(), "pms:prepare:SECURITY", time.Minute)
	require.NoError(t, err)

	err = agent.Prepare(context.Background())
	assert.ErrorIs(t, err, lease.ErrNotAcquired)

	require.NoError(t, held.Release())
	require.NoError(t, agent.Prepare(context.Background()))
}

func TestAgent_PreTradingDay_RollsAvailability(t *testing.T) {
	db := newTestStore(t)
	seedPortfolio(t, db, &types.PositionSchema{
		PortfolioID: "PORT-001",
		TradingDay:  "20260831",
		Cash:        50000,
		Positions: map[string]*types.Position{
			"600000.XSHG": {Symbol: "600000.XSHG", Amount: 500, AvailableAmount: 200, Cost: 10},
		},
		PortfolioValue:    55000,
		PrePortfolioValue: 54000,
		DailyReturn:       0.0185,
	})

	agent := newSecurityAgent(t, db)
	assert.Equal(t, "20260901", agent.TradingDay())

	schema, err := db.GetPortfolio("PORT-001")
	require.NoError(t, err)
	require.NotNil(t, schema)
	assert.Equal(t, "20260901", schema.TradingDay)
	// T+1: yesterday's buys are sellable today.
	assert.Equal(t, 500.0, schema.Positions["600000.XSHG"].AvailableAmount)
	assert.Equal(t, 0.0, schema.DailyReturn)

	// A second roll into the same day is a no-op.
	schema.Positions["600000.XSHG"].AvailableAmount = 100
	require.NoError(t, db.PutPortfolio(schema))
	require.NoError(t, agent.PreTradingDay(context.Background(), testDate))
	schema, err = db.GetPortfolio("PORT-001")
	require.NoError(t, err)
	assert.Equal(t, 100.0, schema.Positions["600000.XSHG"].AvailableAmount)
}

func TestAgent_PostTradingDay_SettlesReturns(t *testing.T) {
	db := newTestStore(t)
	agent := newSecurityAgent(t, db)
	seedPortfolio(t, db, &types.PositionSchema{
		PortfolioID: "PORT-001",
		TradingDay:  "20260901",
		Cash:        40000,
		Positions: map[string]*types.Position{
			"600000.XSHG": {Symbol: "600000.XSHG", Amount: 1000, AvailableAmount: 1000, Cost: 10},
		},
		PortfolioValue:    50000,
		PrePortfolioValue: 50000,
	})

	agent.prices.Observe(types.MarketBar{Symbol: "600000.XSHG", Close: 11, PreClose: 10})
	require.NoError(t, agent.PostTradingDay(testDate, map[string]float64{"PORT-001": 0.012}))

	schema, err := db.GetPortfolio("PORT-001")
	require.NoError(t, err)
	require.NotNil(t, schema)
	assert.InDelta(t, 40000+11*1000, schema.PortfolioValue, 1e-9)
	assert.InDelta(t, 51000.0/50000-1, schema.DailyReturn, 1e-9)
	assert.Equal(t, 0.012, schema.BenchmarkReturn)
	assert.Equal(t, schema.PortfolioValue, schema.PrePortfolioValue)
}

func TestAgent_PostTradingDay_ForceClosesMaturedContract(t *testing.T) {
	db := newTestStore(t)
	agent := newFuturesAgent(t, db)
	seedPortfolio(t, db, &types.PositionSchema{
		PortfolioID: "PORT-001",
		TradingDay:  "20260901",
		Cash:        910000,
		Positions: map[string]*types.Position{
			"IF2609": {Symbol: "IF2609", LongAmount: 1, LongCost: 2500, LongMargin: 90000, LastPrice: 2500},
		},
		PortfolioValue:    1000000,
		PrePortfolioValue: 1000000,
	})

	// Settlement price comes from the last observed bar.
	agent.prices.Observe(types.MarketBar{Symbol: "IF2609", Close: 2550, PreClose: 2500})
	require.NoError(t, agent.PostTradingDay(testDate, nil))

	schema, err := db.GetPortfolio("PORT-001")
	require.NoError(t, err)
	require.NotNil(t, schema)
	assert.NotContains(t, schema.Positions, "IF2609")
	// 50 points * multiplier 300 realized, less the closing commission.
	commission := 2550.0 * 300 * 0.0001
	assert.InDelta(t, 1000000+50*300-commission, schema.PortfolioValue, 1e-6)
	assert.InDelta(t, schema.PortfolioValue, schema.Cash, 1e-6)

	orders, err := db.GetOrders("PORT-001", "", "IF2609")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, types.OrderFilled, orders[0].State)
	assert.Equal(t, types.MsgContractExpired, orders[0].StateMessage)
	assert.Equal(t, 1.0, orders[0].FilledAmount)

	trades, err := db.GetTrades("PORT-001", "20260901")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 2550.0, trades[0].TransactPrice)
}

func TestAgent_PostTradingDay_LeavesLiveContractsAlone(t *testing.T) {
	db := newTestStore(t)
	agent := newFuturesAgent(t, db)
	seedPortfolio(t, db, &types.PositionSchema{
		PortfolioID: "PORT-001",
		TradingDay:  "20260901",
		Cash:        92800,
		Positions: map[string]*types.Position{
			"RB2610": {Symbol: "RB2610", LongAmount: 2, LongCost: 4000, LongMargin: 7200, LastPrice: 4000},
		},
		PortfolioValue:    100000,
		PrePortfolioValue: 100000,
	})

	agent.prices.Observe(types.MarketBar{Symbol: "RB2610", Close: 4100})
	require.NoError(t, agent.PostTradingDay(testDate, nil))

	schema, err := db.GetPortfolio("PORT-001")
	require.NoError(t, err)
	require.Contains(t, schema.Positions, "RB2610")
	assert.Equal(t, 2.0, schema.Positions["RB2610"].LongAmount)
	// Marked, not closed: 100 points * 2 lots * multiplier 10.
	assert.InDelta(t, 100000+2000, schema.PortfolioValue, 1e-9)
}

func TestAgent_Evaluate_DoesNotPersist(t *testing.T) {
	db := newTestStore(t)
	agent := newSecurityAgent(t, db)
	seedPortfolio(t, db, &types.PositionSchema{
		PortfolioID: "PORT-001",
		TradingDay:  "20260901",
		Cash:        1000,
		Positions: map[string]*types.Position{
			"600000.XSHG": {Symbol: "600000.XSHG", Amount: 100, AvailableAmount: 100, Cost: 10, LastPrice: 10, Value: 1000},
		},
		PortfolioValue: 2000,
	})

	agent.prices.Observe(types.MarketBar{Symbol: "600000.XSHG", Close: 12})

	schema, err := agent.Evaluate("PORT-001")
	require.NoError(t, err)
	require.NotNil(t, schema)
	assert.InDelta(t, 1000+12*100, schema.PortfolioValue, 1e-9)

	// The stored ledger is untouched until settlement.
	stored, err := db.GetPortfolio("PORT-001")
	require.NoError(t, err)
	assert.InDelta(t, 2000, stored.PortfolioValue, 1e-9)

	missing, err := agent.Evaluate("PORT-404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
