package matching

import (
	"github.com/google/uuid"
	"github.com/qtrade/pms-engine/internal/params"
	"github.com/qtrade/pms-engine/internal/types"
)

// Context carries everything a matcher consults for one (order, bar)
// pairing. Portfolio is the pass-private working copy of the ledger (nil
// when the portfolio could not be loaded). VolumeCap points at the
// remaining fillable quantity for this (portfolio, bar) and is shared by
// every order of that portfolio in the pass, so concurrent orders on the
// same symbol cannot collectively over-fill the bar's liquidity.
type Context struct {
	Bar       types.MarketBar
	Params    *params.TradeParams
	Portfolio *types.PositionSchema
	VolumeCap *float64
}

// Result is the outcome of matching a single order: the updated order
// and, when a fill happened, the trade fact recording it.
type Result struct {
	Order *types.Order
	Trade *types.Trade
}

// Matcher turns (order, bar, portfolio snapshot) into an updated order,
// an optional trade and an updated position. It is a total function:
// business-rule violations become order state transitions, never errors.
type Matcher interface {
	Class() types.AssetClass
	Match(order types.Order, ctx *Context) Result
}

// precheck applies the rules common to every asset class. It returns
// true when the order reached a terminal state and matching must stop.
func precheck(order *types.Order, ctx *Context) bool {
	if order.State == types.OrderCancelSubmitted {
		order.State = types.OrderCanceled
		order.StateMessage = types.MsgCancelByUser
		return true
	}
	if order.OrderAmount == 0 {
		order.State = types.OrderFilled
		order.StateMessage = types.MsgNoAmount
		return true
	}
	if order.OrderType == types.OrderTypeLimit && order.LimitPrice <= 0 {
		order.State = types.OrderRejected
		order.StateMessage = types.MsgInvalidPrice
		return true
	}
	if ctx.Portfolio == nil {
		order.State = types.OrderError
		order.StateMessage = types.MsgInvalidPortfolio
		return true
	}
	return false
}

// execPrice is the bar's open adjusted by the configured slippage in the
// direction that hurts the taker. Limit orders with a positive price are
// treated as immediately marketable at open; there is no resting book.
func execPrice(order *types.Order, ctx *Context) float64 {
	return ctx.Bar.Open + float64(order.Direction)*ctx.Params.Slippage
}

// drawVolume takes up to want from the pass's remaining volume ceiling,
// floored to the board lot.
func drawVolume(want float64, ctx *Context) float64 {
	if ctx.VolumeCap != nil && want > *ctx.VolumeCap {
		want = *ctx.VolumeCap
	}
	lot := ctx.Params.BoardLot
	if lot > 1 {
		want = float64(int64(want/lot)) * lot
	} else {
		want = float64(int64(want))
	}
	if want < 0 {
		want = 0
	}
	return want
}

func consumeVolume(amount float64, ctx *Context) {
	if ctx.VolumeCap != nil {
		*ctx.VolumeCap -= amount
	}
}

func newTrade(order *types.Order, price, amount, commission, slippage float64, ctx *Context) *types.Trade {
	return &types.Trade{
		TradeID:       "TRD_" + uuid.New().String(),
		OrderID:       order.OrderID,
		PortfolioID:   order.PortfolioID,
		Symbol:        order.Symbol,
		Direction:     order.Direction,
		OffsetFlag:    order.OffsetFlag,
		FilledAmount:  amount,
		TransactPrice: price,
		Commission:    commission,
		Slippage:      slippage,
		TradingDay:    order.TradingDay,
		TradeTime:     ctx.Bar.BarMinute,
	}
}
