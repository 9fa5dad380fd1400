package matching

import (
	"math"

	"github.com/qtrade/pms-engine/internal/params"
	"github.com/qtrade/pms-engine/internal/types"
)

// FuturesMatcher fills futures orders at the bar's open price. Opens are
// capped by margin headroom against a fresh mark-to-market of the
// portfolio; closes are capped by the opposite-side holding and realize
// P&L into portfolio value.
type FuturesMatcher struct {
	Params params.Provider
}

func (FuturesMatcher) Class() types.AssetClass { return types.AssetClassFutures }

func (m FuturesMatcher) Match(order types.Order, ctx *Context) Result {
	if precheck(&order, ctx) {
		return Result{Order: &order}
	}

	price := execPrice(&order, ctx)

	// Fresh mark-to-market so already-accrued floating P&L counts as
	// buying power, and so a later close realizes nothing twice.
	EvaluateFuturesPortfolio(ctx.Portfolio, map[string]float64{order.Symbol: price}, m.Params)

	if order.OffsetFlag == types.OffsetClose {
		return m.matchClose(order, price, ctx)
	}
	return m.matchOpen(order, price, ctx)
}

func (m FuturesMatcher) matchClose(order types.Order, price float64, ctx *Context) Result {
	pos := ctx.Portfolio.Positions[order.Symbol]

	// A sell close unwinds the long side, a buy close the short side.
	posDir := types.Long
	holding := 0.0
	if pos != nil {
		if order.Direction == types.Short {
			holding = pos.LongAmount
		} else {
			posDir = types.Short
			holding = pos.ShortAmount
		}
	}
	if order.Remaining() > holding {
		order.State = types.OrderError
		order.StateMessage = types.MsgNoEnoughCloseAmount
		return Result{Order: &order}
	}

	fill := drawVolume(order.Remaining(), ctx)
	if fill <= 0 {
		order.State = types.OrderOpen
		return Result{Order: &order}
	}

	par := ctx.Params
	mult := par.Multiplier
	commission := par.Commission.Calculate(price*fill*mult, types.OffsetClose)
	slippage := par.Slippage * fill
	order.ApplyFill(price, fill, commission, slippage)
	consumeVolume(fill, ctx)

	// The closed lots' floating P&L is already in portfolio value from
	// the mark-to-market above; realization only removes the lots and
	// their accrued float from the cache, leaving the remaining
	// position's per-lot margin untouched.
	var realized float64
	if posDir == types.Long {
		realized = (price - pos.LongCost) * fill * mult
		pos.LongAmount -= fill
		if pos.LongAmount == 0 {
			pos.LongCost = 0
		}
	} else {
		realized = (pos.ShortCost - price) * fill * mult
		pos.ShortAmount -= fill
		if pos.ShortAmount == 0 {
			pos.ShortCost = 0
		}
	}
	pos.FloatPnL -= realized
	EvaluateFutures(pos, price, par)

	ctx.Portfolio.PortfolioValue -= commission
	if pos.Empty() {
		delete(ctx.Portfolio.Positions, order.Symbol)
	}
	ctx.Portfolio.Cash = ctx.Portfolio.PortfolioValue - ctx.Portfolio.TotalMargin()

	return Result{
		Order: &order,
		Trade: newTrade(&order, price, fill, commission, slippage, ctx),
	}
}

func (m FuturesMatcher) matchOpen(order types.Order, price float64, ctx *Context) Result {
	par := ctx.Params
	mult := par.Multiplier

	marginPerLot := price * mult * par.MarginRate
	commissionPerLot := par.Commission.Calculate(price*mult, types.OffsetOpen)
	maxLots := math.Floor(ctx.Portfolio.Cash / (marginPerLot + commissionPerLot))
	if maxLots <= 0 {
		order.State = types.OrderRejected
		order.StateMessage = types.MsgNoEnoughMargin
		return Result{Order: &order}
	}

	want := order.Remaining()
	if want > maxLots {
		want = maxLots
	}
	fill := drawVolume(want, ctx)
	if fill <= 0 {
		order.State = types.OrderOpen
		return Result{Order: &order}
	}

	commission := commissionPerLot * fill
	slippage := par.Slippage * fill
	order.ApplyFill(price, fill, commission, slippage)
	consumeVolume(fill, ctx)

	pos := ctx.Portfolio.Position(order.Symbol)
	if order.Direction == types.Long {
		newAmount := pos.LongAmount + fill
		pos.LongCost = (pos.LongCost*pos.LongAmount + price*fill) / newAmount
		pos.LongAmount = newAmount
	} else {
		newAmount := pos.ShortAmount + fill
		pos.ShortCost = (pos.ShortCost*pos.ShortAmount + price*fill) / newAmount
		pos.ShortAmount = newAmount
	}
	// New lots open flat at cost; re-marking here only refreshes margin.
	EvaluateFutures(pos, price, par)

	ctx.Portfolio.PortfolioValue -= commission
	ctx.Portfolio.Cash = ctx.Portfolio.PortfolioValue - ctx.Portfolio.TotalMargin()

	return Result{
		Order: &order,
		Trade: newTrade(&order, price, fill, commission, slippage, ctx),
	}
}
