package matching

import (
	"github.com/qtrade/pms-engine/internal/types"
)

// Price band beyond which a flat bar (high == low) is treated as locked
// at its daily limit. ST-flagged symbols trade in a tighter band.
const (
	limitLockBand   = 0.0993
	limitLockBandST = 0.0483
)

// SecurityMatcher fills securities orders at the bar's open price.
// Fills floor to the board lot, buys consume cash up front and sells are
// bounded by the available holding.
type SecurityMatcher struct{}

func (SecurityMatcher) Class() types.AssetClass { return types.AssetClassSecurity }

func (SecurityMatcher) Match(order types.Order, ctx *Context) Result {
	if precheck(&order, ctx) {
		return Result{Order: &order}
	}

	price := execPrice(&order, ctx)

	// A flat bar beyond the limit band has no counterparties: buys are
	// locked out at the up limit, sells at the down limit. The order
	// stays open and retries on a later bar.
	if locked, msg := limitLocked(&order, ctx); locked {
		order.State = types.OrderOpen
		order.StateMessage = msg
		return Result{Order: &order}
	}

	remaining := order.Remaining()

	if order.Direction == types.Long {
		if ctx.Portfolio.Cash < price*remaining {
			order.State = types.OrderRejected
			order.StateMessage = types.MsgNoEnoughCash
			return Result{Order: &order}
		}
	} else {
		held := ctx.Portfolio.Positions[order.Symbol]
		if held == nil || held.AvailableAmount <= 0 {
			order.State = types.OrderRejected
			order.StateMessage = types.MsgNoEnoughCloseAmount
			return Result{Order: &order}
		}
		if remaining > held.AvailableAmount {
			remaining = held.AvailableAmount
		}
	}
	fill := drawVolume(remaining, ctx)
	if fill <= 0 {
		// No liquidity left in this bar; retry on the next one without
		// touching the ledger.
		order.State = types.OrderOpen
		return Result{Order: &order}
	}
	pos := ctx.Portfolio.Position(order.Symbol)

	commission := ctx.Params.Commission.Calculate(price*fill, order.OffsetFlag)
	slippage := ctx.Params.Slippage * fill
	order.ApplyFill(price, fill, commission, slippage)
	consumeVolume(fill, ctx)

	if order.Direction == types.Long {
		// Volume-weighted average cost; bought shares become available
		// only after the next pre-trading-day roll.
		newAmount := pos.Amount + fill
		pos.Cost = (pos.Cost*pos.Amount + price*fill) / newAmount
		pos.Amount = newAmount
		ctx.Portfolio.Cash -= price*fill + commission
	} else {
		newAmount := pos.Amount - fill
		if newAmount > 0 {
			pos.Cost = (pos.Cost*pos.Amount - price*fill) / newAmount
		} else {
			pos.Cost = 0
		}
		pos.Amount = newAmount
		pos.AvailableAmount -= fill
		ctx.Portfolio.Cash += price*fill - commission
		if pos.Empty() {
			delete(ctx.Portfolio.Positions, order.Symbol)
		}
	}
	if !pos.Empty() {
		EvaluateSecurity(pos, price)
	}

	return Result{
		Order: &order,
		Trade: newTrade(&order, price, fill, commission, slippage, ctx),
	}
}

// limitLocked detects a full-bar limit lock against the previous close.
func limitLocked(order *types.Order, ctx *Context) (bool, types.StateMessage) {
	bar := ctx.Bar
	if bar.High != bar.Low || bar.PreClose <= 0 {
		return false, types.MsgNone
	}
	band := limitLockBand
	if ctx.Params.STFlag {
		band = limitLockBandST
	}
	change := bar.High/bar.PreClose - 1
	if change > band && order.Direction == types.Long {
		return true, types.MsgUpLimit
	}
	if change < -band && order.Direction == types.Short {
		return true, types.MsgDownLimit
	}
	return false, types.MsgNone
}
