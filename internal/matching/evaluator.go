package matching

import (
	"github.com/qtrade/pms-engine/internal/params"
	"github.com/qtrade/pms-engine/internal/types"
)

// EvaluateSecurity marks a securities holding to the given price. Value
// and profit are recomputed from cost and amount each call, so repeated
// evaluation at an unchanged price is a no-op.
func EvaluateSecurity(pos *types.Position, price float64) {
	pos.LastPrice = price
	pos.Value = price * pos.Amount
	pos.Profit = (price - pos.Cost) * pos.Amount
}

// EvaluateFutures marks a futures holding to the given price and returns
// the incremental floating-P&L delta since the prior evaluation. Margins
// are recomputed from price, amount and margin rate, never accumulated.
// Only the delta flows into portfolio value; the cached prior value keeps
// commissions and realized P&L applied elsewhere from being counted twice.
func EvaluateFutures(pos *types.Position, price float64, par *params.TradeParams) float64 {
	mult := par.Multiplier
	floating := (price-pos.LongCost)*pos.LongAmount*mult +
		(pos.ShortCost-price)*pos.ShortAmount*mult
	delta := floating - pos.FloatPnL

	pos.FloatPnL = floating
	pos.LastPrice = price
	pos.LongMargin = price * pos.LongAmount * mult * par.MarginRate
	pos.ShortMargin = price * pos.ShortAmount * mult * par.MarginRate
	pos.Profit = floating
	pos.Value = pos.LongMargin + pos.ShortMargin
	return delta
}

// markPrice picks the freshest price for a holding: an explicit mark,
// else the last seen price, else the cost basis.
func markPrice(pos *types.Position, prices map[string]float64) float64 {
	if p, ok := prices[pos.Symbol]; ok && p > 0 {
		return p
	}
	if pos.LastPrice > 0 {
		return pos.LastPrice
	}
	if pos.Cost > 0 {
		return pos.Cost
	}
	if pos.LongAmount >= pos.ShortAmount {
		return pos.LongCost
	}
	return pos.ShortCost
}

// EvaluateSecurityPortfolio marks every holding of a securities ledger
// and refreshes the portfolio value as cash plus holdings value.
func EvaluateSecurityPortfolio(schema *types.PositionSchema, prices map[string]float64) {
	var holdings float64
	for _, pos := range schema.Positions {
		EvaluateSecurity(pos, markPrice(pos, prices))
		holdings += pos.Value
	}
	schema.PortfolioValue = schema.Cash + holdings
}

// EvaluateFuturesPortfolio marks every holding of a futures ledger,
// folds the floating-P&L deltas into portfolio value and rederives cash
// as portfolio value minus total margin in use.
func EvaluateFuturesPortfolio(schema *types.PositionSchema, prices map[string]float64, provider params.Provider) {
	for _, pos := range schema.Positions {
		par, err := provider.Get(pos.Symbol)
		if err != nil {
			continue
		}
		schema.PortfolioValue += EvaluateFutures(pos, markPrice(pos, prices), par)
	}
	schema.Cash = schema.PortfolioValue - schema.TotalMargin()
}
