package types

import "time"

// Position is one holding inside a portfolio ledger. Securities use the
// single-sided Amount/AvailableAmount fields; futures use the dual-sided
// long/short amount, cost and margin fields. Value, Profit and margins are
// always recomputed from price and amount, never accumulated.
type Position struct {
	Symbol string `json:"symbol"`

	// securities
	Amount          float64 `json:"amount,omitempty"`
	AvailableAmount float64 `json:"available_amount,omitempty"`
	Cost            float64 `json:"cost,omitempty"`

	// futures
	LongAmount  float64 `json:"long_amount,omitempty"`
	LongCost    float64 `json:"long_cost,omitempty"`
	LongMargin  float64 `json:"long_margin,omitempty"`
	ShortAmount float64 `json:"short_amount,omitempty"`
	ShortCost   float64 `json:"short_cost,omitempty"`
	ShortMargin float64 `json:"short_margin,omitempty"`

	// FloatPnL caches the floating P&L produced by the previous
	// evaluation; the evaluator diffs against it to return only the
	// incremental delta that flows into portfolio value.
	FloatPnL float64 `json:"float_pnl,omitempty"`

	LastPrice float64 `json:"last_price,omitempty"`
	Value     float64 `json:"value"`
	Profit    float64 `json:"profit"`
}

// Empty reports whether the position holds nothing on either side.
func (p *Position) Empty() bool {
	return p.Amount == 0 && p.LongAmount == 0 && p.ShortAmount == 0
}

// PositionSchema is the per-portfolio, per-day ledger: the unit of
// ownership and mutual exclusion. It is read fresh at the start of each
// matching/settlement operation and written back atomically at the end.
type PositionSchema struct {
	PortfolioID       string               `json:"portfolio_id"`
	TradingDay        string               `json:"trading_day"`
	Cash              float64              `json:"cash"`
	Positions         map[string]*Position `json:"positions"`
	PortfolioValue    float64              `json:"portfolio_value"`
	PrePortfolioValue float64              `json:"pre_portfolio_value"`
	DailyReturn       float64              `json:"daily_return"`
	BenchmarkReturn   float64              `json:"benchmark_return"`
}

// Position returns the holding for symbol, creating an empty slot when
// absent so matchers can write through it.
func (s *PositionSchema) Position(symbol string) *Position {
	if s.Positions == nil {
		s.Positions = make(map[string]*Position)
	}
	p, ok := s.Positions[symbol]
	if !ok {
		p = &Position{Symbol: symbol}
		s.Positions[symbol] = p
	}
	return p
}

// TotalMargin sums margin in use across all holdings.
func (s *PositionSchema) TotalMargin() float64 {
	var total float64
	for _, p := range s.Positions {
		total += p.LongMargin + p.ShortMargin
	}
	return total
}

// MarketBar is one per-symbol minute bar from the external feed. PreClose
// is the previous session's close, used for limit-lock detection.
type MarketBar struct {
	Symbol    string    `json:"symbol"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	PreClose  float64   `json:"pre_close"`
	Volume    float64   `json:"volume"`
	BarMinute time.Time `json:"bar_minute"`
}
