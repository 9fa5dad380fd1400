package params

import (
	"fmt"

	"github.com/qtrade/pms-engine/internal/types"
)

// CommissionSchedule computes the fee for one fill. Rates apply to market
// value with a per-trade minimum floor, quoted separately for the opening
// and closing side the way futures brokers schedule them.
type CommissionSchedule struct {
	OpenRate  float64 `json:"open_rate"`
	CloseRate float64 `json:"close_rate"`
	MinFee    float64 `json:"min_fee"`
}

// Calculate returns the commission for a fill of the given market value.
func (c CommissionSchedule) Calculate(marketValue float64, offset types.OffsetFlag) float64 {
	rate := c.OpenRate
	if offset == types.OffsetClose {
		rate = c.CloseRate
	}
	fee := marketValue * rate
	if fee < c.MinFee {
		fee = c.MinFee
	}
	return fee
}

// TradeParams carries the per-symbol trading parameters the matchers
// consult: margin rate, contract multiplier, slippage and lot convention.
// MaturityDay is empty for securities and non-expiring contracts.
type TradeParams struct {
	Symbol       string             `json:"symbol"`
	AssetClass   types.AssetClass   `json:"asset_class"`
	MarginRate   float64            `json:"margin_rate"`
	Multiplier   float64            `json:"multiplier"`
	MinPriceTick float64            `json:"min_price_tick"`
	Slippage     float64            `json:"slippage"`
	BoardLot     float64            `json:"board_lot"`
	STFlag       bool               `json:"st_flag"`
	MaturityDay  string             `json:"maturity_day,omitempty"`
	Commission   CommissionSchedule `json:"commission"`
}

// Matured reports whether the instrument has expired as of the given
// trading day (YYYYMMDD, lexicographic comparison).
func (p *TradeParams) Matured(tradingDay string) bool {
	return p.MaturityDay != "" && p.MaturityDay <= tradingDay
}

// Provider resolves trading parameters for tradable symbols. Unknown
// symbols are not tradable.
type Provider interface {
	Get(symbol string) (*TradeParams, error)
	Class(symbol string) (types.AssetClass, bool)
	Symbols(class types.AssetClass) []string
}

// StaticProvider is a map-backed Provider seeded at startup, used by the
// simulation and tests.
type StaticProvider struct {
	params map[string]*TradeParams
}

// NewStaticProvider builds a provider over the given parameter set.
func NewStaticProvider(list ...*TradeParams) *StaticProvider {
	m := make(map[string]*TradeParams, len(list))
	for _, p := range list {
		m[p.Symbol] = p
	}
	return &StaticProvider{params: m}
}

// Security returns securities defaults for a symbol: 100-share board lot,
// no leverage, a 2.5bp commission with a 5 unit floor.
func Security(symbol string) *TradeParams {
	return &TradeParams{
		Symbol:     symbol,
		AssetClass: types.AssetClassSecurity,
		Multiplier: 1,
		BoardLot:   100,
		Commission: CommissionSchedule{OpenRate: 0.00025, CloseRate: 0.00025, MinFee: 5},
	}
}

// Futures returns futures defaults for a symbol with the given margin
// rate and contract multiplier.
func Futures(symbol string, marginRate, multiplier float64) *TradeParams {
	return &TradeParams{
		Symbol:     symbol,
		AssetClass: types.AssetClassFutures,
		MarginRate: marginRate,
		Multiplier: multiplier,
		BoardLot:   1,
		Commission: CommissionSchedule{OpenRate: 0.0001, CloseRate: 0.0001},
	}
}

func (s *StaticProvider) Get(symbol string) (*TradeParams, error) {
	p, ok := s.params[symbol]
	if !ok {
		return nil, fmt.Errorf("no trade params for symbol %s", symbol)
	}
	return p, nil
}

func (s *StaticProvider) Class(symbol string) (types.AssetClass, bool) {
	p, ok := s.params[symbol]
	if !ok {
		return "", false
	}
	return p.AssetClass, true
}

func (s *StaticProvider) Symbols(class types.AssetClass) []string {
	var out []string
	for sym, p := range s.params {
		if p.AssetClass == class {
			out = append(out, sym)
		}
	}
	return out
}
