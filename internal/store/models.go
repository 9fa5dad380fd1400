package store

import (
	"encoding/json"
	"fmt"

	"github.com/qtrade/pms-engine/internal/types"
	"gorm.io/gorm"
)

// PortfolioRecord is the persisted form of a portfolio ledger. Positions
// are stored as a JSON column keyed by symbol.
type PortfolioRecord struct {
	gorm.Model        `json:"-"`
	PortfolioID       string  `gorm:"uniqueIndex:idx_portfolio_day" json:"portfolio_id"`
	TradingDay        string  `gorm:"uniqueIndex:idx_portfolio_day" json:"trading_day"`
	Cash              float64 `json:"cash"`
	Positions         string  `json:"positions"` // JSON map[symbol]Position
	PortfolioValue    float64 `json:"portfolio_value"`
	PrePortfolioValue float64 `json:"pre_portfolio_value"`
	DailyReturn       float64 `json:"daily_return"`
	BenchmarkReturn   float64 `json:"benchmark_return"`
}

// ToSchema unmarshals the record into the domain ledger type.
func (r *PortfolioRecord) ToSchema() (*types.PositionSchema, error) {
	schema := &types.PositionSchema{
		PortfolioID:       r.PortfolioID,
		TradingDay:        r.TradingDay,
		Cash:              r.Cash,
		Positions:         make(map[string]*types.Position),
		PortfolioValue:    r.PortfolioValue,
		PrePortfolioValue: r.PrePortfolioValue,
		DailyReturn:       r.DailyReturn,
		BenchmarkReturn:   r.BenchmarkReturn,
	}
	if r.Positions != "" {
		if err := json.Unmarshal([]byte(r.Positions), &schema.Positions); err != nil {
			return nil, fmt.Errorf("failed to decode positions for portfolio %s: %w", r.PortfolioID, err)
		}
	}
	return schema, nil
}

func recordFromSchema(schema *types.PositionSchema) (*PortfolioRecord, error) {
	positions, err := json.Marshal(schema.Positions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode positions for portfolio %s: %w", schema.PortfolioID, err)
	}
	return &PortfolioRecord{
		PortfolioID:       schema.PortfolioID,
		TradingDay:        schema.TradingDay,
		Cash:              schema.Cash,
		Positions:         string(positions),
		PortfolioValue:    schema.PortfolioValue,
		PrePortfolioValue: schema.PrePortfolioValue,
		DailyReturn:       schema.DailyReturn,
		BenchmarkReturn:   schema.BenchmarkReturn,
	}, nil
}
