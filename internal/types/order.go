package types

import (
	"math"
	"time"

	"gorm.io/gorm"
)

// Order is the unit of intent flowing through the matching pool. It is
// created by agent validation, mutated only inside a lock-held matching
// pass, and archived once it reaches a terminal state.
type Order struct {
	gorm.Model    `json:"-"`
	OrderID       string       `gorm:"uniqueIndex" json:"order_id"`
	ClientOrderID string       `gorm:"index" json:"client_order_id,omitempty"`
	PortfolioID   string       `gorm:"index" json:"portfolio_id"`
	Symbol        string       `gorm:"index" json:"symbol"`
	AssetClass    AssetClass   `gorm:"index" json:"asset_class"`
	Direction     Direction    `json:"direction"`
	OffsetFlag    OffsetFlag   `json:"offset_flag"`
	OrderAmount   float64      `json:"order_amount"`
	OrderType     OrderType    `json:"order_type"`
	LimitPrice    float64      `json:"limit_price"`
	State         OrderState   `gorm:"index" json:"state"`
	StateMessage  StateMessage `json:"state_message"`
	FilledAmount  float64      `json:"filled_amount"`
	TransactPrice float64      `json:"transact_price"`
	Commission    float64      `json:"commission"`
	Slippage      float64      `json:"slippage"`
	TradingDay    string       `gorm:"index" json:"trading_day"`
	OrderTime     time.Time    `json:"order_time"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() float64 {
	return math.Abs(o.OrderAmount) - o.FilledAmount
}

// ApplyFill records a fill, keeping TransactPrice as the cumulative
// fill-weighted average and FilledAmount monotonically non-decreasing.
// State moves to PARTIAL_FILLED or FILLED depending on the remainder.
func (o *Order) ApplyFill(price, amount, commission, slippage float64) {
	if amount <= 0 {
		return
	}
	total := o.FilledAmount + amount
	o.TransactPrice = (o.TransactPrice*o.FilledAmount + price*amount) / total
	o.FilledAmount = total
	o.Commission += commission
	o.Slippage += slippage
	if o.Remaining() <= 0 {
		o.State = OrderFilled
	} else {
		o.State = OrderPartialFilled
	}
}

// Trade is an immutable fill fact, created exactly once per fill.
type Trade struct {
	gorm.Model    `json:"-"`
	TradeID       string     `gorm:"uniqueIndex" json:"trade_id"`
	OrderID       string     `gorm:"index" json:"order_id"`
	PortfolioID   string     `gorm:"index" json:"portfolio_id"`
	Symbol        string     `json:"symbol"`
	Direction     Direction  `json:"direction"`
	OffsetFlag    OffsetFlag `json:"offset_flag"`
	FilledAmount  float64    `json:"filled_amount"`
	TransactPrice float64    `json:"transact_price"`
	Commission    float64    `json:"commission"`
	Slippage      float64    `json:"slippage"`
	TradingDay    string     `gorm:"index" json:"trading_day"`
	TradeTime     time.Time  `json:"trade_time"`
}

// IdempotencyRecord prevents duplicate admission of the same client order
type IdempotencyRecord struct {
	gorm.Model     `json:"-"`
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
