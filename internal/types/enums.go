package types

// AssetClass identifies which matching agent handles a symbol
type AssetClass string

const (
	AssetClassSecurity AssetClass = "SECURITY"
	AssetClassFutures  AssetClass = "FUTURES"
)

// Direction is the trade direction: +1 buy/long, -1 sell/short
type Direction int

const (
	Long  Direction = 1
	Short Direction = -1
)

// OffsetFlag marks whether a futures order opens a new position or
// closes an existing one. Securities orders always carry OffsetOpen
// for buys and OffsetClose for sells.
type OffsetFlag string

const (
	OffsetOpen  OffsetFlag = "OPEN"
	OffsetClose OffsetFlag = "CLOSE"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderState is the order lifecycle state. Transitions only move forward:
// SUBMITTED/OPEN -> PARTIAL_FILLED -> FILLED, or to a terminal
// REJECTED/CANCELED/ERROR. CANCEL_SUBMITTED is honored the next time the
// order's symbol is matched, so a cancel may still lose to a fill.
type OrderState string

const (
	OrderSubmitted       OrderState = "SUBMITTED"
	OrderOpen            OrderState = "OPEN"
	OrderPartialFilled   OrderState = "PARTIAL_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelSubmitted OrderState = "CANCEL_SUBMITTED"
	OrderCanceled        OrderState = "CANCELED"
	OrderRejected        OrderState = "REJECTED"
	OrderError           OrderState = "ERROR"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderError:
		return true
	}
	return false
}

// Active reports whether the order still belongs in the matching pool.
func (s OrderState) Active() bool {
	return !s.Terminal()
}

// StateMessage explains a non-fill or terminal state so downstream
// consumers never need to parse errors
type StateMessage string

const (
	MsgNone                StateMessage = ""
	MsgNoAmount            StateMessage = "NO_AMOUNT"
	MsgInvalidAmount       StateMessage = "INVALID_AMOUNT"
	MsgInvalidPrice        StateMessage = "INVALID_PRICE"
	MsgInvalidSymbol       StateMessage = "INVALID_SYMBOL"
	MsgInvalidPortfolio    StateMessage = "INVALID_PORTFOLIO"
	MsgNoEnoughCash        StateMessage = "NO_ENOUGH_CASH"
	MsgNoEnoughMargin      StateMessage = "NO_ENOUGH_MARGIN"
	MsgNoEnoughCloseAmount StateMessage = "NO_ENOUGH_CLOSE_AMOUNT"
	MsgUpLimit             StateMessage = "UP_LIMIT"
	MsgDownLimit           StateMessage = "DOWN_LIMIT"
	MsgCancelByUser        StateMessage = "CANCEL_BY_USER"
	MsgContractExpired     StateMessage = "CONTRACT_EXPIRED"
)
