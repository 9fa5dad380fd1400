package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qtrade/pms-engine/internal/auth"
	"github.com/qtrade/pms-engine/internal/engine"
	"github.com/qtrade/pms-engine/internal/types"
	"github.com/qtrade/pms-engine/pkg/response"
)

// GinHandlers contains HTTP handlers bridging the API surface to the
// broker: order intake, cancellation, queries, the bar feed and the
// trading-day lifecycle.
type GinHandlers struct {
	broker *engine.Broker
}

func NewGinHandlers(broker *engine.Broker) *GinHandlers {
	return &GinHandlers{broker: broker}
}

// AcceptOrdersHandler handles POST requests submitting a batch of orders.
// Every order comes back with a persisted state; invalid ones are
// REJECTED with a state message, never dropped.
func (h *GinHandlers) AcceptOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var orders []*types.Order
		if err := c.ShouldBindJSON(&orders); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if len(orders) == 0 {
			response.BadRequest(c, "at least one order is required")
			return
		}

		accepted, err := h.broker.AcceptOrders(orders)
		response.Handle(c, accepted, err)
	}
}

// CancelOrderHandler handles DELETE requests flagging an order for
// cancellation. The cancel is honored at the next matching pass of the
// order's symbol, so it can still lose to a fill.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		if !h.broker.CancelOrder(orderID) {
			response.NotFound(c, "Order is not active")
			return
		}
		response.Success(c, gin.H{"order_id": orderID, "state": types.OrderCancelSubmitted})
	}
}

// GetOrdersHandler handles GET requests listing a portfolio's orders,
// optionally filtered by state and symbol.
func (h *GinHandlers) GetOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists || auth.GetClientID(claims) == "" {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		portfolioID := c.Query("portfolio_id")
		if portfolioID == "" {
			response.BadRequest(c, "portfolio_id is required")
			return
		}

		orders, err := h.broker.GetOrders(
			portfolioID,
			types.OrderState(c.Query("state")),
			c.Query("symbol"),
		)
		response.Handle(c, orders, err)
	}
}

// GetTradesHandler handles GET requests listing a portfolio's fills.
func (h *GinHandlers) GetTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trades, err := h.broker.GetTrades(c.Param("portfolio_id"), c.Query("trading_day"))
		response.Handle(c, trades, err)
	}
}

// EvaluateHandler marks a portfolio to the latest observed prices and
// returns the refreshed ledger.
func (h *GinHandlers) EvaluateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		schemas, err := h.broker.Evaluate(c.Param("portfolio_id"))
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if len(schemas) == 0 {
			response.NotFound(c, "Portfolio not found")
			return
		}
		response.Success(c, schemas)
	}
}

// InitPortfolioHandler seeds a fresh portfolio ledger with starting cash.
func (h *GinHandlers) InitPortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			PortfolioID string  `json:"portfolio_id" binding:"required"`
			Cash        float64 `json:"cash" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		schema, err := h.broker.InitPortfolio(req.PortfolioID, req.Cash, time.Now())
		response.Handle(c, schema, err)
	}
}

// BarHandler feeds one market bar into the matching engine.
func (h *GinHandlers) BarHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var bar types.MarketBar
		if err := c.ShouldBindJSON(&bar); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if bar.Symbol == "" {
			response.BadRequest(c, "symbol is required")
			return
		}

		if err := h.broker.TransactMinute(bar); err != nil {
			// The pass was not applied; the caller retries the bar wholesale.
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"symbol": bar.Symbol})
	}
}

// PreTradingDayHandler opens a new trading session.
func (h *GinHandlers) PreTradingDayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		date, ok := parseDate(c)
		if !ok {
			return
		}
		if err := h.broker.PreTradingDay(c.Request.Context(), date); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"trading_day": date.Format("20060102")})
	}
}

// PostTradingDayHandler settles the current session.
func (h *GinHandlers) PostTradingDayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		date, ok := parseDate(c)
		if !ok {
			return
		}
		var body struct {
			BenchmarkReturns map[string]float64 `json:"benchmark_returns"`
		}
		_ = c.ShouldBindJSON(&body)

		if err := h.broker.PostTradingDay(date, body.BenchmarkReturns); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"trading_day": date.Format("20060102")})
	}
}

func parseDate(c *gin.Context) (time.Time, bool) {
	raw := c.Query("date")
	if raw == "" {
		return time.Now(), true
	}
	date, err := time.Parse("20060102", raw)
	if err != nil {
		response.BadRequest(c, "date must be YYYYMMDD")
		return time.Time{}, false
	}
	return date, true
}
