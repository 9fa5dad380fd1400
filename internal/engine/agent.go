package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/qtrade/pms-engine/internal/lease"
	"github.com/qtrade/pms-engine/internal/matching"
	"github.com/qtrade/pms-engine/internal/params"
	"github.com/qtrade/pms-engine/internal/store"
	"github.com/qtrade/pms-engine/internal/types"
	"github.com/rs/zerolog/log"
)

const prepareLeaseTTL = 30 * time.Second

// Agent orchestrates accept/match/settle for one asset class across the
// trading-day lifecycle: pre-trading-day reload, order acceptance,
// minute matching and post-trading-day settlement.
type Agent struct {
	class   types.AssetClass
	matcher matching.Matcher
	pool    *Pool
	db      *store.Database
	params  params.Provider
	locker  lease.Locker
	prices  *PriceBook

	tradingDay string
}

// NewAgent builds an agent owning its own order pool. Engines hold their
// agents by reference; nothing here is process-global, so independent
// engines can coexist in one test process.
func NewAgent(class types.AssetClass, matcher matching.Matcher, db *store.Database, provider params.Provider, locker lease.Locker, prices *PriceBook) *Agent {
	return &Agent{
		class:   class,
		matcher: matcher,
		pool:    NewPool(),
		db:      db,
		params:  provider,
		locker:  locker,
		prices:  prices,
	}
}

func (a *Agent) Class() types.AssetClass { return a.class }

// TradingDay returns the current session in YYYYMMDD form.
func (a *Agent) TradingDay() string { return a.tradingDay }

// PreTradingDay clears transient state, rolls every portfolio ledger
// into the new session and reconstructs the active-order pool from
// durable storage. Portfolios that fail to roll are logged and skipped;
// only storage-level failures abort the batch.
func (a *Agent) PreTradingDay(ctx context.Context, date time.Time) error {
	day := date.Format("20060102")
	logger := log.With().
		Str("asset_class", string(a.class)).
		Str("trading_day", day).
		Str("component", "agent").
		Logger()

	a.tradingDay = day
	a.pool.Reset()

	schemas, err := a.db.GetAllPortfolios()
	if err != nil {
		return fmt.Errorf("failed to load portfolios: %w", err)
	}

	for _, schema := range schemas {
		if !a.ownsSchema(schema) {
			continue
		}
		if schema.TradingDay >= day {
			// Already rolled into this session; a restart mid-day must
			// not re-roll availability.
			continue
		}
		schema.TradingDay = day
		schema.DailyReturn = 0
		if a.class == types.AssetClassSecurity {
			// T+1: yesterday's buys become sellable today.
			for _, pos := range schema.Positions {
				pos.AvailableAmount = pos.Amount
			}
		}
		if err := a.db.PutPortfolio(schema); err != nil {
			return fmt.Errorf("failed to roll portfolio %s: %w", schema.PortfolioID, err)
		}
	}

	logger.Info().Int("portfolios", len(schemas)).Msg("rolled portfolios into new trading day")
	return a.Prepare(ctx)
}

// Prepare rebuilds the order pool from persisted active orders for the
// current session, re-sorted by original submission time. The rebuild
// runs under a bounded-lease distributed lock so two redundant agent
// instances cannot reconstruct from the same persisted state at once.
func (a *Agent) Prepare(ctx context.Context) error {
	held, err := a.locker.Acquire(ctx, "pms:prepare:"+string(a.class), prepareLeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire prepare lease: %w", err)
	}
	defer func() {
		if err := held.Release(); err != nil {
			log.Warn().Err(err).Str("asset_class", string(a.class)).Msg("failed to release prepare lease")
		}
	}()

	orders, err := a.db.GetActiveOrders(a.class, a.tradingDay)
	if err != nil {
		return fmt.Errorf("failed to load active orders: %w", err)
	}

	// Loading a large order archive can eat most of the initial TTL, so
	// extend the lease before swapping the pool. A renewal failure means
	// the lease lapsed and another instance may already be rebuilding.
	if err := held.Renew(ctx, prepareLeaseTTL); err != nil {
		return fmt.Errorf("failed to renew prepare lease: %w", err)
	}

	a.pool.Reset()
	a.pool.Accept(orders...)

	log.Info().
		Str("asset_class", string(a.class)).
		Str("trading_day", a.tradingDay).
		Int("active_orders", len(orders)).
		Msg("order pool reconstructed from storage")
	return nil
}

// AcceptOrders validates and persists each order before it can reach the
// matcher. Invalid orders are persisted as terminal REJECTED, not
// dropped. Orders carrying a client order ID are admitted at most once;
// a duplicate returns the stored order.
func (a *Agent) AcceptOrders(orders []*types.Order) ([]*types.Order, error) {
	logger := log.With().
		Str("asset_class", string(a.class)).
		Str("component", "agent").
		Logger()

	out := make([]*types.Order, 0, len(orders))
	for _, submitted := range orders {
		order := *submitted
		if order.ClientOrderID != "" {
			record, err := a.db.GetIdempotencyRecord(idempotencyKey(a.tradingDay, order.ClientOrderID))
			if err != nil {
				return out, err
			}
			if record != nil {
				existing, err := a.db.GetOrder(record.ResourceID)
				if err != nil {
					return out, err
				}
				if existing != nil {
					out = append(out, existing)
					continue
				}
			}
		}

		order.OrderID = fmt.Sprintf("ORD_%s_%s", a.tradingDay, uuid.New().String())
		order.AssetClass = a.class
		order.TradingDay = a.tradingDay
		order.State = types.OrderSubmitted
		order.StateMessage = types.MsgNone
		order.FilledAmount = 0
		order.TransactPrice = 0
		if order.OrderTime.IsZero() {
			order.OrderTime = time.Now()
		}

		if msg := a.validate(&order); msg != types.MsgNone {
			order.State = types.OrderRejected
			order.StateMessage = msg
			logger.Info().
				Str("order_id", order.OrderID).
				Str("symbol", order.Symbol).
				Str("reason", string(msg)).
				Msg("order rejected at validation")
			if err := a.persistAccepted(&order); err != nil {
				return out, err
			}
			out = append(out, &order)
			continue
		}

		// Persist before admission so a crash in between never silently
		// loses an accepted order.
		if err := a.persistAccepted(&order); err != nil {
			return out, err
		}
		a.pool.Accept(&order)
		out = append(out, &order)
	}
	return out, nil
}

func (a *Agent) persistAccepted(order *types.Order) error {
	if order.ClientOrderID != "" {
		return a.db.SaveOrderWithIdempotency(order, idempotencyKey(a.tradingDay, order.ClientOrderID))
	}
	return a.db.SaveOrder(order)
}

func idempotencyKey(day, clientOrderID string) string {
	return day + ":" + clientOrderID
}

// validate applies the admission rules: tradable symbol, nonzero
// lot-sized amount, limit orders carrying a positive price, and closes
// bounded by the available (not nominal) holding.
func (a *Agent) validate(order *types.Order) types.StateMessage {
	par, err := a.params.Get(order.Symbol)
	if err != nil || par.AssetClass != a.class {
		return types.MsgInvalidSymbol
	}
	amount := math.Abs(order.OrderAmount)
	if amount == 0 {
		return types.MsgInvalidAmount
	}
	if par.BoardLot > 1 && math.Mod(amount, par.BoardLot) != 0 {
		return types.MsgInvalidAmount
	}
	if order.Direction != types.Long && order.Direction != types.Short {
		return types.MsgInvalidAmount
	}
	if order.OrderType == types.OrderTypeLimit && order.LimitPrice <= 0 {
		return types.MsgInvalidPrice
	}

	closing := order.OffsetFlag == types.OffsetClose ||
		(a.class == types.AssetClassSecurity && order.Direction == types.Short)
	if !closing {
		return types.MsgNone
	}

	schema, err := a.db.GetPortfolio(order.PortfolioID)
	if err != nil || schema == nil {
		return types.MsgNoEnoughCloseAmount
	}
	pos := schema.Positions[order.Symbol]
	if pos == nil {
		return types.MsgNoEnoughCloseAmount
	}
	var available float64
	switch {
	case a.class == types.AssetClassSecurity:
		available = pos.AvailableAmount
	case order.Direction == types.Short:
		available = pos.LongAmount
	default:
		available = pos.ShortAmount
	}
	if amount > available {
		return types.MsgNoEnoughCloseAmount
	}
	return types.MsgNone
}

// CancelOrder flags an active order for cancellation. Cancellation is
// opportunistic: the flag is observed at the next matching pass of the
// order's symbol, so it may still fill before then.
func (a *Agent) CancelOrder(orderID string) bool {
	order, ok := a.pool.MarkCancel(orderID)
	if !ok {
		return false
	}
	if err := a.db.SaveOrder(order); err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("failed to persist cancel request")
	}
	return true
}

// GetOrders lists a portfolio's orders, optionally filtered by state and
// symbol.
func (a *Agent) GetOrders(portfolioID string, state types.OrderState, symbol string) ([]*types.Order, error) {
	return a.db.GetOrders(portfolioID, state, symbol)
}

// TransactMinute runs one matching pass for a bar under the pool's
// coarse asset-class lock: load fresh portfolio snapshots, walk the
// symbol's bucket in submission order, commit every change in a single
// transaction and only then mutate the pool. A storage failure leaves
// the pass unapplied so the bar can be retried wholesale.
func (a *Agent) TransactMinute(bar types.MarketBar) error {
	a.prices.Observe(bar)

	a.pool.lock()
	defer a.pool.unlock()

	bucket := a.pool.buckets[bar.Symbol]
	if len(bucket) == 0 {
		return nil
	}

	logger := log.With().
		Str("asset_class", string(a.class)).
		Str("symbol", bar.Symbol).
		Time("bar_minute", bar.BarMinute).
		Str("component", "agent").
		Logger()

	par, err := a.params.Get(bar.Symbol)
	if err != nil {
		logger.Error().Err(err).Msg("no trade params for symbol with queued orders")
		return nil
	}

	// Fresh per-portfolio snapshots and per-(portfolio, bar) volume
	// ceilings shared by every order of that portfolio in this pass.
	snapshots := make(map[string]*types.PositionSchema)
	ceilings := make(map[string]*float64)
	for _, order := range bucket {
		pid := order.PortfolioID
		if _, seen := ceilings[pid]; seen {
			continue
		}
		schema, err := a.db.GetPortfolio(pid)
		if err != nil {
			return fmt.Errorf("failed to load portfolio %s: %w", pid, err)
		}
		snapshots[pid] = schema
		ceiling := bar.Volume * volumeLotFactor(a.class)
		ceilings[pid] = &ceiling
	}

	updated := make([]*types.Order, 0, len(bucket))
	var trades []*types.Trade
	for _, order := range bucket {
		result := a.matcher.Match(*order, &matching.Context{
			Bar:       bar,
			Params:    par,
			Portfolio: snapshots[order.PortfolioID],
			VolumeCap: ceilings[order.PortfolioID],
		})
		updated = append(updated, result.Order)
		if result.Trade != nil {
			trades = append(trades, result.Trade)
		}
	}

	changed := make([]*types.PositionSchema, 0, len(snapshots))
	for _, schema := range snapshots {
		if schema != nil {
			changed = append(changed, schema)
		}
	}

	if err := a.db.CommitMatch(updated, trades, changed); err != nil {
		return fmt.Errorf("failed to commit matching pass: %w", err)
	}
	a.pool.replace(bar.Symbol, updated)

	if len(trades) > 0 {
		logger.Info().
			Int("orders_matched", len(updated)).
			Int("trades", len(trades)).
			Msg("matching pass committed")
	}
	return nil
}

func volumeLotFactor(class types.AssetClass) float64 {
	if class == types.AssetClassSecurity {
		return 100
	}
	return 1
}

// PostTradingDay force-closes matured contracts, marks every portfolio
// and rolls the ledgers into settled end-of-day snapshots. One
// portfolio's failure is logged and skipped, never aborting its
// siblings.
func (a *Agent) PostTradingDay(date time.Time, benchmarkReturns map[string]float64) error {
	day := date.Format("20060102")
	logger := log.With().
		Str("asset_class", string(a.class)).
		Str("trading_day", day).
		Str("component", "agent").
		Logger()

	schemas, err := a.db.GetAllPortfolios()
	if err != nil {
		return fmt.Errorf("failed to load portfolios: %w", err)
	}

	marks := a.prices.Marks()
	settled := 0
	for _, schema := range schemas {
		if !a.ownsSchema(schema) {
			continue
		}
		if err := a.settlePortfolio(schema, marks, day, benchmarkReturns); err != nil {
			logger.Error().Err(err).
				Str("portfolio_id", schema.PortfolioID).
				Msg("portfolio settlement failed, skipping")
			continue
		}
		settled++
	}

	logger.Info().
		Int("portfolios", len(schemas)).
		Int("settled", settled).
		Msg("post trading day completed")
	return nil
}

func (a *Agent) settlePortfolio(schema *types.PositionSchema, marks map[string]float64, day string, benchmarkReturns map[string]float64) error {
	if a.class == types.AssetClassFutures {
		if err := a.forceCloseMatured(schema, marks, day); err != nil {
			return err
		}
	}

	a.evaluateSchema(schema, marks)
	if schema.PrePortfolioValue > 0 {
		schema.DailyReturn = schema.PortfolioValue/schema.PrePortfolioValue - 1
	} else {
		schema.DailyReturn = 0
	}
	if r, ok := benchmarkReturns[schema.PortfolioID]; ok {
		schema.BenchmarkReturn = r
	}
	schema.TradingDay = day
	schema.PrePortfolioValue = schema.PortfolioValue
	return a.db.PutPortfolio(schema)
}

// forceCloseMatured synthesizes FILLED closing orders for expired
// contracts at the settlement price, through the same matcher write path
// as ordinary fills so downstream accounting stays uniform.
func (a *Agent) forceCloseMatured(schema *types.PositionSchema, marks map[string]float64, day string) error {
	for symbol, pos := range schema.Positions {
		par, err := a.params.Get(symbol)
		if err != nil || !par.Matured(day) {
			continue
		}

		price := marks[symbol]
		if price <= 0 {
			price = pos.LastPrice
		}
		if price <= 0 {
			continue
		}

		var closes []*types.Order
		if pos.LongAmount > 0 {
			closes = append(closes, a.syntheticClose(schema.PortfolioID, symbol, types.Short, pos.LongAmount, day))
		}
		if pos.ShortAmount > 0 {
			closes = append(closes, a.syntheticClose(schema.PortfolioID, symbol, types.Long, pos.ShortAmount, day))
		}

		bar := types.MarketBar{
			Symbol: symbol,
			Open:   price, High: price, Low: price, Close: price,
			BarMinute: time.Now(),
		}
		for _, order := range closes {
			result := a.matcher.Match(*order, &matching.Context{
				Bar:       bar,
				Params:    par,
				Portfolio: schema,
			})
			result.Order.StateMessage = types.MsgContractExpired
			var trades []*types.Trade
			if result.Trade != nil {
				trades = append(trades, result.Trade)
			}
			if err := a.db.CommitMatch([]*types.Order{result.Order}, trades, []*types.PositionSchema{schema}); err != nil {
				return fmt.Errorf("failed to persist forced close for %s: %w", symbol, err)
			}
			log.Info().
				Str("portfolio_id", schema.PortfolioID).
				Str("symbol", symbol).
				Float64("settlement_price", price).
				Float64("amount", result.Order.FilledAmount).
				Msg("force-closed matured contract")
		}
	}
	return nil
}

func (a *Agent) syntheticClose(portfolioID, symbol string, direction types.Direction, amount float64, day string) *types.Order {
	return &types.Order{
		OrderID:     fmt.Sprintf("ORD_%s_%s", day, uuid.New().String()),
		PortfolioID: portfolioID,
		Symbol:      symbol,
		AssetClass:  a.class,
		Direction:   direction,
		OffsetFlag:  types.OffsetClose,
		OrderAmount: float64(direction) * amount,
		OrderType:   types.OrderTypeMarket,
		State:       types.OrderSubmitted,
		TradingDay:  day,
		OrderTime:   time.Now(),
	}
}

// ownsSchema reports whether this agent settles the given ledger. A
// ledger belongs to the asset class of its holdings; empty ledgers
// default to the securities agent so cash-only portfolios are settled
// exactly once.
func (a *Agent) ownsSchema(schema *types.PositionSchema) bool {
	for symbol := range schema.Positions {
		if class, ok := a.params.Class(symbol); ok {
			return class == a.class
		}
	}
	return a.class == types.AssetClassSecurity
}

func (a *Agent) evaluateSchema(schema *types.PositionSchema, marks map[string]float64) {
	if a.class == types.AssetClassSecurity {
		matching.EvaluateSecurityPortfolio(schema, marks)
		return
	}
	matching.EvaluateFuturesPortfolio(schema, marks, a.params)
}

// Evaluate marks a portfolio to the latest observed prices and returns
// the refreshed ledger without persisting it.
func (a *Agent) Evaluate(portfolioID string) (*types.PositionSchema, error) {
	schema, err := a.db.GetPortfolio(portfolioID)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, nil
	}
	a.evaluateSchema(schema, a.prices.Marks())
	return schema, nil
}
