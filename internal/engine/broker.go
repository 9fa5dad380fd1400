package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/qtrade/pms-engine/internal/lease"
	"github.com/qtrade/pms-engine/internal/matching"
	"github.com/qtrade/pms-engine/internal/params"
	"github.com/qtrade/pms-engine/internal/store"
	"github.com/qtrade/pms-engine/internal/types"
	"github.com/rs/zerolog/log"
)

// Broker fans requests out to the per-asset-class agents. It is the only
// component aware of the asset-class to implementation mapping; the
// registry is a closed union built at construction, so adding an asset
// class means registering one more matcher here and nothing else.
type Broker struct {
	agents map[types.AssetClass]*Agent
	order  []types.AssetClass
	params params.Provider
	prices *PriceBook
	db     *store.Database
}

// NewBroker constructs an engine instance owning its agents, pools and
// price book. Multiple independent brokers can coexist in one process.
func NewBroker(db *store.Database, provider params.Provider, locker lease.Locker) *Broker {
	prices := NewPriceBook()
	b := &Broker{
		agents: make(map[types.AssetClass]*Agent),
		params: provider,
		prices: prices,
		db:     db,
	}
	b.register(NewAgent(types.AssetClassSecurity, matching.SecurityMatcher{}, db, provider, locker, prices))
	b.register(NewAgent(types.AssetClassFutures, matching.FuturesMatcher{Params: provider}, db, provider, locker, prices))
	return b
}

func (b *Broker) register(agent *Agent) {
	b.agents[agent.Class()] = agent
	b.order = append(b.order, agent.Class())
}

// Agent returns the agent for an asset class.
func (b *Broker) Agent(class types.AssetClass) (*Agent, bool) {
	agent, ok := b.agents[class]
	return agent, ok
}

// AcceptOrders groups the submitted orders by asset class and routes
// each batch to its agent. Orders for unknown symbols come back REJECTED
// from validation rather than being dropped here.
func (b *Broker) AcceptOrders(orders []*types.Order) ([]*types.Order, error) {
	batches := make(map[types.AssetClass][]*types.Order)
	for _, order := range orders {
		class, ok := b.params.Class(order.Symbol)
		if !ok {
			// Let an agent reject it with a persisted terminal state.
			class = b.order[0]
			if order.AssetClass != "" {
				class = order.AssetClass
			}
		}
		batches[class] = append(batches[class], order)
	}

	out := make([]*types.Order, 0, len(orders))
	for _, class := range b.order {
		batch := batches[class]
		if len(batch) == 0 {
			continue
		}
		agent, ok := b.agents[class]
		if !ok {
			return out, fmt.Errorf("no agent registered for asset class %s", class)
		}
		accepted, err := agent.AcceptOrders(batch)
		out = append(out, accepted...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// CancelOrder tries each agent until one owns the order.
func (b *Broker) CancelOrder(orderID string) bool {
	for _, class := range b.order {
		if b.agents[class].CancelOrder(orderID) {
			return true
		}
	}
	return false
}

// GetOrders lists a portfolio's orders across asset classes.
func (b *Broker) GetOrders(portfolioID string, state types.OrderState, symbol string) ([]*types.Order, error) {
	return b.db.GetOrders(portfolioID, state, symbol)
}

// GetTrades lists a portfolio's fills, optionally scoped to one day.
func (b *Broker) GetTrades(portfolioID, tradingDay string) ([]*types.Trade, error) {
	return b.db.GetTrades(portfolioID, tradingDay)
}

// TransactMinute routes a bar to the agent matching its symbol's asset
// class. A bar for an unknown symbol is observed for pricing and
// otherwise a no-op.
func (b *Broker) TransactMinute(bar types.MarketBar) error {
	class, ok := b.params.Class(bar.Symbol)
	if !ok {
		b.prices.Observe(bar)
		log.Debug().Str("symbol", bar.Symbol).Msg("bar for unknown symbol, price recorded only")
		return nil
	}
	return b.agents[class].TransactMinute(bar)
}

// Prepare reconstructs every agent's pool from durable storage.
func (b *Broker) Prepare(ctx context.Context) error {
	for _, class := range b.order {
		if err := b.agents[class].Prepare(ctx); err != nil {
			return err
		}
	}
	return nil
}

// PreTradingDay opens a new session on every agent.
func (b *Broker) PreTradingDay(ctx context.Context, date time.Time) error {
	for _, class := range b.order {
		if err := b.agents[class].PreTradingDay(ctx, date); err != nil {
			return err
		}
	}
	return nil
}

// PostTradingDay settles every agent's portfolios.
func (b *Broker) PostTradingDay(date time.Time, benchmarkReturns map[string]float64) error {
	for _, class := range b.order {
		if err := b.agents[class].PostTradingDay(date, benchmarkReturns); err != nil {
			return err
		}
	}
	return nil
}

// PreClosePriceOf exposes the previous close for cross-asset operations
// such as valuing an inter-account transfer.
func (b *Broker) PreClosePriceOf(symbol string) (float64, bool) {
	return b.prices.PreClose(symbol)
}

// Evaluate marks one portfolio, or every portfolio when portfolioID is
// empty, to the latest observed prices.
func (b *Broker) Evaluate(portfolioID string) (map[string]*types.PositionSchema, error) {
	out := make(map[string]*types.PositionSchema)

	ids := []string{portfolioID}
	if portfolioID == "" {
		schemas, err := b.db.GetAllPortfolios()
		if err != nil {
			return nil, err
		}
		ids = ids[:0]
		for _, schema := range schemas {
			ids = append(ids, schema.PortfolioID)
		}
	}

	for _, id := range ids {
		schema, err := b.db.GetPortfolio(id)
		if err != nil {
			return nil, err
		}
		if schema == nil {
			continue
		}
		class := b.classOfSchema(schema)
		b.agents[class].evaluateSchema(schema, b.prices.Marks())
		out[id] = schema
	}
	return out, nil
}

// InitPortfolio seeds a fresh ledger with starting cash for a trading
// day. Existing ledgers are left untouched.
func (b *Broker) InitPortfolio(portfolioID string, cash float64, date time.Time) (*types.PositionSchema, error) {
	existing, err := b.db.GetPortfolio(portfolioID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	schema := &types.PositionSchema{
		PortfolioID:       portfolioID,
		TradingDay:        date.Format("20060102"),
		Cash:              cash,
		Positions:         make(map[string]*types.Position),
		PortfolioValue:    cash,
		PrePortfolioValue: cash,
	}
	if err := b.db.PutPortfolio(schema); err != nil {
		return nil, err
	}
	return schema, nil
}

// classOfSchema infers which agent should value a ledger from its
// holdings; empty ledgers default to securities valuation, which leaves
// cash-only portfolios unchanged.
func (b *Broker) classOfSchema(schema *types.PositionSchema) types.AssetClass {
	for symbol := range schema.Positions {
		if class, ok := b.params.Class(symbol); ok {
			return class
		}
	}
	return types.AssetClassSecurity
}
