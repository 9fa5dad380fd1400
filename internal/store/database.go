package store

import (
	"errors"
	"time"

	"github.com/qtrade/pms-engine/internal/types"
	"gorm.io/gorm"
)

// Database wraps the GORM connection with the portfolio-store, order
// archive and trade-sink operations the engine consumes.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetPortfolio returns the most recent ledger snapshot for a portfolio,
// or nil when none has been persisted.
func (d *Database) GetPortfolio(portfolioID string) (*types.PositionSchema, error) {
	var record PortfolioRecord
	err := d.db.Where("portfolio_id = ?", portfolioID).
		Order("trading_day DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return record.ToSchema()
}

// GetAllPortfolios returns the latest snapshot of every known portfolio.
func (d *Database) GetAllPortfolios() ([]*types.PositionSchema, error) {
	var ids []string
	if err := d.db.Model(&PortfolioRecord{}).Distinct("portfolio_id").Pluck("portfolio_id", &ids).Error; err != nil {
		return nil, err
	}
	schemas := make([]*types.PositionSchema, 0, len(ids))
	for _, id := range ids {
		schema, err := d.GetPortfolio(id)
		if err != nil {
			return nil, err
		}
		if schema != nil {
			schemas = append(schemas, schema)
		}
	}
	return schemas, nil
}

// PutPortfolio upserts the ledger row for (portfolio, trading day).
func (d *Database) PutPortfolio(schema *types.PositionSchema) error {
	return d.putPortfolioTx(d.db, schema)
}

func (d *Database) putPortfolioTx(tx *gorm.DB, schema *types.PositionSchema) error {
	record, err := recordFromSchema(schema)
	if err != nil {
		return err
	}
	var existing PortfolioRecord
	err = tx.Where("portfolio_id = ? AND trading_day = ?", schema.PortfolioID, schema.TradingDay).
		First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(record).Error
		}
		return err
	}
	record.ID = existing.ID
	record.CreatedAt = existing.CreatedAt
	return tx.Save(record).Error
}

// SaveOrder creates or updates the archived copy of an order, keyed by
// its order ID.
func (d *Database) SaveOrder(order *types.Order) error {
	return d.saveOrderTx(d.db, order)
}

func (d *Database) saveOrderTx(tx *gorm.DB, order *types.Order) error {
	var existing types.Order
	err := tx.Where("order_id = ?", order.OrderID).First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(order).Error
		}
		return err
	}
	order.ID = existing.ID
	order.CreatedAt = existing.CreatedAt
	return tx.Save(order).Error
}

// GetOrder retrieves an order by its ID, nil when unknown.
func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// GetOrders lists a portfolio's orders, optionally filtered by state
// and/or symbol.
func (d *Database) GetOrders(portfolioID string, state types.OrderState, symbol string) ([]*types.Order, error) {
	query := d.db.Where("portfolio_id = ?", portfolioID)
	if state != "" {
		query = query.Where("state = ?", state)
	}
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}
	var orders []*types.Order
	if err := query.Order("order_time ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// GetActiveOrders returns the still-open orders of one asset class for a
// trading day, in original submission order. Used to rebuild the matching
// pool after a restart.
func (d *Database) GetActiveOrders(class types.AssetClass, tradingDay string) ([]*types.Order, error) {
	var orders []*types.Order
	err := d.db.
		Where("asset_class = ? AND trading_day = ?", class, tradingDay).
		Where("state IN ?", []types.OrderState{
			types.OrderSubmitted, types.OrderOpen,
			types.OrderPartialFilled, types.OrderCancelSubmitted,
		}).
		Order("order_time ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// AppendTrade persists one immutable fill fact.
func (d *Database) AppendTrade(trade *types.Trade) error {
	return d.db.Create(trade).Error
}

// GetTrades lists a portfolio's trades, optionally scoped to one day.
func (d *Database) GetTrades(portfolioID, tradingDay string) ([]*types.Trade, error) {
	query := d.db.Where("portfolio_id = ?", portfolioID)
	if tradingDay != "" {
		query = query.Where("trading_day = ?", tradingDay)
	}
	var trades []*types.Trade
	if err := query.Order("trade_time ASC").Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// CommitMatch writes the outcome of one matching pass (updated orders,
// new trades and changed ledgers) in a single transaction. A failure
// leaves the whole pass unapplied so the bar can be retried wholesale.
func (d *Database) CommitMatch(orders []*types.Order, trades []*types.Trade, schemas []*types.PositionSchema) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		for _, order := range orders {
			if err := d.saveOrderTx(tx, order); err != nil {
				return err
			}
		}
		for _, trade := range trades {
			if err := tx.Create(trade).Error; err != nil {
				return err
			}
		}
		for _, schema := range schemas {
			if err := d.putPortfolioTx(tx, schema); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveOrderWithIdempotency persists a newly accepted order together with
// its idempotency record in one transaction, so a crash between
// validation and admission never silently loses the order.
func (d *Database) SaveOrderWithIdempotency(order *types.Order, idempotencyKey string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		record := types.IdempotencyRecord{
			IdempotencyKey: idempotencyKey,
			ResourceID:     order.OrderID,
			ResourceType:   "order",
			ExpiresAt:      time.Now().Add(24 * time.Hour),
		}
		return tx.Create(&record).Error
	})
}

// GetIdempotencyRecord retrieves an idempotency record by key, nil when
// absent or expired.
func (d *Database) GetIdempotencyRecord(key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if record.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	return &record, nil
}
