// Package archive persists finished orders to SQLite for post-trade
// analysis. Only terminal orders are written; live order state stays in
// memory with the order manager.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/fengyelingdu/NexusTrader/internal/model"
)

// Store writes terminal orders to a SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the archive database with WAL mode enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			client_order_id   TEXT PRIMARY KEY,
			exchange_order_id TEXT NOT NULL DEFAULT '',
			exchange          TEXT NOT NULL,
			account_type      TEXT NOT NULL,
			symbol            TEXT NOT NULL,
			side              TEXT NOT NULL,
			order_type        TEXT NOT NULL,
			status            TEXT NOT NULL,
			price             TEXT NOT NULL,
			amount            TEXT NOT NULL,
			filled            TEXT NOT NULL,
			avg_fill_price    TEXT NOT NULL,
			reason            TEXT NOT NULL DEFAULT '',
			transitions       BLOB NOT NULL,
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create orders table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol, updated_at);`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create symbol index: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveOrders writes a batch of terminal orders in one transaction. Rewriting
// an already-archived order id replaces the previous row, so a replayed
// flush is harmless.
func (s *Store) SaveOrders(ctx context.Context, orders []model.Order) error {
	if len(orders) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO orders (
			client_order_id, exchange_order_id, exchange, account_type,
			symbol, side, order_type, status, price, amount, filled,
			avg_fill_price, reason, transitions, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			status=excluded.status,
			filled=excluded.filled,
			avg_fill_price=excluded.avg_fill_price,
			reason=excluded.reason,
			transitions=excluded.transitions,
			updated_at=excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare archive insert: %w", err)
	}
	defer stmt.Close()

	for _, ord := range orders {
		transitions, err := json.Marshal(ord.Transitions)
		if err != nil {
			return fmt.Errorf("failed to marshal transitions for %s: %w", ord.ClientOrderID, err)
		}
		_, err = stmt.ExecContext(ctx,
			ord.ClientOrderID,
			ord.ExchangeOrderID,
			ord.Exchange.String(),
			ord.AccountType.String(),
			ord.Symbol,
			ord.Side.String(),
			ord.Type.String(),
			ord.Status.String(),
			ord.Price.String(),
			ord.Amount.String(),
			ord.Filled.String(),
			ord.AvgFillPrice.String(),
			ord.Reason,
			transitions,
			ord.CreatedAt.UnixMilli(),
			ord.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert order %s: %w", ord.ClientOrderID, err)
		}
	}

	return tx.Commit()
}

// LoadOrders reads archived orders for a symbol, newest first. An empty
// symbol loads everything.
func (s *Store) LoadOrders(ctx context.Context, symbol string, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT client_order_id, exchange_order_id, exchange, account_type,
		symbol, side, order_type, status, price, amount, filled,
		avg_fill_price, reason, transitions, created_at, updated_at
		FROM orders`
	args := []any{}
	if symbol != "" {
		query += " WHERE symbol = ?"
		args = append(args, symbol)
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		ord, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, ord)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return orders, nil
}

func scanOrder(rows *sql.Rows) (model.Order, error) {
	var (
		ord                        model.Order
		exchange, accountType      string
		side, orderType, status    string
		price, amount, filled, avg string
		transitions                []byte
		createdAt, updatedAt       int64
	)

	err := rows.Scan(
		&ord.ClientOrderID, &ord.ExchangeOrderID, &exchange, &accountType,
		&ord.Symbol, &side, &orderType, &status, &price, &amount, &filled,
		&avg, &ord.Reason, &transitions, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.Order{}, fmt.Errorf("failed to scan order: %w", err)
	}

	if ord.Exchange, err = model.ParseExchange(exchange); err != nil {
		return model.Order{}, err
	}
	if ord.AccountType, err = model.ParseAccountType(accountType); err != nil {
		return model.Order{}, err
	}
	if ord.Side, err = model.ParseOrderSide(side); err != nil {
		return model.Order{}, err
	}
	if ord.Type, err = model.ParseOrderType(orderType); err != nil {
		return model.Order{}, err
	}
	if ord.Status, err = model.ParseOrderStatus(status); err != nil {
		return model.Order{}, err
	}
	if ord.Price, err = parseDecimalField("price", price); err != nil {
		return model.Order{}, err
	}
	if ord.Amount, err = parseDecimalField("amount", amount); err != nil {
		return model.Order{}, err
	}
	if ord.Filled, err = parseDecimalField("filled", filled); err != nil {
		return model.Order{}, err
	}
	if ord.AvgFillPrice, err = parseDecimalField("avg_fill_price", avg); err != nil {
		return model.Order{}, err
	}
	if err := json.Unmarshal(transitions, &ord.Transitions); err != nil {
		return model.Order{}, fmt.Errorf("failed to unmarshal transitions: %w", err)
	}
	ord.CreatedAt = time.UnixMilli(createdAt).UTC()
	ord.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return ord, nil
}

func parseDecimalField(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return d, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
