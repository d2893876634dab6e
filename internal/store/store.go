// Package store implements the Order Repository: the sole persistence
// contract for OrderRecord and IntentRow, plus the risk_state and
// strategy_exec_state key-value docs. Grounded on the teacher's
// store/strategy.go: plain database/sql against modernc.org/sqlite, no ORM,
// hand-written SQL, CREATE TABLE IF NOT EXISTS, and explicit updated_at
// triggers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"ordercore/internal/model"
)

var ErrAlreadyTerminal = errors.New("ALREADY_TERMINAL")
var ErrNotFound = errors.New("not found")

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// Repository is the durable store of every order record and every queued
// intent. Every write is durable before returning; most touch a single row,
// while Archive and ResetStaleClaims can change many rows in one call.
type Repository struct {
	db *sql.DB
}

// Open creates (or attaches to) the sqlite-backed repository at path and
// ensures its schema exists.
func Open(path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer, avoid SQLITE_BUSY storms

	r := &Repository{db: db}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			command_id TEXT PRIMARY KEY,
			broker_order_id TEXT DEFAULT '',
			client_id TEXT NOT NULL,
			execution_type TEXT NOT NULL,
			status TEXT NOT NULL,
			source TEXT DEFAULT '',
			strategy_name TEXT DEFAULT '',
			symbol TEXT NOT NULL,
			exchange TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			product TEXT NOT NULL,
			order_type TEXT NOT NULL,
			price TEXT DEFAULT '0',
			trigger_price TEXT DEFAULT '0',
			stop_loss TEXT DEFAULT '0',
			target TEXT DEFAULT '0',
			trailing_type TEXT DEFAULT 'NONE',
			trailing_value TEXT DEFAULT '0',
			trailing_high TEXT DEFAULT '0',
			tag TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_client_status ON orders(client_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_broker_order_id ON orders(broker_order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_strategy ON orders(client_id, strategy_name)`,
		`CREATE TABLE IF NOT EXISTS orders_archive (
			command_id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			status TEXT NOT NULL,
			symbol TEXT NOT NULL,
			strategy_name TEXT DEFAULT '',
			archived_payload TEXT NOT NULL,
			archived_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS control_intents (
			intent_id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload BLOB NOT NULL,
			status TEXT NOT NULL,
			claim_token TEXT DEFAULT '',
			result BLOB DEFAULT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_intents_status ON control_intents(status, type, created_at)`,
		`CREATE TABLE IF NOT EXISTS kv_docs (
			doc_key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TRIGGER IF NOT EXISTS trg_orders_updated_at
			AFTER UPDATE ON orders
			BEGIN
				UPDATE orders SET updated_at = CURRENT_TIMESTAMP WHERE command_id = NEW.command_id;
			END`,
		`CREATE TRIGGER IF NOT EXISTS trg_intents_updated_at
			AFTER UPDATE ON control_intents
			BEGIN
				UPDATE control_intents SET updated_at = CURRENT_TIMESTAMP WHERE intent_id = NEW.intent_id;
			END`,
		`CREATE TRIGGER IF NOT EXISTS trg_kv_updated_at
			AFTER UPDATE ON kv_docs
			BEGIN
				UPDATE kv_docs SET updated_at = CURRENT_TIMESTAMP WHERE doc_key = NEW.doc_key;
			END`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// CreateOrder persists a new OrderRecord. Exactly one write, per spec.md §4.1
// step 2 of the Command Service's submission flow.
func (r *Repository) CreateOrder(ctx context.Context, rec *model.OrderRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (
			command_id, broker_order_id, client_id, execution_type, status, source,
			strategy_name, symbol, exchange, side, quantity, product, order_type,
			price, trigger_price, stop_loss, target, trailing_type, trailing_value,
			trailing_high, tag
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.CommandID, rec.BrokerOrderID, rec.ClientID, string(rec.ExecutionType), string(rec.Status), rec.Source,
		rec.StrategyName, rec.Symbol, rec.Exchange, string(rec.Side), rec.Quantity, string(rec.Product), string(rec.OrderType),
		rec.Price.String(), rec.TriggerPrice.String(), rec.StopLoss.String(), rec.Target.String(),
		string(rec.TrailingType), rec.TrailingValue.String(), rec.TrailingHigh.String(), string(rec.Tag),
	)
	if err != nil {
		return fmt.Errorf("creating order %s: %w", rec.CommandID, err)
	}
	return nil
}

// UpdateStatus enforces the state machine server-side: a transition out of a
// terminal status is rejected with ErrAlreadyTerminal, per spec.md §4.1.
func (r *Repository) UpdateStatus(ctx context.Context, commandID string, to model.OrderStatus, tag model.Tag) error {
	cur, err := r.GetByCommandID(ctx, commandID)
	if err != nil {
		return err
	}
	if cur.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if !model.ValidTransition(cur.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s for %s", cur.Status, to, commandID)
	}
	_, err = r.db.ExecContext(ctx, `UPDATE orders SET status = ?, tag = ? WHERE command_id = ?`, string(to), string(tag), commandID)
	if err != nil {
		return fmt.Errorf("updating status of %s: %w", commandID, err)
	}
	return nil
}

// UpdateBrokerOrderID attaches the broker's assigned id after acceptance.
func (r *Repository) UpdateBrokerOrderID(ctx context.Context, commandID, brokerOrderID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE orders SET broker_order_id = ? WHERE command_id = ?`, brokerOrderID, commandID)
	if err != nil {
		return fmt.Errorf("updating broker_order_id of %s: %w", commandID, err)
	}
	return nil
}

// UpdateTag sets the audit tag without touching status. Permitted even on
// terminal rows, per spec.md I3.
func (r *Repository) UpdateTag(ctx context.Context, commandID string, tag model.Tag) error {
	_, err := r.db.ExecContext(ctx, `UPDATE orders SET tag = ? WHERE command_id = ?`, string(tag), commandID)
	return err
}

// UpdateTrailingHigh persists a monotonic trailing-high update.
func (r *Repository) UpdateTrailingHigh(ctx context.Context, commandID string, high string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE orders SET trailing_high = ? WHERE command_id = ?`, high, commandID)
	return err
}

func (r *Repository) GetByCommandID(ctx context.Context, commandID string) (*model.OrderRecord, error) {
	row := r.db.QueryRowContext(ctx, orderSelectCols+` FROM orders WHERE command_id = ?`, commandID)
	return scanOrder(row)
}

func (r *Repository) GetByBrokerOrderID(ctx context.Context, brokerOrderID string) (*model.OrderRecord, error) {
	row := r.db.QueryRowContext(ctx, orderSelectCols+` FROM orders WHERE broker_order_id = ? AND broker_order_id != ''`, brokerOrderID)
	return scanOrder(row)
}

// ListOpen returns every record with status in {CREATED, SENT_TO_BROKER} for a client.
func (r *Repository) ListOpen(ctx context.Context, clientID string) ([]*model.OrderRecord, error) {
	rows, err := r.db.QueryContext(ctx, orderSelectCols+` FROM orders WHERE client_id = ? AND status IN ('CREATED','SENT_TO_BROKER') ORDER BY created_at`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListOpenByStrategy returns open records for one strategy+symbol, the
// Execution Guard's repository-tier check.
func (r *Repository) ListOpenByStrategy(ctx context.Context, clientID, strategyName, symbol string) ([]*model.OrderRecord, error) {
	rows, err := r.db.QueryContext(ctx, orderSelectCols+` FROM orders
		WHERE client_id = ? AND strategy_name = ? AND symbol = ? AND status IN ('CREATED','SENT_TO_BROKER')
		ORDER BY created_at`, clientID, strategyName, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListByTimeWindow returns records created within [from, to).
func (r *Repository) ListByTimeWindow(ctx context.Context, clientID string, from, to time.Time) ([]*model.OrderRecord, error) {
	rows, err := r.db.QueryContext(ctx, orderSelectCols+` FROM orders
		WHERE client_id = ? AND created_at >= ? AND created_at < ? ORDER BY created_at`,
		clientID, from.UTC().Format(timeLayout), to.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListByStatus is the verification-surface query backing the ops HTTP API's
// count-by-status and list-failed endpoints.
func (r *Repository) ListByStatus(ctx context.Context, clientID string, status model.OrderStatus) ([]*model.OrderRecord, error) {
	rows, err := r.db.QueryContext(ctx, orderSelectCols+` FROM orders WHERE client_id = ? AND status = ? ORDER BY created_at DESC`, clientID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListByStatuses returns records in any of the given statuses. Used by the
// Order Watcher's SL/target/trailing pass, which must keep watching an
// ENTRY across the SENT_TO_BROKER -> EXECUTED transition instead of losing
// it the moment the fill is reconciled.
func (r *Repository) ListByStatuses(ctx context.Context, clientID string, statuses []model.OrderStatus) ([]*model.OrderRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(statuses)+1)
	args = append(args, clientID)
	for _, s := range statuses {
		args = append(args, string(s))
	}
	rows, err := r.db.QueryContext(ctx, orderSelectCols+` FROM orders WHERE client_id = ? AND status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// CountByStatus returns the number of orders per status for a client, the
// ops HTTP API's count-by-status endpoint.
func (r *Repository) CountByStatus(ctx context.Context, clientID string) (map[model.OrderStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders WHERE client_id = ? GROUP BY status`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.OrderStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.OrderStatus(status)] = n
	}
	return counts, rows.Err()
}

// Archive moves terminal rows older than olderThan into orders_archive,
// satisfying spec.md §4.1's "never deleted while still referenced" by
// preserving the row under a different table rather than dropping it.
func (r *Repository) Archive(ctx context.Context, olderThan time.Time) (int, error) {
	rows, err := r.db.QueryContext(ctx, orderSelectCols+` FROM orders
		WHERE status IN ('EXECUTED','FAILED') AND updated_at < ?`, olderThan.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	recs, err := scanOrders(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, rec := range recs {
		payload := fmt.Sprintf("%s|%s|%s", rec.Status, rec.BrokerOrderID, rec.Tag)
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO orders_archive (command_id, client_id, status, symbol, strategy_name, archived_payload)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.CommandID, rec.ClientID, string(rec.Status), rec.Symbol, rec.StrategyName, payload); err != nil {
			return 0, fmt.Errorf("archiving %s: %w", rec.CommandID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE command_id = ?`, rec.CommandID); err != nil {
			return 0, fmt.Errorf("pruning archived %s: %w", rec.CommandID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(recs), nil
}

const orderSelectCols = `SELECT
	command_id, broker_order_id, client_id, execution_type, status, source,
	strategy_name, symbol, exchange, side, quantity, product, order_type,
	price, trigger_price, stop_loss, target, trailing_type, trailing_value,
	trailing_high, tag, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*model.OrderRecord, error) {
	var rec model.OrderRecord
	var execType, status, side, product, orderType, trailingType string
	var price, triggerPrice, stopLoss, target, trailingValue, trailingHigh string
	var createdAt, updatedAt time.Time

	err := row.Scan(
		&rec.CommandID, &rec.BrokerOrderID, &rec.ClientID, &execType, &status, &rec.Source,
		&rec.StrategyName, &rec.Symbol, &rec.Exchange, &side, &rec.Quantity, &product, &orderType,
		&price, &triggerPrice, &stopLoss, &target, &trailingType, &trailingValue,
		&trailingHigh, &rec.Tag, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.ExecutionType = model.ExecutionType(execType)
	rec.Status = model.OrderStatus(status)
	rec.Side = model.Side(side)
	rec.Product = model.Product(product)
	rec.OrderType = model.OrderType(orderType)
	rec.TrailingType = model.TrailingType(trailingType)
	rec.Price = parseDecimal(price)
	rec.TriggerPrice = parseDecimal(triggerPrice)
	rec.StopLoss = parseDecimal(stopLoss)
	rec.Target = parseDecimal(target)
	rec.TrailingValue = parseDecimal(trailingValue)
	rec.TrailingHigh = parseDecimal(trailingHigh)
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	return &rec, nil
}

func scanOrders(rows *sql.Rows) ([]*model.OrderRecord, error) {
	var out []*model.OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
