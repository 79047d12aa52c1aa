package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/event"
)

// RecordStore archives orders, trades and stream events in SQLite.
// It is append-only from the session's point of view; nothing reads it
// back to drive trading.
type RecordStore struct {
	db *sql.DB
}

// Trade is one confirmed fill.
type Trade struct {
	ExecID        string
	OrderID       string
	ClientOrderID string
	Pair          string
	Side          domain.Side
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Fee           decimal.Decimal
	At            time.Time
}

// TradeFromExecution extracts the fill carried by ev.
func TradeFromExecution(ev event.ExecutionEvent) Trade {
	return Trade{
		ExecID:        ev.ExecID,
		OrderID:       ev.OrderID,
		ClientOrderID: ev.ClientOrderID,
		Pair:          ev.Symbol,
		Side:          ev.Side,
		Qty:           ev.LastQty,
		Price:         ev.LastPrice,
		Fee:           ev.Fee,
		At:            ev.At,
	}
}

// NewRecordStore opens (or creates) the SQLite database with WAL mode enabled.
func NewRecordStore(dbPath string) (*RecordStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer; the recorder serializes writes anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			cl_ord_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL DEFAULT '',
			pair TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			volume TEXT NOT NULL,
			price TEXT NOT NULL,
			filled TEXT NOT NULL,
			avg_price TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trades (
			exec_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			cl_ord_id TEXT NOT NULL,
			pair TEXT NOT NULL,
			side TEXT NOT NULL,
			qty TEXT NOT NULL,
			price TEXT NOT NULL,
			fee TEXT NOT NULL,
			ts INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			ts INTEGER NOT NULL,
			snapshot INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &RecordStore{db: db}, nil
}

// SaveOrder upserts the latest state of an order.
func (s *RecordStore) SaveOrder(ctx context.Context, o domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (cl_ord_id, order_id, pair, side, type, volume, price, filled, avg_price, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cl_ord_id) DO UPDATE SET
			order_id=excluded.order_id, filled=excluded.filled, avg_price=excluded.avg_price,
			status=excluded.status, updated_at=excluded.updated_at`,
		o.ClientOrderID, o.ExchangeOrderID, o.Pair, string(o.Side), string(o.Type),
		o.Volume.String(), o.Price.String(), o.FilledVolume.String(), o.AvgFillPrice.String(),
		string(o.Status), o.CreatedAt.UnixMilli(), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// SaveTrade stores a fill. Replayed exec ids are ignored.
func (s *RecordStore) SaveTrade(ctx context.Context, tr Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (exec_id, order_id, cl_ord_id, pair, side, qty, price, fee, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ExecID, tr.OrderID, tr.ClientOrderID, tr.Pair, string(tr.Side),
		tr.Qty.String(), tr.Price.String(), tr.Fee.String(), tr.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save trade %s: %w", tr.ExecID, err)
	}
	return nil
}

// SaveEvent stores a stream event as JSON.
func (s *RecordStore) SaveEvent(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO events (seq, kind, ts, snapshot, payload) VALUES (?, ?, ?, ?, ?)",
		ev.GetSeq(), ev.GetKind().String(), ev.GetTs().UnixMilli(), ev.IsSnapshot(), payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// UpsertMetadata saves a key-value pair to the metadata table.
func (s *RecordStore) UpsertMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, time.Now().UnixMilli(),
	)
	return err
}

// GetMetadata retrieves a value from the metadata table.
func (s *RecordStore) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// LoadOrders returns every stored order, oldest first.
func (s *RecordStore) LoadOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cl_ord_id, order_id, pair, side, type, volume, price, filled, avg_price, status, created_at
		FROM orders ORDER BY created_at ASC, cl_ord_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var (
			o                          domain.Order
			side, typ, status          string
			volume, price, filled, avg string
			created                    int64
		)
		if err := rows.Scan(&o.ClientOrderID, &o.ExchangeOrderID, &o.Pair, &side, &typ,
			&volume, &price, &filled, &avg, &status, &created); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Side = domain.Side(side)
		o.Type = domain.OrderType(typ)
		o.Status = domain.OrderStatus(status)
		o.Volume, _ = decimal.NewFromString(volume)
		o.Price, _ = decimal.NewFromString(price)
		o.FilledVolume, _ = decimal.NewFromString(filled)
		o.AvgFillPrice, _ = decimal.NewFromString(avg)
		o.CreatedAt = time.UnixMilli(created)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// Counts returns the number of stored orders, trades and events.
func (s *RecordStore) Counts(ctx context.Context) (orders, trades, events int, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT (SELECT COUNT(*) FROM orders), (SELECT COUNT(*) FROM trades), (SELECT COUNT(*) FROM events)",
	).Scan(&orders, &trades, &events)
	return
}

// Close closes the database connection.
func (s *RecordStore) Close() error {
	return s.db.Close()
}
