package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3"

	"optionsbot/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS order_transitions (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_unix_nano   INTEGER NOT NULL,
	order_id       TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	broker_order_id TEXT NOT NULL DEFAULT '',
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	order_type     TEXT NOT NULL,
	quantity       TEXT NOT NULL,
	limit_price    TEXT NOT NULL,
	strategy       TEXT NOT NULL DEFAULT '',
	from_status    TEXT NOT NULL,
	to_status      TEXT NOT NULL,
	filled_qty     TEXT NOT NULL,
	avg_fill_price TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_transitions_correlation ON order_transitions(correlation_id);
`

// SQLiteStore is the durable ledger backing live trading. Insert-only: rows
// are never updated or deleted.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	query := `INSERT INTO order_transitions
		(ts_unix_nano, order_id, correlation_id, broker_order_id, symbol, side, order_type,
		 quantity, limit_price, strategy, from_status, to_status, filled_qty, avg_fill_price, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.Timestamp.UnixNano(),
		rec.OrderID,
		rec.CorrelationID,
		rec.BrokerOrderID,
		rec.Symbol,
		string(rec.Side),
		string(rec.OrderType),
		rec.Quantity.String(),
		rec.LimitPrice.String(),
		rec.Strategy,
		string(rec.From),
		string(rec.To),
		rec.FilledQty.String(),
		rec.AvgFillPrice.String(),
		rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Replay(ctx context.Context) ([]Record, error) {
	query := `SELECT seq, ts_unix_nano, order_id, correlation_id, broker_order_id, symbol,
		side, order_type, quantity, limit_price, strategy, from_status, to_status,
		filled_qty, avg_fill_price, reason
		FROM order_transitions ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read transitions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec                                    Record
			tsNano                                 int64
			side, orderType, from, to              string
			quantity, limitPrice, filled, avgPrice string
		)
		if err := rows.Scan(&rec.Seq, &tsNano, &rec.OrderID, &rec.CorrelationID,
			&rec.BrokerOrderID, &rec.Symbol, &side, &orderType, &quantity, &limitPrice,
			&rec.Strategy, &from, &to, &filled, &avgPrice, &rec.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		rec.Timestamp = time.Unix(0, tsNano).UTC()
		rec.Side = core.OrderSide(side)
		rec.OrderType = core.OrderType(orderType)
		rec.From = core.OrderStatus(from)
		rec.To = core.OrderStatus(to)
		if rec.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("corrupt quantity in seq %d: %w", rec.Seq, err)
		}
		if rec.LimitPrice, err = decimal.NewFromString(limitPrice); err != nil {
			return nil, fmt.Errorf("corrupt limit price in seq %d: %w", rec.Seq, err)
		}
		if rec.FilledQty, err = decimal.NewFromString(filled); err != nil {
			return nil, fmt.Errorf("corrupt filled qty in seq %d: %w", rec.Seq, err)
		}
		if rec.AvgFillPrice, err = decimal.NewFromString(avgPrice); err != nil {
			return nil, fmt.Errorf("corrupt avg fill price in seq %d: %w", rec.Seq, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
