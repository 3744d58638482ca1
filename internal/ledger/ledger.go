// Package ledger persists every order state transition as an append-only
// record stream. Replaying the stream reconstructs in-flight orders after a
// restart and gives backtests a canonical artifact to diff between runs.
package ledger

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"optionsbot/internal/core"
)

// Record is one order state transition. Records are immutable once appended;
// Seq is assigned by the store and strictly increases.
type Record struct {
	Seq           int64
	Timestamp     time.Time
	OrderID       string
	CorrelationID string
	BrokerOrderID string
	Symbol        string
	Side          core.OrderSide
	OrderType     core.OrderType
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
	Strategy      string
	From          core.OrderStatus
	To            core.OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Reason        string
}

// FromTransition builds a record from the order's post-transition state.
func FromTransition(o *core.Order, from core.OrderStatus, reason string, at time.Time) Record {
	return Record{
		Timestamp:     at,
		OrderID:       o.ID,
		CorrelationID: o.CorrelationID,
		BrokerOrderID: o.BrokerOrderID,
		Symbol:        o.Contract.Symbol(),
		Side:          o.Side,
		OrderType:     o.Type,
		Quantity:      o.Quantity,
		LimitPrice:    o.LimitPrice,
		Strategy:      o.Strategy,
		From:          from,
		To:            o.Status,
		FilledQty:     o.FilledQty,
		AvgFillPrice:  o.AvgFillPrice,
		Reason:        reason,
	}
}

// Store is an append-only transition log.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Replay(ctx context.Context) ([]Record, error)
	Close() error
}

// Rebuild folds a replayed record stream into the set of orders that were
// still in flight when the stream ended. Terminal orders are dropped.
func Rebuild(records []Record) map[string]*core.Order {
	orders := make(map[string]*core.Order)
	for _, rec := range records {
		o, ok := orders[rec.CorrelationID]
		if !ok {
			contract, err := core.ParseOCC(rec.Symbol)
			if err != nil {
				// Equity orders carry the bare underlying symbol.
				contract = core.Contract{Underlying: rec.Symbol}
			}
			o = &core.Order{
				ID:            rec.OrderID,
				CorrelationID: rec.CorrelationID,
				Contract:      contract,
				Side:          rec.Side,
				Type:          rec.OrderType,
				Quantity:      rec.Quantity,
				LimitPrice:    rec.LimitPrice,
				Strategy:      rec.Strategy,
				CreatedAt:     rec.Timestamp,
			}
			orders[rec.CorrelationID] = o
		}
		o.BrokerOrderID = rec.BrokerOrderID
		o.Status = rec.To
		o.FilledQty = rec.FilledQty
		o.AvgFillPrice = rec.AvgFillPrice
		o.UpdatedAt = rec.Timestamp
	}
	for id, o := range orders {
		if o.Status.IsTerminal() {
			delete(orders, id)
		}
	}
	return orders
}

// Encode renders records in a canonical line format. Two runs over identical
// input produce byte-identical output, which is how backtest determinism is
// verified.
func Encode(records []Record) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		fmt.Fprintf(&buf, "%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s->%s|%s|%s|%s\n",
			r.Seq,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.OrderID,
			r.CorrelationID,
			r.BrokerOrderID,
			r.Symbol,
			r.Side,
			r.OrderType,
			r.Quantity.String(),
			r.LimitPrice.String(),
			r.From, r.To,
			r.FilledQty.String(),
			r.AvgFillPrice.String(),
			r.Reason,
		)
	}
	return buf.Bytes()
}
