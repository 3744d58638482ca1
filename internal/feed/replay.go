// Package feed supplies market data as timestamp-grouped tick batches. The
// replay feed reads a recorded CSV tape for backtests; the stream feed
// bridges a live websocket quote stream.
package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"optionsbot/internal/core"
)

// Tape column layout. Header row required. Rows must be ordered by timestamp;
// consecutive rows with the same timestamp form one batch.
//
//	timestamp,symbol,bid,ask,last,iv,delta,open_interest,volume
const (
	colTimestamp = iota
	colSymbol
	colBid
	colAsk
	colLast
	colIV
	colDelta
	colOpenInterest
	colVolume
	tapeColumns
)

// Replay reads a CSV tick tape. Every Subscribe starts from the top, so the
// same tape replays identically as many times as asked.
type Replay struct {
	path   string
	logger core.Logger
}

func NewReplay(path string, logger core.Logger) *Replay {
	return &Replay{path: path, logger: logger.WithField("component", "replay_feed")}
}

// Subscribe streams the tape's batches. The contracts argument is ignored:
// a tape already contains exactly the instruments that were recorded.
func (r *Replay) Subscribe(ctx context.Context, _ []core.Contract) (<-chan core.TickBatch, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tape: %w", err)
	}

	out := make(chan core.TickBatch)
	go func() {
		defer close(out)
		defer f.Close()

		reader := csv.NewReader(f)
		reader.FieldsPerRecord = tapeColumns

		// Skip header.
		if _, err := reader.Read(); err != nil {
			if err != io.EOF {
				r.logger.Error("tape header read failed", "path", r.path, "error", err.Error())
			}
			return
		}

		var batch core.TickBatch
		line := 1
		for {
			row, err := reader.Read()
			if err == io.EOF {
				break
			}
			line++
			if err != nil {
				r.logger.Error("tape row skipped", "line", line, "error", err.Error())
				continue
			}
			tick, err := parseRow(row)
			if err != nil {
				r.logger.Error("tape row skipped", "line", line, "error", err.Error())
				continue
			}

			if !batch.Timestamp.IsZero() && !tick.Timestamp.Equal(batch.Timestamp) {
				if !emit(ctx, out, batch) {
					return
				}
				batch = core.TickBatch{}
			}
			batch.Timestamp = tick.Timestamp
			batch.Ticks = append(batch.Ticks, tick)
		}
		if len(batch.Ticks) > 0 {
			emit(ctx, out, batch)
		}
	}()
	return out, nil
}

func emit(ctx context.Context, out chan<- core.TickBatch, batch core.TickBatch) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- batch:
		return true
	}
}

func parseRow(row []string) (core.Tick, error) {
	ts, err := time.Parse(time.RFC3339, row[colTimestamp])
	if err != nil {
		return core.Tick{}, fmt.Errorf("timestamp %q: %w", row[colTimestamp], err)
	}

	contract, err := core.ParseOCC(row[colSymbol])
	if err != nil {
		// Not an OCC symbol: treat as the underlying itself.
		contract = core.UnderlyingContract(row[colSymbol])
	}

	tick := core.Tick{Contract: contract, Timestamp: ts}
	if tick.Bid, err = parseDecimal(row[colBid]); err != nil {
		return core.Tick{}, fmt.Errorf("bid: %w", err)
	}
	if tick.Ask, err = parseDecimal(row[colAsk]); err != nil {
		return core.Tick{}, fmt.Errorf("ask: %w", err)
	}
	if tick.Last, err = parseDecimal(row[colLast]); err != nil {
		return core.Tick{}, fmt.Errorf("last: %w", err)
	}
	if tick.ImpliedVol, err = parseDecimal(row[colIV]); err != nil {
		return core.Tick{}, fmt.Errorf("iv: %w", err)
	}

	if row[colDelta] != "" {
		delta, err := decimal.NewFromString(row[colDelta])
		if err != nil {
			return core.Tick{}, fmt.Errorf("delta: %w", err)
		}
		tick.Greeks = &core.Greeks{Delta: delta}
	}
	if row[colOpenInterest] != "" {
		if tick.OpenInterest, err = strconv.ParseInt(row[colOpenInterest], 10, 64); err != nil {
			return core.Tick{}, fmt.Errorf("open_interest: %w", err)
		}
	}
	if row[colVolume] != "" {
		if tick.Volume, err = strconv.ParseInt(row[colVolume], 10, 64); err != nil {
			return core.Tick{}, fmt.Errorf("volume: %w", err)
		}
	}
	return tick, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
