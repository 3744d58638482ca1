package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"optionsbot/internal/core"
	"optionsbot/pkg/websocket"
)

// streamQuote is the wire shape of one quote message.
type streamQuote struct {
	Symbol       string  `json:"symbol"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Last         float64 `json:"last"`
	ImpliedVol   float64 `json:"iv,omitempty"`
	Delta        float64 `json:"delta,omitempty"`
	OpenInterest int64   `json:"open_interest,omitempty"`
	Volume       int64   `json:"volume,omitempty"`
	TimestampMS  int64   `json:"ts"`
}

// Stream adapts a websocket quote stream to the Feed interface. Quotes
// arriving within one batch window are grouped so strategies see a consistent
// cross-contract view, mirroring how the replay feed groups by timestamp.
type Stream struct {
	url         string
	logger      core.Logger
	batchWindow time.Duration
}

func NewStream(url string, logger core.Logger) *Stream {
	return &Stream{
		url:         url,
		logger:      logger.WithField("component", "stream_feed"),
		batchWindow: 250 * time.Millisecond,
	}
}

func (s *Stream) Subscribe(ctx context.Context, contracts []core.Contract) (<-chan core.TickBatch, error) {
	quotes := make(chan core.Tick, 256)

	client := websocket.NewClient(s.url, func(message []byte) {
		var q streamQuote
		if err := json.Unmarshal(message, &q); err != nil {
			s.logger.Warn("malformed quote dropped", "error", err.Error())
			return
		}
		tick, err := q.toTick()
		if err != nil {
			s.logger.Warn("unparseable quote dropped", "symbol", q.Symbol, "error", err.Error())
			return
		}
		select {
		case quotes <- tick:
		default:
			s.logger.Warn("quote buffer full, tick dropped", "symbol", q.Symbol)
		}
	}, s.logger)

	symbols := make([]string, len(contracts))
	for i, c := range contracts {
		symbols[i] = c.Symbol()
	}
	client.SetOnConnected(func() {
		if err := client.Send(map[string]interface{}{
			"action":  "subscribe",
			"symbols": symbols,
		}); err != nil {
			s.logger.Error("subscribe send failed", "error", err.Error())
		}
	})
	client.Start()

	out := make(chan core.TickBatch)
	go func() {
		defer close(out)
		defer client.Stop()

		ticker := time.NewTicker(s.batchWindow)
		defer ticker.Stop()

		pending := make(map[string]core.Tick)
		for {
			select {
			case <-ctx.Done():
				return
			case tick := <-quotes:
				// Latest quote per contract wins within the window.
				pending[tick.Contract.Symbol()] = tick
			case now := <-ticker.C:
				if len(pending) == 0 {
					continue
				}
				batch := core.TickBatch{Timestamp: now.UTC()}
				for _, t := range pending {
					batch.Ticks = append(batch.Ticks, t)
				}
				pending = make(map[string]core.Tick)
				select {
				case <-ctx.Done():
					return
				case out <- batch:
				}
			}
		}
	}()
	return out, nil
}

func (q streamQuote) toTick() (core.Tick, error) {
	contract, err := core.ParseOCC(q.Symbol)
	if err != nil {
		contract = core.UnderlyingContract(q.Symbol)
	}
	tick := core.Tick{
		Contract:     contract,
		Timestamp:    time.UnixMilli(q.TimestampMS).UTC(),
		Bid:          decimal.NewFromFloat(q.Bid),
		Ask:          decimal.NewFromFloat(q.Ask),
		Last:         decimal.NewFromFloat(q.Last),
		ImpliedVol:   decimal.NewFromFloat(q.ImpliedVol),
		OpenInterest: q.OpenInterest,
		Volume:       q.Volume,
	}
	if q.Delta != 0 {
		tick.Greeks = &core.Greeks{Delta: decimal.NewFromFloat(q.Delta)}
	}
	return tick, nil
}
