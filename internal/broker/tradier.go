package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"optionsbot/internal/config"
	"optionsbot/internal/core"
	apperrors "optionsbot/pkg/errors"
	"optionsbot/pkg/httpclient"
)

const (
	tradierSandboxURL    = "https://sandbox.tradier.com/v1"
	tradierProductionURL = "https://api.tradier.com/v1"

	// How often the update poller sweeps working orders.
	tradierPollInterval = 2 * time.Second
)

// Tradier adapts the Tradier brokerage REST API. Orders are tagged with the
// engine correlation id so an ambiguous submit can be reconciled by listing
// recent orders and matching the tag.
type Tradier struct {
	client    *httpclient.Client
	accountID string
	logger    core.Logger
}

func NewTradier(cfg config.BrokerConfig, logger core.Logger) (*Tradier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tradier: api key is required")
	}
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("tradier: account id is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = tradierProductionURL
		if cfg.Sandbox {
			baseURL = tradierSandboxURL
		}
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Tradier{
		client:    httpclient.NewClient(baseURL, timeout, httpclient.BearerSigner{Token: cfg.APIKey}),
		accountID: cfg.AccountID,
		logger:    logger.WithField("component", "tradier"),
	}, nil
}

func (t *Tradier) Name() string { return "tradier" }

func (t *Tradier) Submit(ctx context.Context, order *core.Order) (core.Ack, error) {
	form := url.Values{}
	form.Set("symbol", order.Contract.Underlying)
	form.Set("quantity", order.Quantity.String())
	form.Set("duration", "day")
	form.Set("tag", order.CorrelationID)

	if order.Contract.IsOption() {
		form.Set("class", "option")
		form.Set("option_symbol", order.Contract.Symbol())
		form.Set("side", optionSide(order.Side, order.Effect))
	} else {
		form.Set("class", "equity")
		form.Set("side", strings.ToLower(string(order.Side)))
	}

	switch order.Type {
	case core.TypeLimit:
		form.Set("type", "limit")
		form.Set("price", order.LimitPrice.StringFixed(2))
	default:
		form.Set("type", "market")
	}

	// Exactly one POST per call. Order creation is not idempotent at the
	// transport layer, so resubmission belongs to the engine, which queries
	// by correlation tag before trying again.
	body, err := t.client.PostFormOnce(ctx, "/accounts/"+t.accountID+"/orders", form)
	if err != nil {
		return core.Ack{}, classifySubmit(err)
	}

	var resp struct {
		Order struct {
			ID     json.Number `json:"id"`
			Status string      `json:"status"`
		} `json:"order"`
		Errors struct {
			Error []string `json:"error"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Ack{}, fmt.Errorf("%w: malformed order response: %v", apperrors.ErrAmbiguous, err)
	}
	if len(resp.Errors.Error) > 0 {
		return core.Ack{}, fmt.Errorf("%w: %s", apperrors.ErrBrokerRejection,
			strings.Join(resp.Errors.Error, "; "))
	}
	if resp.Order.ID == "" {
		return core.Ack{}, fmt.Errorf("%w: no order id in response", apperrors.ErrAmbiguous)
	}
	return core.Ack{BrokerOrderID: resp.Order.ID.String()}, nil
}

func (t *Tradier) Cancel(ctx context.Context, brokerOrderID string) error {
	_, err := t.client.Delete(ctx, "/accounts/"+t.accountID+"/orders/"+brokerOrderID)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (t *Tradier) QueryStatus(ctx context.Context, brokerOrderID string) (*core.OrderUpdate, error) {
	body, err := t.client.Get(ctx, "/accounts/"+t.accountID+"/orders/"+brokerOrderID, nil)
	if err != nil {
		return nil, classify(err)
	}

	var resp struct {
		Order tradierOrder `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed order status: %w", err)
	}
	return resp.Order.toUpdate(), nil
}

func (t *Tradier) QueryByCorrelation(ctx context.Context, correlationID string) (*core.OrderUpdate, error) {
	orders, err := t.listOrders(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if o.Tag == correlationID {
			return o.toUpdate(), nil
		}
	}
	return nil, apperrors.ErrOrderNotFound
}

// StreamUpdates polls the orders endpoint and pushes state changes into the
// callback. Tradier offers websocket streaming for market data but order
// events are only reliable through polling.
func (t *Tradier) StreamUpdates(ctx context.Context, fn func(*core.OrderUpdate)) error {
	go func() {
		ticker := time.NewTicker(tradierPollInterval)
		defer ticker.Stop()

		last := make(map[string]string)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			orders, err := t.listOrders(ctx)
			if err != nil {
				t.logger.Warn("order poll failed", "error", err.Error())
				continue
			}
			for _, o := range orders {
				key := o.ID.String()
				fingerprint := o.Status + "|" + o.ExecQuantity
				if last[key] == fingerprint {
					continue
				}
				last[key] = fingerprint
				fn(o.toUpdate())
			}
		}
	}()
	return nil
}

func (t *Tradier) GetAccount(ctx context.Context) (*core.AccountState, error) {
	body, err := t.client.Get(ctx, "/accounts/"+t.accountID+"/balances", nil)
	if err != nil {
		return nil, classify(err)
	}

	var resp struct {
		Balances struct {
			TotalEquity float64 `json:"total_equity"`
			TotalCash   float64 `json:"total_cash"`
			Margin      struct {
				StockBuyingPower  float64 `json:"stock_buying_power"`
				OptionBuyingPower float64 `json:"option_buying_power"`
			} `json:"margin"`
			Cash struct {
				CashAvailable float64 `json:"cash_available"`
			} `json:"cash"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed balances response: %w", err)
	}

	bp := resp.Balances.Margin.OptionBuyingPower
	if bp == 0 {
		bp = resp.Balances.Cash.CashAvailable
	}
	return &core.AccountState{
		Equity:      decimal.NewFromFloat(resp.Balances.TotalEquity),
		Cash:        decimal.NewFromFloat(resp.Balances.TotalCash),
		BuyingPower: decimal.NewFromFloat(bp),
		Timestamp:   time.Now(),
	}, nil
}

type tradierOrder struct {
	ID           json.Number `json:"id"`
	Status       string      `json:"status"`
	Tag          string      `json:"tag"`
	ExecQuantity string      `json:"exec_quantity"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	ReasonDesc   string      `json:"reason_description"`
}

func (o tradierOrder) toUpdate() *core.OrderUpdate {
	filled, _ := decimal.NewFromString(o.ExecQuantity)
	return &core.OrderUpdate{
		BrokerOrderID: o.ID.String(),
		CorrelationID: o.Tag,
		Status:        mapStatus(o.Status),
		FilledQty:     filled,
		AvgFillPrice:  decimal.NewFromFloat(o.AvgFillPrice),
		Reason:        o.ReasonDesc,
		Timestamp:     time.Now(),
	}
}

func (t *Tradier) listOrders(ctx context.Context) ([]tradierOrder, error) {
	body, err := t.client.Get(ctx, "/accounts/"+t.accountID+"/orders", nil)
	if err != nil {
		return nil, classify(err)
	}

	// Tradier returns an object for a single order and an array otherwise.
	var multi struct {
		Orders struct {
			Order []tradierOrder `json:"order"`
		} `json:"orders"`
	}
	if err := json.Unmarshal(body, &multi); err == nil && len(multi.Orders.Order) > 0 {
		return multi.Orders.Order, nil
	}
	var single struct {
		Orders struct {
			Order tradierOrder `json:"order"`
		} `json:"orders"`
	}
	if err := json.Unmarshal(body, &single); err == nil && single.Orders.Order.ID != "" {
		return []tradierOrder{single.Orders.Order}, nil
	}
	return nil, nil
}

// optionSide maps side plus position effect onto Tradier's four option sides.
func optionSide(side core.OrderSide, effect core.PositionEffect) string {
	switch {
	case side == core.SideBuy && effect == core.EffectClose:
		return "buy_to_close"
	case side == core.SideSell && effect == core.EffectOpen:
		return "sell_to_open"
	case side == core.SideSell:
		return "sell_to_close"
	default:
		return "buy_to_open"
	}
}

func mapStatus(s string) core.OrderStatus {
	switch s {
	case "pending", "submitted":
		return core.StatusSubmitted
	case "open", "accepted":
		return core.StatusAcknowledged
	case "partially_filled":
		return core.StatusPartiallyFilled
	case "filled":
		return core.StatusFilled
	case "canceled", "expired":
		return core.StatusCancelled
	case "rejected", "error":
		return core.StatusRejected
	default:
		return core.StatusAcknowledged
	}
}

// classify folds transport failures into the engine's error taxonomy. A
// definite HTTP status is classified by code; anything else, including
// timeouts, is ambiguous because the order may or may not have reached the
// broker.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 404:
			return fmt.Errorf("%w: %v", apperrors.ErrOrderNotFound, err)
		case apiErr.StatusCode == 429:
			return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
		default:
			return fmt.Errorf("%w: %v", apperrors.ErrBrokerRejection, err)
		}
	}
	return fmt.Errorf("%w: %v", apperrors.ErrAmbiguous, err)
}

// classifySubmit is the stricter variant for order creation. A 5xx on a
// submit is ambiguous, not transient: the broker may have booked the order
// before failing, so the caller must reconcile by correlation tag rather
// than fire the request again.
func classifySubmit(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", apperrors.ErrAmbiguous, err)
		default:
			return fmt.Errorf("%w: %v", apperrors.ErrBrokerRejection, err)
		}
	}
	return fmt.Errorf("%w: %v", apperrors.ErrAmbiguous, err)
}
