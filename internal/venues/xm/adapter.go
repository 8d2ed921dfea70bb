// Package xm implements the venue adapter for XM Trading's MT5 bridge REST API.
package xm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/exodusarc/exodus-core/internal/venues"
	"github.com/exodusarc/exodus-core/pkg/models"
)

// Config holds the XM bridge connection settings.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	AccountID string
	MT5Server string
	Timeout   time.Duration
}

// Adapter talks to the XM MT5 bridge over HTTP.
type Adapter struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewAdapter creates an XM adapter. Connect must be called before use.
func NewAdapter(cfg Config, logger *zap.Logger) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MT5Server == "" {
		cfg.MT5Server = "XMGlobal-MT5"
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type xmOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price,omitempty"`
	OrderType     string `json:"orderType"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
	AccountID     string `json:"accountId"`
}

type xmExecutionResponse struct {
	OrderID       string   `json:"orderId"`
	ClientOrderID string   `json:"clientOrderId"`
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"`
	Quantity      string   `json:"quantity"`
	Price         string   `json:"price"`
	Status        string   `json:"status"`
	Timestamp     string   `json:"timestamp"`
	Fills         []xmFill `json:"fills"`
}

type xmFill struct {
	ExecutionID string `json:"executionId"`
	Quantity    string `json:"quantity"`
	Price       string `json:"price"`
	Timestamp   string `json:"timestamp"`
}

func (a *Adapter) Connect(ctx context.Context) error {
	_, err := a.GetAccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("xm connect: %w", err)
	}
	a.logger.Info("connected to XM MT5 bridge",
		zap.String("server", a.cfg.MT5Server),
		zap.String("account", a.cfg.AccountID))
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *Adapter) SubmitOrder(ctx context.Context, order *models.Order) (*venues.ExecutionReport, error) {
	req := xmOrderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      order.Quantity.String(),
		OrderType:     order.Type,
		ClientOrderID: order.ClientOrderID,
		AccountID:     a.cfg.AccountID,
	}
	if order.HasPrice() {
		req.Price = order.Price.String()
	}

	var resp xmExecutionResponse
	if err := a.post(ctx, "/v1/orders", req, &resp); err != nil {
		return nil, fmt.Errorf("xm submit order: %w", err)
	}
	return a.toExecutionReport(order.ID.String(), &resp)
}

func (a *Adapter) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	err := a.do(ctx, http.MethodDelete, "/v1/orders/"+url.PathEscape(venueOrderID), nil, nil)
	if err != nil {
		return false, fmt.Errorf("xm cancel order: %w", err)
	}
	return true, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, venueOrderID string) (*venues.ExecutionReport, error) {
	var resp xmExecutionResponse
	err := a.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(venueOrderID), nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("xm order status: %w", err)
	}
	return a.toExecutionReport("", &resp)
}

func (a *Adapter) GetAccountBalance(ctx context.Context) (*venues.AccountBalance, error) {
	var resp struct {
		Currency   string `json:"currency"`
		Balance    string `json:"balance"`
		Equity     string `json:"equity"`
		MarginUsed string `json:"marginUsed"`
		FreeMargin string `json:"freeMargin"`
	}
	if err := a.do(ctx, http.MethodGet, "/v1/account/balance", nil, &resp); err != nil {
		return nil, fmt.Errorf("xm account balance: %w", err)
	}
	balance, err := parseDecimals(resp.Balance, resp.Equity, resp.MarginUsed, resp.FreeMargin)
	if err != nil {
		return nil, fmt.Errorf("xm account balance: %w", err)
	}
	return &venues.AccountBalance{
		Currency:   resp.Currency,
		Balance:    balance[0],
		Equity:     balance[1],
		MarginUsed: balance[2],
		FreeMargin: balance[3],
	}, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]venues.Position, error) {
	var resp []struct {
		Symbol   string `json:"symbol"`
		Side     string `json:"side"`
		Quantity string `json:"quantity"`
		AvgPrice string `json:"avgPrice"`
	}
	if err := a.do(ctx, http.MethodGet, "/v1/positions", nil, &resp); err != nil {
		return nil, fmt.Errorf("xm positions: %w", err)
	}
	positions := make([]venues.Position, 0, len(resp))
	for _, p := range resp {
		vals, err := parseDecimals(p.Quantity, p.AvgPrice)
		if err != nil {
			return nil, fmt.Errorf("xm positions: %w", err)
		}
		positions = append(positions, venues.Position{
			Symbol:   p.Symbol,
			Side:     p.Side,
			Quantity: vals[0],
			AvgPrice: vals[1],
		})
	}
	return positions, nil
}

func (a *Adapter) GetMarketData(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	var resp struct {
		Bid string `json:"bid"`
		Ask string `json:"ask"`
	}
	err := a.do(ctx, http.MethodGet, "/v1/marketdata/"+url.PathEscape(symbol), nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("xm market data: %w", err)
	}
	vals, err := parseDecimals(resp.Bid, resp.Ask)
	if err != nil {
		return nil, fmt.Errorf("xm market data: %w", err)
	}
	bid, ask := vals[0], vals[1]
	return &models.MarketSnapshot{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Mid:       bid.Add(ask).Div(decimal.NewFromInt(2)),
		Spread:    ask.Sub(bid),
		Timestamp: time.Now().UTC(),
	}, nil
}

// HealthCheck probes the bridge by requesting the account balance.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.GetAccountBalance(ctx)
	return err
}

func (a *Adapter) toExecutionReport(orderID string, resp *xmExecutionResponse) (*venues.ExecutionReport, error) {
	vals, err := parseDecimals(resp.Quantity, resp.Price)
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339, resp.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	report := &venues.ExecutionReport{
		VenueOrderID:  resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          resp.Side,
		Quantity:      vals[0],
		Price:         vals[1],
		Status:        mapStatus(resp.Status),
		Timestamp:     ts,
	}
	for _, f := range resp.Fills {
		fv, err := parseDecimals(f.Quantity, f.Price)
		if err != nil {
			return nil, err
		}
		fts, err := time.Parse(time.RFC3339, f.Timestamp)
		if err != nil {
			fts = ts
		}
		report.Fills = append(report.Fills, models.Fill{
			OrderID:      orderID,
			Symbol:       resp.Symbol,
			Side:         resp.Side,
			Quantity:     fv[0],
			Price:        fv[1],
			Timestamp:    fts,
			VenueOrderID: resp.OrderID,
			ExecutionID:  f.ExecutionID,
		})
	}
	return report, nil
}

func mapStatus(status string) string {
	switch status {
	case "pending":
		return venues.StatusPending
	case "accepted":
		return venues.StatusAccepted
	case "partial":
		return venues.StatusPartialFill
	case "filled":
		return venues.StatusFilled
	case "cancelled":
		return venues.StatusCancelled
	case "rejected":
		return venues.StatusRejected
	case "expired":
		return venues.StatusExpired
	default:
		return venues.StatusPending
	}
}

func (a *Adapter) post(ctx context.Context, path string, body, out any) error {
	return a.do(ctx, http.MethodPost, path, body, out)
}

func (a *Adapter) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", a.cfg.APIKey)
	req.Header.Set("X-API-Secret", a.cfg.APISecret)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		if v == "" {
			out[i] = decimal.Zero
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q: %w", v, err)
		}
		out[i] = d
	}
	return out, nil
}
