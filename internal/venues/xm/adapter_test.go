package xm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/exodusarc/exodus-core/internal/venues"
	"github.com/exodusarc/exodus-core/pkg/models"
)

func newBridgeStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/account/balance", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"currency": "USD", "balance": "25000", "equity": "25100",
			"marginUsed": "500", "freeMargin": "24600",
		})
	})
	mux.HandleFunc("/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(map[string]any{
			"orderId":   "xm-42",
			"symbol":    req["symbol"],
			"side":      req["side"],
			"quantity":  req["quantity"],
			"price":     "1.0851",
			"status":    "filled",
			"timestamp": "2026-08-31T12:00:00Z",
			"fills": []map[string]string{{
				"executionId": "xm-42-1",
				"quantity":    req["quantity"].(string),
				"price":       "1.0851",
				"timestamp":   "2026-08-31T12:00:00Z",
			}},
		})
	})
	mux.HandleFunc("/v1/marketdata/EURUSD", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"bid": "1.0849", "ask": "1.0851"})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newStubAdapter(t *testing.T) *Adapter {
	t.Helper()
	server := newBridgeStub(t)
	return NewAdapter(Config{
		BaseURL:   server.URL,
		APIKey:    "test-key",
		APISecret: "test-secret",
		AccountID: "acct-1",
	}, zaptest.NewLogger(t))
}

func TestConnectProbesBalance(t *testing.T) {
	a := newStubAdapter(t)
	require.NoError(t, a.Connect(context.Background()))

	balance, err := a.GetAccountBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "USD", balance.Currency)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(25000)))
}

func TestConnectFailsWithBadCredentials(t *testing.T) {
	server := newBridgeStub(t)
	a := NewAdapter(Config{BaseURL: server.URL, APIKey: "wrong"}, zaptest.NewLogger(t))
	assert.Error(t, a.Connect(context.Background()))
}

func TestSubmitOrderMapsExecutionReport(t *testing.T) {
	a := newStubAdapter(t)

	order := &models.Order{
		ID:       uuid.New(),
		Symbol:   "EURUSD",
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeLimit,
		Quantity: decimal.NewFromInt(100),
		Price:    decimal.NewFromFloat(1.0850),
	}
	report, err := a.SubmitOrder(context.Background(), order)
	require.NoError(t, err)

	assert.Equal(t, "xm-42", report.VenueOrderID)
	assert.Equal(t, venues.StatusFilled, report.Status)
	require.Len(t, report.Fills, 1)
	assert.Equal(t, "xm-42-1", report.Fills[0].ExecutionID)
	assert.Equal(t, order.ID.String(), report.Fills[0].OrderID)
	assert.True(t, report.Fills[0].Quantity.Equal(decimal.NewFromInt(100)))
}

func TestGetMarketData(t *testing.T) {
	a := newStubAdapter(t)
	snapshot, err := a.GetMarketData(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.True(t, snapshot.Mid.Equal(decimal.NewFromFloat(1.0850)))
	assert.True(t, snapshot.Spread.Equal(decimal.NewFromFloat(0.0002)))
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, venues.StatusFilled, mapStatus("filled"))
	assert.Equal(t, venues.StatusPartialFill, mapStatus("partial"))
	assert.Equal(t, venues.StatusPending, mapStatus("weird"))
}
