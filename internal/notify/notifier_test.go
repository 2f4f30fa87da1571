package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/notify"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOrder() *models.Order {
	return &models.Order{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		OrderNumber:    "DF-20250301-1A2B3C",
		Status:         models.OrderPending,
		ShippingMethod: models.ShippingExpress,
		Items: []models.OrderItem{
			{Material: "pla", Size: "small", Quantity: 2, UnitPrice: 590, Subtotal: 1180},
			{Material: "resin", Size: "large", Quantity: 1, UnitPrice: 2890, Subtotal: 2890},
		},
		Payment:   models.Payment{Subtotal: 4070, ShippingCost: 250, TotalAmount: 4320, Currency: "TWD"},
		CreatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestSendNewOrderNotification(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	o := sampleOrder()
	err := notify.NewNotifier().SendNewOrderNotification(context.Background(), o, notify.Options{WebhookURL: srv.URL})
	require.NoError(t, err)

	assert.Equal(t, "order.created", got["event"])
	assert.Equal(t, "DF-20250301-1A2B3C", got["order_number"])
	assert.Equal(t, float64(4320), got["total"])
	assert.Equal(t, "New order DF-20250301-1A2B3C: 3 item(s), total 4320 TWD (express shipping)", got["text"])
	assert.Len(t, got["items"], 2)
}

func TestSendNewOrderNotification_NoWebhookIsNoop(t *testing.T) {
	err := notify.NewNotifier().SendNewOrderNotification(context.Background(), sampleOrder(), notify.Options{})
	assert.NoError(t, err)
}

func TestSendNewOrderNotification_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	err := notify.NewNotifier().SendNewOrderNotification(context.Background(), sampleOrder(), notify.Options{WebhookURL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}
