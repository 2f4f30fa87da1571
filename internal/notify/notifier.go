// Package notify sends operator notifications about new print orders.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dream-forge-backend/internal/models"
)

type Options struct {
	WebhookURL string
}

// Notifier posts order notifications to a chat or automation webhook.
type Notifier struct {
	httpClient *http.Client
}

func NewNotifier() *Notifier {
	return &Notifier{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type orderItemPayload struct {
	Material string `json:"material"`
	Size     string `json:"size"`
	Quantity int    `json:"quantity"`
	Subtotal int64  `json:"subtotal"`
}

type newOrderPayload struct {
	Event       string             `json:"event"`
	Text        string             `json:"text"`
	Content     string             `json:"content"`
	OrderID     string             `json:"order_id"`
	OrderNumber string             `json:"order_number"`
	UserID      string             `json:"user_id"`
	Total       int64              `json:"total"`
	Currency    string             `json:"currency"`
	Shipping    string             `json:"shipping_method"`
	Items       []orderItemPayload `json:"items"`
	CreatedAt   time.Time          `json:"created_at"`
}

// SendNewOrderNotification posts the order summary. An empty webhook URL is
// a no-op. Callers treat errors as best effort.
func (n *Notifier) SendNewOrderNotification(ctx context.Context, o *models.Order, opts Options) error {
	if strings.TrimSpace(opts.WebhookURL) == "" {
		return nil
	}
	summary := Summary(o)
	payload := newOrderPayload{
		Event:       "order.created",
		Text:        summary,
		Content:     summary,
		OrderID:     o.ID.String(),
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID.String(),
		Total:       o.Payment.TotalAmount,
		Currency:    o.Payment.Currency,
		Shipping:    string(o.ShippingMethod),
		CreatedAt:   o.CreatedAt,
	}
	for _, it := range o.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			Material: it.Material,
			Size:     it.Size,
			Quantity: it.Quantity,
			Subtotal: it.Subtotal,
		})
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.WebhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("failed to send notification: status %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Summary is the one-line human readable description of an order.
func Summary(o *models.Order) string {
	count := 0
	for _, it := range o.Items {
		count += it.Quantity
	}
	return fmt.Sprintf("New order %s: %d item(s), total %d %s (%s shipping)",
		o.OrderNumber, count, o.Payment.TotalAmount, o.Payment.Currency, o.ShippingMethod)
}
