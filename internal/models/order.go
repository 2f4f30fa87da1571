package models

import (
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderPending      OrderStatus = "pending"
	OrderConfirmed    OrderStatus = "confirmed"
	OrderPrinting     OrderStatus = "printing"
	OrderQualityCheck OrderStatus = "quality_check"
	OrderShipping     OrderStatus = "shipping"
	OrderDelivered    OrderStatus = "delivered"
	OrderCancelled    OrderStatus = "cancelled"
	OrderRefunded     OrderStatus = "refunded"
)

var AllOrderStatuses = []OrderStatus{
	OrderPending,
	OrderConfirmed,
	OrderPrinting,
	OrderQualityCheck,
	OrderShipping,
	OrderDelivered,
	OrderCancelled,
	OrderRefunded,
}

func (s OrderStatus) Valid() bool {
	for _, known := range AllOrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

type ShippingMethod string

const (
	ShippingStandard ShippingMethod = "standard"
	ShippingExpress  ShippingMethod = "express"
)

type OrderItem struct {
	PipelineID   uuid.UUID `json:"pipeline_id"`
	ModelURL     string    `json:"model_url,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Material     string    `json:"material"`
	Size         string    `json:"size"`
	Colors       []string  `json:"colors,omitempty"`
	Quantity     int       `json:"quantity"`
	UnitPrice    int64     `json:"unit_price"`
	Subtotal     int64     `json:"subtotal"`
}

type Payment struct {
	Subtotal     int64  `json:"subtotal"`
	ShippingCost int64  `json:"shipping_cost"`
	TotalAmount  int64  `json:"total_amount"`
	Currency     string `json:"currency"`
}

type ShippingAddress struct {
	RecipientName string `json:"recipient_name"`
	Phone         string `json:"phone"`
	Line1         string `json:"line1"`
	Line2         string `json:"line2,omitempty"`
	City          string `json:"city"`
	PostalCode    string `json:"postal_code"`
	Country       string `json:"country"`
}

type Tracking struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
	TrackingURL    string `json:"tracking_url,omitempty"`
}

type StatusHistoryEntry struct {
	From      *OrderStatus `json:"from"`
	To        OrderStatus  `json:"to"`
	ChangedAt time.Time    `json:"changed_at"`
	Reason    string       `json:"reason,omitempty"`
}

type Order struct {
	ID                uuid.UUID            `json:"id"`
	UserID            uuid.UUID            `json:"user_id"`
	OrderNumber       string               `json:"order_number"`
	Status            OrderStatus          `json:"status"`
	Items             []OrderItem          `json:"items"`
	Payment           Payment              `json:"payment"`
	ShippingAddress   ShippingAddress      `json:"shipping_address"`
	ShippingMethod    ShippingMethod       `json:"shipping_method"`
	Tracking          *Tracking            `json:"tracking,omitempty"`
	StatusHistory     []StatusHistoryEntry `json:"status_history"`
	AdminNotes        string               `json:"admin_notes,omitempty"`
	EstimatedDelivery time.Time            `json:"estimated_delivery"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	out.Items = make([]OrderItem, len(o.Items))
	for i, it := range o.Items {
		it.Colors = append([]string(nil), it.Colors...)
		out.Items[i] = it
	}
	if o.Tracking != nil {
		t := *o.Tracking
		out.Tracking = &t
	}
	out.StatusHistory = make([]StatusHistoryEntry, len(o.StatusHistory))
	for i, h := range o.StatusHistory {
		if h.From != nil {
			from := *h.From
			h.From = &from
		}
		out.StatusHistory[i] = h
	}
	return &out
}

type SavedAddress struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Address   ShippingAddress `json:"address"`
	CreatedAt time.Time       `json:"created_at"`
}
