// Package order implements the print order lifecycle: legal status moves,
// status history, tracking, pricing and delivery estimates.
package order

import (
	"fmt"
	"strings"
	"time"

	"dream-forge-backend/internal/models"

	"github.com/google/uuid"
)

var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPending:      {models.OrderConfirmed, models.OrderCancelled, models.OrderRefunded},
	models.OrderConfirmed:    {models.OrderPrinting, models.OrderCancelled, models.OrderRefunded},
	models.OrderPrinting:     {models.OrderQualityCheck, models.OrderRefunded},
	models.OrderQualityCheck: {models.OrderShipping, models.OrderRefunded},
	models.OrderShipping:     {models.OrderDelivered, models.OrderRefunded},
	models.OrderDelivered:    {},
	models.OrderCancelled:    {},
	models.OrderRefunded:     {},
}

// CancellableStatuses are the early states from which an owner may cancel.
var CancellableStatuses = []models.OrderStatus{models.OrderPending, models.OrderConfirmed}

func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func AllowedTransitions(from models.OrderStatus) []models.OrderStatus {
	return append([]models.OrderStatus(nil), transitions[from]...)
}

func IsTerminal(s models.OrderStatus) bool {
	return len(transitions[s]) == 0
}

func Cancellable(s models.OrderStatus) bool {
	for _, c := range CancellableStatuses {
		if c == s {
			return true
		}
	}
	return false
}

// TransitionError rejects an illegal status change before any write.
type TransitionError struct {
	From   models.OrderStatus
	To     models.OrderStatus
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("order cannot move from %s to %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("order cannot move from %s to %s", e.From, e.To)
}

// ItemRequest is a requested order line before pricing.
type ItemRequest struct {
	PipelineID   uuid.UUID
	ModelURL     string
	ThumbnailURL string
	Material     string
	Size         string
	Colors       []string
	Quantity     int
}

// NewOrder holds everything needed to open an order.
type NewOrder struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Items           []ItemRequest
	ShippingAddress models.ShippingAddress
	ShippingMethod  models.ShippingMethod
	ShippingCost    int64
	Currency        string
}

// Create prices the items, computes totals and opens the order in pending
// with its initial history entry.
func Create(req NewOrder, pricing PricingFunc, now time.Time) (*models.Order, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("order must contain at least one item")
	}
	if req.ShippingMethod == "" {
		req.ShippingMethod = models.ShippingStandard
	}
	if req.ShippingMethod != models.ShippingStandard && req.ShippingMethod != models.ShippingExpress {
		return nil, fmt.Errorf("unknown shipping method %q", req.ShippingMethod)
	}
	if err := validateAddress(req.ShippingAddress); err != nil {
		return nil, err
	}
	items, err := PriceItems(req.Items, pricing)
	if err != nil {
		return nil, err
	}

	materials := make([]string, 0, len(items))
	for _, it := range items {
		materials = append(materials, it.Material)
	}

	return &models.Order{
		ID:                req.ID,
		UserID:            req.UserID,
		OrderNumber:       OrderNumber(now, req.ID),
		Status:            models.OrderPending,
		Items:             items,
		Payment:           ComputeTotals(items, req.ShippingCost, req.Currency),
		ShippingAddress:   req.ShippingAddress,
		ShippingMethod:    req.ShippingMethod,
		StatusHistory:     []models.StatusHistoryEntry{{From: nil, To: models.OrderPending, ChangedAt: now}},
		EstimatedDelivery: EstimateDeliveryForItems(now, materials, req.ShippingMethod),
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func validateAddress(a models.ShippingAddress) error {
	missing := []string{}
	if strings.TrimSpace(a.RecipientName) == "" {
		missing = append(missing, "recipient_name")
	}
	if strings.TrimSpace(a.Phone) == "" {
		missing = append(missing, "phone")
	}
	if strings.TrimSpace(a.Line1) == "" {
		missing = append(missing, "line1")
	}
	if strings.TrimSpace(a.City) == "" {
		missing = append(missing, "city")
	}
	if len(missing) > 0 {
		return fmt.Errorf("shipping address is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// StatusUpdate is an admin status change request.
type StatusUpdate struct {
	To         models.OrderStatus
	Reason     string
	AdminNotes string
	Tracking   *models.Tracking
}

// UpdateStatus validates the move against the adjacency table and appends one
// history entry. Tracking supplied with a move into shipping is attached in
// the same update.
func UpdateStatus(o *models.Order, upd StatusUpdate, now time.Time) (*models.Order, error) {
	if !upd.To.Valid() {
		return nil, &TransitionError{From: o.Status, To: upd.To, Reason: "unknown status"}
	}
	if !CanTransition(o.Status, upd.To) {
		return nil, &TransitionError{From: o.Status, To: upd.To}
	}
	if upd.Tracking != nil {
		if upd.To != models.OrderShipping {
			return nil, &TransitionError{From: o.Status, To: upd.To, Reason: "tracking can only be attached when moving to shipping"}
		}
		if err := validateTracking(*upd.Tracking); err != nil {
			return nil, err
		}
	}
	return apply(o, upd, now), nil
}

// Cancel is the owner path; it only works from a cancellable status.
func Cancel(o *models.Order, reason string, now time.Time) (*models.Order, error) {
	if !Cancellable(o.Status) {
		return nil, &TransitionError{From: o.Status, To: models.OrderCancelled, Reason: "order is already in production"}
	}
	return apply(o, StatusUpdate{To: models.OrderCancelled, Reason: reason}, now), nil
}

// AttachTracking sets tracking once while the order is shipping.
func AttachTracking(o *models.Order, tracking models.Tracking, now time.Time) (*models.Order, error) {
	if o.Status != models.OrderShipping {
		return nil, &TransitionError{From: o.Status, To: o.Status, Reason: "tracking can only be attached while shipping"}
	}
	if o.Tracking != nil {
		return nil, &TransitionError{From: o.Status, To: o.Status, Reason: "tracking is already set"}
	}
	if err := validateTracking(tracking); err != nil {
		return nil, err
	}
	next := o.Clone()
	next.Tracking = &tracking
	next.UpdatedAt = now
	return next, nil
}

func validateTracking(t models.Tracking) error {
	if strings.TrimSpace(t.Carrier) == "" || strings.TrimSpace(t.TrackingNumber) == "" {
		return fmt.Errorf("tracking requires carrier and tracking number")
	}
	return nil
}

func apply(o *models.Order, upd StatusUpdate, now time.Time) *models.Order {
	next := o.Clone()
	from := o.Status
	next.Status = upd.To
	next.StatusHistory = append(next.StatusHistory, models.StatusHistoryEntry{
		From:      &from,
		To:        upd.To,
		ChangedAt: now,
		Reason:    upd.Reason,
	})
	if upd.AdminNotes != "" {
		next.AdminNotes = upd.AdminNotes
	}
	if upd.Tracking != nil {
		t := *upd.Tracking
		next.Tracking = &t
	}
	next.UpdatedAt = now
	return next
}

// OrderNumber builds the human readable reference DF-YYYYMMDD-XXXXXX.
func OrderNumber(now time.Time, id uuid.UUID) string {
	suffix := strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))[:6]
	return fmt.Sprintf("DF-%s-%s", now.UTC().Format("20060102"), suffix)
}
