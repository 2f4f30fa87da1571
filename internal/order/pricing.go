package order

import (
	"fmt"
	"strings"
	"time"

	"dream-forge-backend/internal/models"
)

// PricingFunc returns the unit price for a material and size.
type PricingFunc func(material, size string) (int64, error)

// PriceItems freezes unit prices and subtotals at creation time.
func PriceItems(reqs []ItemRequest, pricing PricingFunc) ([]models.OrderItem, error) {
	if pricing == nil {
		return nil, fmt.Errorf("pricing lookup is not configured")
	}
	items := make([]models.OrderItem, 0, len(reqs))
	for i, r := range reqs {
		if r.Quantity <= 0 {
			return nil, fmt.Errorf("item %d: quantity must be positive", i)
		}
		unit, err := pricing(r.Material, r.Size)
		if err != nil {
			return nil, fmt.Errorf("item %d: failed to price: %w", i, err)
		}
		items = append(items, models.OrderItem{
			PipelineID:   r.PipelineID,
			ModelURL:     r.ModelURL,
			ThumbnailURL: r.ThumbnailURL,
			Material:     r.Material,
			Size:         r.Size,
			Colors:       append([]string(nil), r.Colors...),
			Quantity:     r.Quantity,
			UnitPrice:    unit,
			Subtotal:     unit * int64(r.Quantity),
		})
	}
	return items, nil
}

// ComputeTotals sums item subtotals and adds shipping.
func ComputeTotals(items []models.OrderItem, shippingCost int64, currency string) models.Payment {
	var subtotal int64
	for _, it := range items {
		subtotal += it.Subtotal
	}
	return models.Payment{
		Subtotal:     subtotal,
		ShippingCost: shippingCost,
		TotalAmount:  subtotal + shippingCost,
		Currency:     currency,
	}
}

const (
	printLeadDays      = 3
	resinPrintLeadDays = 5
	standardShipDays   = 5
	expressShipDays    = 2
)

func materialLeadDays(material string) int {
	if strings.EqualFold(strings.TrimSpace(material), "resin") {
		return resinPrintLeadDays
	}
	return printLeadDays
}

func shippingLeadDays(method models.ShippingMethod) int {
	if method == models.ShippingExpress {
		return expressShipDays
	}
	return standardShipDays
}

// EstimateDelivery is createdAt plus material lead time plus shipping lead time.
func EstimateDelivery(createdAt time.Time, material string, method models.ShippingMethod) time.Time {
	return createdAt.AddDate(0, 0, materialLeadDays(material)+shippingLeadDays(method))
}

// EstimateDeliveryForItems uses the slowest material in the order.
func EstimateDeliveryForItems(createdAt time.Time, materials []string, method models.ShippingMethod) time.Time {
	slowest := ""
	lead := -1
	for _, m := range materials {
		if d := materialLeadDays(m); d > lead {
			lead = d
			slowest = m
		}
	}
	return EstimateDelivery(createdAt, slowest, method)
}
