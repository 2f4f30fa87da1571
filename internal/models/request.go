package models

import "github.com/google/uuid"

// CreatePipelineRequest is the JSON form of pipeline creation. Multipart
// uploads send the photo as the "image" field and the rest as form values.
type CreatePipelineRequest struct {
	ImageURL string           `json:"image_url"`
	Mode     ProcessingMode   `json:"mode"`
	Settings PipelineSettings `json:"settings"`
}

type AddImageRequest struct {
	ImageURL string `json:"image_url"`
}

type StartViewsRequest struct {
	Angles []ViewAngle `json:"angles" binding:"required,min=1"`
}

type CreateSessionRequest struct {
	ImageURL string `json:"image_url"`
}

type SetStepRequest struct {
	Step int `json:"step" binding:"required"`
}

type OrderItemRequest struct {
	PipelineID uuid.UUID `json:"pipeline_id" binding:"required"`
	Material   string    `json:"material" binding:"required"`
	Size       string    `json:"size" binding:"required"`
	Colors     []string  `json:"colors,omitempty"`
	Quantity   int       `json:"quantity"`
}

type CreateOrderRequest struct {
	Items           []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	ShippingAddress ShippingAddress    `json:"shipping_address"`
	ShippingMethod  ShippingMethod     `json:"shipping_method"`
	SaveAddress     bool               `json:"save_address"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

// AdminCreditRequest grants (positive) or deducts credits for a user.
type AdminCreditRequest struct {
	UserID uuid.UUID       `json:"user_id" binding:"required"`
	Amount int64           `json:"amount" binding:"required,gt=0"`
	Reason string          `json:"reason"`
	Type   TransactionType `json:"type"`
}

type UpdateOrderStatusRequest struct {
	Status     OrderStatus `json:"status" binding:"required"`
	Reason     string      `json:"reason"`
	AdminNotes string      `json:"admin_notes"`
	Tracking   *Tracking   `json:"tracking,omitempty"`
}

// PaymentWebhookRequest is posted by the payment processor after a
// successful credit purchase. Reference is unique per payment.
type PaymentWebhookRequest struct {
	UserID    uuid.UUID `json:"user_id" binding:"required"`
	Amount    int64     `json:"amount" binding:"required,gt=0"`
	Reference string    `json:"reference" binding:"required"`
}
