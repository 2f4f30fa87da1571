package services

import (
	"context"
	"fmt"
	"time"

	"dream-forge-backend/internal/events"
	"dream-forge-backend/internal/logger"
	"dream-forge-backend/internal/metrics"
	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/notify"
	"dream-forge-backend/internal/order"
	"dream-forge-backend/internal/store"

	"github.com/google/uuid"
)

// PriceList resolves unit and shipping prices. *config.PricingTable implements it.
type PriceList interface {
	UnitPrice(material, size string) (int64, error)
	ShippingCost(method string) (int64, error)
}

type OrderNotifier interface {
	SendNewOrderNotification(ctx context.Context, o *models.Order, opts notify.Options) error
}

type OrderDeps struct {
	Store      store.Store
	Prices     PriceList
	Currency   string
	Notifier   OrderNotifier
	WebhookURL string
	Dispatcher *Dispatcher
	Publisher  events.Publisher
	Metrics    *metrics.Collector
	Logger     *logger.Logger
}

type OrderService struct {
	store      store.Store
	prices     PriceList
	currency   string
	notifier   OrderNotifier
	webhookURL string
	dispatcher *Dispatcher
	publisher  events.Publisher
	metrics    *metrics.Collector
	logger     *logger.Logger
	now        func() time.Time
}

func NewOrderService(deps OrderDeps) *OrderService {
	return &OrderService{
		store:      deps.Store,
		prices:     deps.Prices,
		currency:   deps.Currency,
		notifier:   deps.Notifier,
		webhookURL: deps.WebhookURL,
		dispatcher: deps.Dispatcher,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With("component", "OrderService"),
		now:        time.Now,
	}
}

type OrderItemInput struct {
	PipelineID uuid.UUID
	Material   string
	Size       string
	Colors     []string
	Quantity   int
}

type CreateOrderInput struct {
	Items           []OrderItemInput
	ShippingAddress models.ShippingAddress
	ShippingMethod  models.ShippingMethod
	SaveAddress     bool
}

// orderable reports whether a pipeline has a model that can be printed.
func orderable(p *models.Pipeline) bool {
	return p.Status == models.StatusMeshReady || p.Status == models.StatusCompleted
}

// CreateOrder prices the requested prints and opens a pending order. Model
// and thumbnail URLs are copied from the pipelines so later pipeline changes
// do not alter the order.
func (s *OrderService) CreateOrder(ctx context.Context, userID uuid.UUID, in CreateOrderInput) (*models.Order, error) {
	method := in.ShippingMethod
	if method == "" {
		method = models.ShippingStandard
	}
	shipping, err := s.prices.ShippingCost(string(method))
	if err != nil {
		return nil, &InvalidInputError{Err: err}
	}

	var created *models.Order
	err = s.store.RunInTx(ctx, func(tx store.Tx) error {
		items := make([]order.ItemRequest, 0, len(in.Items))
		for _, it := range in.Items {
			p, err := tx.GetPipelineForUpdate(ctx, it.PipelineID)
			if err != nil {
				return fmt.Errorf("failed to load pipeline %s: %w", it.PipelineID, err)
			}
			if p.UserID != userID {
				return ErrForbidden
			}
			if p.Abandoned() || !orderable(p) {
				return &InvalidInputError{Err: fmt.Errorf("pipeline %s has no printable model (status %s)", p.ID, p.Status)}
			}
			req := order.ItemRequest{
				PipelineID: p.ID,
				Material:   it.Material,
				Size:       it.Size,
				Colors:     it.Colors,
				Quantity:   it.Quantity,
			}
			switch {
			case p.TexturedModelURL != nil:
				req.ModelURL = *p.TexturedModelURL
			case p.MeshURL != nil:
				req.ModelURL = *p.MeshURL
			}
			if p.ThumbnailURL != nil {
				req.ThumbnailURL = *p.ThumbnailURL
			}
			items = append(items, req)
		}

		o, err := order.Create(order.NewOrder{
			ID:              uuid.New(),
			UserID:          userID,
			Items:           items,
			ShippingAddress: in.ShippingAddress,
			ShippingMethod:  method,
			ShippingCost:    shipping,
			Currency:        s.currency,
		}, s.prices.UnitPrice, s.now())
		if err != nil {
			return &InvalidInputError{Err: err}
		}
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		if in.SaveAddress {
			if err := tx.SaveAddress(ctx, &models.SavedAddress{
				ID:        uuid.New(),
				UserID:    userID,
				Address:   in.ShippingAddress,
				CreatedAt: o.CreatedAt,
			}); err != nil {
				return fmt.Errorf("failed to save address: %w", err)
			}
		}
		created = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order created", "order_id", created.ID, "order_number", created.OrderNumber, "user_id", userID, "total", created.Payment.TotalAmount)
	s.metrics.RecordTransition("order", "", string(created.Status))
	s.publish(ctx, created)
	s.notify(created)
	return created, nil
}

func (s *OrderService) notify(o *models.Order) {
	if s.notifier == nil || s.webhookURL == "" {
		return
	}
	send := func(ctx context.Context) {
		if err := s.notifier.SendNewOrderNotification(ctx, o, notify.Options{WebhookURL: s.webhookURL}); err != nil {
			s.logger.Warn("failed to send order notification", "order_id", o.ID, "error", err)
		}
	}
	if s.dispatcher == nil {
		send(context.Background())
		return
	}
	if err := s.dispatcher.Submit("notify:"+o.ID.String(), send); err != nil {
		s.logger.Warn("failed to queue order notification", "order_id", o.ID, "error", err)
	}
}

func (s *OrderService) GetOrder(ctx context.Context, userID, id uuid.UUID) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrForbidden
	}
	return o, nil
}

func (s *OrderService) ListOrders(ctx context.Context, userID uuid.UUID, page store.Page) ([]*models.Order, int, error) {
	uid := userID
	list, total, err := s.store.ListOrders(ctx, store.OrderFilter{UserID: &uid, Page: page})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	return list, total, nil
}

// ListAllOrders is the admin view, optionally filtered by status.
func (s *OrderService) ListAllOrders(ctx context.Context, status *models.OrderStatus, page store.Page) ([]*models.Order, int, error) {
	list, total, err := s.store.ListOrders(ctx, store.OrderFilter{Status: status, Page: page})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	return list, total, nil
}

func (s *OrderService) ListAddresses(ctx context.Context, userID uuid.UUID) ([]*models.SavedAddress, error) {
	list, err := s.store.ListAddresses(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	return list, nil
}

// CancelOrder is the owner path.
func (s *OrderService) CancelOrder(ctx context.Context, userID, id uuid.UUID, reason string) (*models.Order, error) {
	if reason == "" {
		reason = "cancelled by customer"
	}
	return s.mutate(ctx, &userID, id, func(o *models.Order) (*models.Order, error) {
		return order.Cancel(o, reason, s.now())
	})
}

// UpdateStatus is the admin path. Any move allowed by the adjacency table is accepted.
func (s *OrderService) UpdateStatus(ctx context.Context, id uuid.UUID, upd order.StatusUpdate) (*models.Order, error) {
	return s.mutate(ctx, nil, id, func(o *models.Order) (*models.Order, error) {
		return order.UpdateStatus(o, upd, s.now())
	})
}

func (s *OrderService) UpdateTracking(ctx context.Context, id uuid.UUID, tracking models.Tracking) (*models.Order, error) {
	return s.mutate(ctx, nil, id, func(o *models.Order) (*models.Order, error) {
		return order.AttachTracking(o, tracking, s.now())
	})
}

func (s *OrderService) mutate(ctx context.Context, owner *uuid.UUID, id uuid.UUID, fn func(*models.Order) (*models.Order, error)) (*models.Order, error) {
	var (
		prev models.OrderStatus
		next *models.Order
	)
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if owner != nil && o.UserID != *owner {
			return ErrForbidden
		}
		prev = o.Status
		next, err = fn(o)
		if err != nil {
			return err
		}
		return tx.SaveOrder(ctx, next)
	})
	if err != nil {
		return nil, err
	}
	if prev != next.Status {
		s.logger.Info("order status changed", "order_id", id, "from", prev, "to", next.Status)
		s.metrics.RecordTransition("order", string(prev), string(next.Status))
	}
	s.publish(ctx, next)
	return next, nil
}

func (s *OrderService) publish(ctx context.Context, o *models.Order) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.OrderEvent(o)); err != nil {
		s.logger.Warn("failed to publish order event", "order_id", o.ID, "error", err)
	}
}
