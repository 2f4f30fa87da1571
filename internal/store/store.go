// Package store defines the persistence ports shared by the PostgreSQL and
// in-memory implementations.
package store

import (
	"context"
	"errors"

	"dream-forge-backend/internal/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 20
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type PipelineFilter struct {
	UserID           *uuid.UUID
	Status           *models.PipelineStatus
	IncludeAbandoned bool
	Page             Page
}

type SessionFilter struct {
	UserID *uuid.UUID
	Status *models.SessionStatus
	Page   Page
}

type OrderFilter struct {
	UserID *uuid.UUID
	Status *models.OrderStatus
	Page   Page
}

// Store is the read side plus the unit-of-work entry point.
type Store interface {
	// RunInTx runs fn in one atomic unit. Writes made through tx are visible
	// to others only if fn returns nil.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	GetPipeline(ctx context.Context, id uuid.UUID) (*models.Pipeline, error)
	ListPipelines(ctx context.Context, filter PipelineFilter) ([]*models.Pipeline, int, error)
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, int, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*models.Order, int, error)
	GetAccount(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error)
	ListAccounts(ctx context.Context, page Page) ([]*models.CreditAccount, int, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, page Page) ([]*models.CreditTransaction, int, error)
	ListAddresses(ctx context.Context, userID uuid.UUID) ([]*models.SavedAddress, error)
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the write side. Get*ForUpdate locks the row for the rest of the unit.
type Tx interface {
	GetPipelineForUpdate(ctx context.Context, id uuid.UUID) (*models.Pipeline, error)
	SavePipeline(ctx context.Context, p *models.Pipeline) error

	GetSessionForUpdate(ctx context.Context, id uuid.UUID) (*models.Session, error)
	SaveSession(ctx context.Context, s *models.Session) error

	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	SaveOrder(ctx context.Context, o *models.Order) error

	GetAccountForUpdate(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error)
	SaveAccount(ctx context.Context, a *models.CreditAccount) error

	// InsertTransaction reports false when the idempotency key already exists.
	InsertTransaction(ctx context.Context, t *models.CreditTransaction) (bool, error)
	FindTransactionByKey(ctx context.Context, key string) (*models.CreditTransaction, error)
	SumTransactions(ctx context.Context, userID uuid.UUID) (int64, error)

	SaveAddress(ctx context.Context, a *models.SavedAddress) error
}
