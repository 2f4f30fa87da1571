package services

import (
	"context"
	"fmt"

	"dream-forge-backend/internal/events"
	"dream-forge-backend/internal/ledger"
	"dream-forge-backend/internal/logger"
	"dream-forge-backend/internal/metrics"
	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/store"

	"github.com/google/uuid"
)

type CreditService struct {
	store     store.Store
	ledger    *ledger.Ledger
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    *logger.Logger
}

func NewCreditService(st store.Store, l *ledger.Ledger, pub events.Publisher, m *metrics.Collector, log *logger.Logger) *CreditService {
	return &CreditService{
		store:     st,
		ledger:    l,
		publisher: pub,
		metrics:   m,
		logger:    log.With("component", "CreditService"),
	}
}

// Balance returns the caller's account, creating it with the signup bonus on first access.
func (s *CreditService) Balance(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err == nil {
		return acct, nil
	}
	err = s.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		acct, err = s.ledger.EnsureAccount(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load credit account: %w", err)
	}
	return acct, nil
}

func (s *CreditService) Transactions(ctx context.Context, userID uuid.UUID, page store.Page) ([]*models.CreditTransaction, int, error) {
	list, total, err := s.store.ListTransactions(ctx, userID, page)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	return list, total, nil
}

// RecordPurchase credits a payment. Repeated deliveries of the same
// reference return the original transaction and created=false.
func (s *CreditService) RecordPurchase(ctx context.Context, userID uuid.UUID, amount int64, reference string) (*models.CreditTransaction, bool, error) {
	var (
		ct      *models.CreditTransaction
		created bool
		balance int64
	)
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		ct, created, err = s.ledger.Purchase(ctx, tx, userID, amount, reference)
		if err != nil {
			return err
		}
		acct, err := tx.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		balance = acct.Balance
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("credit purchase recorded", "user_id", userID, "amount", amount, "reference", reference)
		s.metrics.RecordCredits(string(ct.Type), ct.Amount)
		s.publishBalance(ctx, userID, balance)
	} else {
		s.logger.Info("duplicate credit purchase ignored", "user_id", userID, "reference", reference)
	}
	return ct, created, nil
}

func (s *CreditService) publishBalance(ctx context.Context, userID uuid.UUID, balance int64) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.CreditsEvent(userID, balance)); err != nil {
		s.logger.Warn("failed to publish credits event", "user_id", userID, "error", err)
	}
}
