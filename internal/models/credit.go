package models

import (
	"time"

	"github.com/google/uuid"
)

type TransactionType string

const (
	TxConsume    TransactionType = "consume"
	TxPurchase   TransactionType = "purchase"
	TxBonus      TransactionType = "bonus"
	TxAdjustment TransactionType = "adjustment"
)

// UnlimitedBalance marks admin/unlimited accounts.
const UnlimitedBalance int64 = 999999

type CreditAccount struct {
	UserID    uuid.UUID `json:"user_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a *CreditAccount) Unlimited() bool {
	return a.Balance >= UnlimitedBalance
}

type CreditTransaction struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	Type           TransactionType `json:"type"`
	Amount         int64           `json:"amount"`
	Reason         string          `json:"reason,omitempty"`
	RelatedJobID   *uuid.UUID      `json:"related_job_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
}
