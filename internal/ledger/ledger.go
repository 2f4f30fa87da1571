// Package ledger is the append-only credit log. Every function runs inside a
// store transaction so the log entry, the denormalized balance and the entity
// that triggered them commit together.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/store"

	"github.com/google/uuid"
)

// InsufficientCreditsError is a recoverable user-facing condition.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

var ErrInvalidAmount = errors.New("amount must be a positive integer")
var ErrReasonRequired = errors.New("reason is required")

func ChargeKey(jobID uuid.UUID, stage models.Stage, attempt int) string {
	return fmt.Sprintf("charge:%s:%s:%d", jobID, stage, attempt)
}

func RefundKey(jobID uuid.UUID, stage models.Stage, attempt int) string {
	return fmt.Sprintf("refund:%s:%s:%d", jobID, stage, attempt)
}

func PurchaseKey(reference string) string {
	return "purchase:" + reference
}

func signupKey(userID uuid.UUID) string {
	return "signup:" + userID.String()
}

type Ledger struct {
	signupBonus int64
	now         func() time.Time
}

func New(signupBonus int64) *Ledger {
	return &Ledger{signupBonus: signupBonus, now: time.Now}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// EnsureAccount returns the locked account, creating it with the signup bonus
// on first use.
func (l *Ledger) EnsureAccount(ctx context.Context, tx store.Tx, userID uuid.UUID) (*models.CreditAccount, error) {
	acct, err := tx.GetAccountForUpdate(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load credit account: %w", err)
	}
	now := l.now()
	acct = &models.CreditAccount{UserID: userID, CreatedAt: now, UpdatedAt: now}
	if err := tx.SaveAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("failed to create credit account: %w", err)
	}
	if l.signupBonus > 0 {
		if _, err := l.append(ctx, tx, acct, models.TxBonus, l.signupBonus, "signup bonus", nil, signupKey(userID)); err != nil {
			return nil, err
		}
	}
	return acct, nil
}

// Charge debits amount for a job stage. Unlimited accounts skip the balance
// check. A repeated key returns the original entry without charging again.
func (l *Ledger) Charge(ctx context.Context, tx store.Tx, userID uuid.UUID, amount int64, reason string, jobID *uuid.UUID, key string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if existing, err := l.existing(ctx, tx, key); err != nil || existing != nil {
		return existing, err
	}
	acct, err := l.EnsureAccount(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if !acct.Unlimited() && amount > acct.Balance {
		return nil, &InsufficientCreditsError{Required: amount, Available: acct.Balance}
	}
	return l.append(ctx, tx, acct, models.TxConsume, -amount, reason, jobID, key)
}

// Grant is an admin credit. kind must be bonus or adjustment.
func (l *Ledger) Grant(ctx context.Context, tx store.Tx, userID uuid.UUID, amount int64, reason string, kind models.TransactionType) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if kind == "" {
		kind = models.TxBonus
	}
	if kind != models.TxBonus && kind != models.TxAdjustment {
		return nil, fmt.Errorf("grant type must be bonus or adjustment, got %q", kind)
	}
	acct, err := l.EnsureAccount(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	return l.append(ctx, tx, acct, kind, amount, reason, nil, "grant:"+uuid.NewString())
}

// Deduct is an admin debit that requires a reason and never drives the balance negative.
func (l *Ledger) Deduct(ctx context.Context, tx store.Tx, userID uuid.UUID, amount int64, reason string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	acct, err := l.EnsureAccount(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if acct.Balance-amount < 0 {
		return nil, &InsufficientCreditsError{Required: amount, Available: acct.Balance}
	}
	return l.append(ctx, tx, acct, models.TxAdjustment, -amount, reason, nil, "deduct:"+uuid.NewString())
}

// Refund returns a stage charge. It is keyed on job, stage and attempt so a
// second refund of the same attempt is a no-op.
func (l *Ledger) Refund(ctx context.Context, tx store.Tx, userID uuid.UUID, amount int64, jobID uuid.UUID, stage models.Stage, attempt int) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	key := RefundKey(jobID, stage, attempt)
	if existing, err := l.existing(ctx, tx, key); err != nil || existing != nil {
		return existing, err
	}
	acct, err := l.EnsureAccount(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	job := jobID
	return l.append(ctx, tx, acct, models.TxAdjustment, amount, fmt.Sprintf("refund: %s failed", stage), &job, key)
}

// RefundCharge returns exactly what the charge keyed on job, stage and attempt
// debited. It returns nil when that attempt was never charged.
func (l *Ledger) RefundCharge(ctx context.Context, tx store.Tx, jobID uuid.UUID, stage models.Stage, attempt int) (*models.CreditTransaction, error) {
	charge, err := l.existing(ctx, tx, ChargeKey(jobID, stage, attempt))
	if err != nil || charge == nil {
		return nil, err
	}
	return l.Refund(ctx, tx, charge.UserID, -charge.Amount, jobID, stage, attempt)
}

// Purchase records credits bought through the payment provider.
func (l *Ledger) Purchase(ctx context.Context, tx store.Tx, userID uuid.UUID, amount int64, reference string) (*models.CreditTransaction, bool, error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if strings.TrimSpace(reference) == "" {
		return nil, false, fmt.Errorf("payment reference is required")
	}
	key := PurchaseKey(reference)
	existing, err := l.existing(ctx, tx, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	acct, err := l.EnsureAccount(ctx, tx, userID)
	if err != nil {
		return nil, false, err
	}
	ct, err := l.append(ctx, tx, acct, models.TxPurchase, amount, "credit purchase "+reference, nil, key)
	return ct, ct != nil, err
}

// Reconciliation compares the denormalized balance with the log.
type Reconciliation struct {
	UserID  uuid.UUID `json:"user_id"`
	Balance int64     `json:"balance"`
	LogSum  int64     `json:"log_sum"`
	Drift   int64     `json:"drift"`
	Fixed   bool      `json:"fixed"`
}

// Reconcile recomputes the balance from the log. With fix set, a drifted
// balance is overwritten by the log sum.
func (l *Ledger) Reconcile(ctx context.Context, tx store.Tx, userID uuid.UUID, fix bool) (*Reconciliation, error) {
	acct, err := tx.GetAccountForUpdate(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, err := tx.SumTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum transactions: %w", err)
	}
	rec := &Reconciliation{UserID: userID, Balance: acct.Balance, LogSum: sum, Drift: acct.Balance - sum}
	if fix && rec.Drift != 0 {
		acct.Balance = sum
		acct.UpdatedAt = l.now()
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return nil, fmt.Errorf("failed to save reconciled balance: %w", err)
		}
		rec.Fixed = true
	}
	return rec, nil
}

func (l *Ledger) existing(ctx context.Context, tx store.Tx, key string) (*models.CreditTransaction, error) {
	if key == "" {
		return nil, nil
	}
	ct, err := tx.FindTransactionByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up transaction: %w", err)
	}
	return ct, nil
}

func (l *Ledger) append(ctx context.Context, tx store.Tx, acct *models.CreditAccount, kind models.TransactionType, amount int64, reason string, jobID *uuid.UUID, key string) (*models.CreditTransaction, error) {
	now := l.now()
	ct := &models.CreditTransaction{
		ID:             uuid.New(),
		UserID:         acct.UserID,
		Type:           kind,
		Amount:         amount,
		Reason:         reason,
		RelatedJobID:   jobID,
		IdempotencyKey: key,
		CreatedAt:      now,
	}
	inserted, err := tx.InsertTransaction(ctx, ct)
	if err != nil {
		return nil, fmt.Errorf("failed to insert credit transaction: %w", err)
	}
	if !inserted {
		return l.existing(ctx, tx, key)
	}
	acct.Balance += amount
	acct.UpdatedAt = now
	if err := tx.SaveAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	return ct, nil
}
