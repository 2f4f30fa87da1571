package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/store"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// DatabaseClient is the PostgreSQL implementation of store.Store.
type DatabaseClient struct {
	db *sql.DB
}

var _ store.Store = (*DatabaseClient)(nil)

func NewDatabaseClient(connectionString string) (*DatabaseClient, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &DatabaseClient{db: db}, nil
}

// NewDatabaseClientFromDB wraps an existing handle.
func NewDatabaseClientFromDB(db *sql.DB) *DatabaseClient {
	return &DatabaseClient{db: db}
}

// DB exposes the pool for the migrator.
func (d *DatabaseClient) DB() *sql.DB {
	return d.db
}

func (d *DatabaseClient) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DatabaseClient) Close() error {
	return d.db.Close()
}

func (d *DatabaseClient) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (d *DatabaseClient) GetPipeline(ctx context.Context, id uuid.UUID) (*models.Pipeline, error) {
	var p models.Pipeline
	if err := scanDocument(d.db.QueryRowContext(ctx, selectPipeline, id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *DatabaseClient) ListPipelines(ctx context.Context, filter store.PipelineFilter) ([]*models.Pipeline, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.IncludeAbandoned {
		where = append(where, "abandoned_at IS NULL")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pipelines"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count pipelines: %w", err)
	}

	page := filter.Page.Normalize()
	query := fmt.Sprintf("SELECT document FROM pipelines%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d", clause, len(args)+1, len(args)+2)
	rows, err := d.db.QueryContext(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	var out []*models.Pipeline
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, 0, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		var p models.Pipeline
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, 0, fmt.Errorf("failed to decode pipeline: %w", err)
		}
		out = append(out, &p)
	}
	return out, total, rows.Err()
}

func (d *DatabaseClient) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var s models.Session
	if err := scanDocument(d.db.QueryRowContext(ctx, selectSession, id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *DatabaseClient) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var o models.Order
	if err := scanDocument(d.db.QueryRowContext(ctx, selectOrder, id), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (d *DatabaseClient) ListSessions(ctx context.Context, filter store.SessionFilter) ([]*models.Session, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	page := filter.Page.Normalize()
	query := fmt.Sprintf("SELECT document FROM sessions%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d", clause, len(args)+1, len(args)+2)
	rows, err := d.db.QueryContext(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, 0, fmt.Errorf("failed to scan session: %w", err)
		}
		var sess models.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, 0, fmt.Errorf("failed to decode session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, total, rows.Err()
}

func (d *DatabaseClient) ListOrders(ctx context.Context, filter store.OrderFilter) ([]*models.Order, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	page := filter.Page.Normalize()
	query := fmt.Sprintf("SELECT document FROM orders%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d", clause, len(args)+1, len(args)+2)
	rows, err := d.db.QueryContext(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []*models.Order
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, 0, fmt.Errorf("failed to scan order: %w", err)
		}
		var o models.Order
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, 0, fmt.Errorf("failed to decode order: %w", err)
		}
		out = append(out, &o)
	}
	return out, total, rows.Err()
}

func (d *DatabaseClient) GetAccount(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error) {
	return scanAccount(d.db.QueryRowContext(ctx, selectAccount, userID))
}

func (d *DatabaseClient) ListAccounts(ctx context.Context, page store.Page) ([]*models.CreditAccount, int, error) {
	var total int
	if err := d.db.QueryRowContext(ctx, countAccounts).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	page = page.Normalize()
	rows, err := d.db.QueryContext(ctx, listAccounts, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.CreditAccount
	for rows.Next() {
		var a models.CreditAccount
		if err := rows.Scan(&a.UserID, &a.Balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, &a)
	}
	return out, total, rows.Err()
}

func (d *DatabaseClient) ListTransactions(ctx context.Context, userID uuid.UUID, page store.Page) ([]*models.CreditTransaction, int, error) {
	var total int
	if err := d.db.QueryRowContext(ctx, countTransactions, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	page = page.Normalize()
	rows, err := d.db.QueryContext(ctx, listTransactions, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.CreditTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (d *DatabaseClient) ListAddresses(ctx context.Context, userID uuid.UUID) ([]*models.SavedAddress, error) {
	rows, err := d.db.QueryContext(ctx, listAddresses, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	defer rows.Close()

	var out []*models.SavedAddress
	for rows.Next() {
		var (
			a   models.SavedAddress
			raw []byte
		)
		if err := rows.Scan(&a.ID, &a.UserID, &raw, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		if err := json.Unmarshal(raw, &a.Address); err != nil {
			return nil, fmt.Errorf("failed to decode address: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetPipelineForUpdate(ctx context.Context, id uuid.UUID) (*models.Pipeline, error) {
	var p models.Pipeline
	if err := scanDocument(t.tx.QueryRowContext(ctx, selectPipelineForUpdate, id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) SavePipeline(ctx context.Context, p *models.Pipeline) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pipeline: %w", err)
	}
	var abandoned sql.NullTime
	if p.AbandonedAt != nil {
		abandoned = sql.NullTime{Time: *p.AbandonedAt, Valid: true}
	}
	if _, err := t.tx.ExecContext(ctx, upsertPipeline, p.ID, p.UserID, string(p.Status), abandoned, doc, p.CreatedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save pipeline: %w", err)
	}
	return nil
}

func (t *pgTx) GetSessionForUpdate(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var s models.Session
	if err := scanDocument(t.tx.QueryRowContext(ctx, selectSessionForUpdate, id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) SaveSession(ctx context.Context, s *models.Session) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, upsertSession, s.ID, s.UserID, string(s.Status), doc, s.CreatedAt, s.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var o models.Order
	if err := scanDocument(t.tx.QueryRowContext(ctx, selectOrderForUpdate, id), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// SaveOrder upserts the document and appends any history entries the audit
// table has not seen yet.
func (t *pgTx) SaveOrder(ctx context.Context, o *models.Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, upsertOrder, o.ID, o.UserID, o.OrderNumber, string(o.Status), doc, o.CreatedAt, o.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}

	var recorded int
	if err := t.tx.QueryRowContext(ctx, countOrderHistory, o.ID).Scan(&recorded); err != nil {
		return fmt.Errorf("failed to count order history: %w", err)
	}
	for _, h := range o.StatusHistory[min(recorded, len(o.StatusHistory)):] {
		var from sql.NullString
		if h.From != nil {
			from = sql.NullString{String: string(*h.From), Valid: true}
		}
		if _, err := t.tx.ExecContext(ctx, insertOrderHistory, o.ID, from, string(h.To), h.Reason, h.ChangedAt); err != nil {
			return fmt.Errorf("failed to append order history: %w", err)
		}
	}
	return nil
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error) {
	return scanAccount(t.tx.QueryRowContext(ctx, selectAccountForUpdate, userID))
}

func (t *pgTx) SaveAccount(ctx context.Context, a *models.CreditAccount) error {
	if _, err := t.tx.ExecContext(ctx, upsertAccount, a.UserID, a.Balance, a.CreatedAt, a.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save credit account: %w", err)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, ct *models.CreditTransaction) (bool, error) {
	var job uuid.NullUUID
	if ct.RelatedJobID != nil {
		job = uuid.NullUUID{UUID: *ct.RelatedJobID, Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, insertTransaction,
		ct.ID, ct.UserID, string(ct.Type), ct.Amount, ct.Reason, job, ct.IdempotencyKey, ct.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (t *pgTx) FindTransactionByKey(ctx context.Context, key string) (*models.CreditTransaction, error) {
	return scanTransaction(t.tx.QueryRowContext(ctx, selectTransactionByKey, key))
}

func (t *pgTx) SumTransactions(ctx context.Context, userID uuid.UUID) (int64, error) {
	var sum int64
	if err := t.tx.QueryRowContext(ctx, sumTransactions, userID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}

func (t *pgTx) SaveAddress(ctx context.Context, a *models.SavedAddress) error {
	raw, err := json.Marshal(a.Address)
	if err != nil {
		return fmt.Errorf("failed to encode address: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, insertAddress, a.ID, a.UserID, raw, a.CreatedAt); err != nil {
		return fmt.Errorf("failed to save address: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner, dest interface{}) error {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to scan document: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

func scanAccount(row rowScanner) (*models.CreditAccount, error) {
	var a models.CreditAccount
	if err := row.Scan(&a.UserID, &a.Balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan credit account: %w", err)
	}
	return &a, nil
}

func scanTransaction(row rowScanner) (*models.CreditTransaction, error) {
	var (
		t      models.CreditTransaction
		kind   string
		reason sql.NullString
		job    uuid.NullUUID
	)
	if err := row.Scan(&t.ID, &t.UserID, &kind, &t.Amount, &reason, &job, &t.IdempotencyKey, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	t.Type = models.TransactionType(kind)
	t.Reason = reason.String
	if job.Valid {
		id := job.UUID
		t.RelatedJobID = &id
	}
	return &t, nil
}
