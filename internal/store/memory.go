package store

import (
	"context"
	"sort"
	"sync"

	"dream-forge-backend/internal/models"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Transactions are serialized under one lock
// and staged writes are applied only when the unit succeeds.
type Memory struct {
	mu           sync.RWMutex
	pipelines    map[uuid.UUID]*models.Pipeline
	sessions     map[uuid.UUID]*models.Session
	orders       map[uuid.UUID]*models.Order
	accounts     map[uuid.UUID]*models.CreditAccount
	transactions []*models.CreditTransaction
	keys         map[string]int
	addresses    map[uuid.UUID][]*models.SavedAddress
}

func NewMemory() *Memory {
	return &Memory{
		pipelines: make(map[uuid.UUID]*models.Pipeline),
		sessions:  make(map[uuid.UUID]*models.Session),
		orders:    make(map[uuid.UUID]*models.Order),
		accounts:  make(map[uuid.UUID]*models.CreditAccount),
		keys:      make(map[string]int),
		addresses: make(map[uuid.UUID][]*models.SavedAddress),
	}
}

func (m *Memory) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		m:         m,
		pipelines: make(map[uuid.UUID]*models.Pipeline),
		sessions:  make(map[uuid.UUID]*models.Session),
		orders:    make(map[uuid.UUID]*models.Order),
		accounts:  make(map[uuid.UUID]*models.CreditAccount),
		keys:      make(map[string]*models.CreditTransaction),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *Memory) GetPipeline(_ context.Context, id uuid.UUID) (*models.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) ListPipelines(_ context.Context, filter PipelineFilter) ([]*models.Pipeline, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*models.Pipeline
	for _, p := range m.pipelines {
		if filter.UserID != nil && p.UserID != *filter.UserID {
			continue
		}
		if filter.Status != nil && p.Status != *filter.Status {
			continue
		}
		if !filter.IncludeAbandoned && p.Abandoned() {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	page := paginate(len(all), filter.Page)
	out := make([]*models.Pipeline, 0, page.end-page.start)
	for _, p := range all[page.start:page.end] {
		out = append(out, p.Clone())
	}
	return out, len(all), nil
}

func (m *Memory) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) ListSessions(_ context.Context, filter SessionFilter) ([]*models.Session, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*models.Session
	for _, s := range m.sessions {
		if filter.UserID != nil && s.UserID != *filter.UserID {
			continue
		}
		if filter.Status != nil && s.Status != *filter.Status {
			continue
		}
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	page := paginate(len(all), filter.Page)
	out := make([]*models.Session, 0, page.end-page.start)
	for _, s := range all[page.start:page.end] {
		out = append(out, s.Clone())
	}
	return out, len(all), nil
}

func (m *Memory) GetOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *Memory) ListOrders(_ context.Context, filter OrderFilter) ([]*models.Order, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*models.Order
	for _, o := range m.orders {
		if filter.UserID != nil && o.UserID != *filter.UserID {
			continue
		}
		if filter.Status != nil && o.Status != *filter.Status {
			continue
		}
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	page := paginate(len(all), filter.Page)
	out := make([]*models.Order, 0, page.end-page.start)
	for _, o := range all[page.start:page.end] {
		out = append(out, o.Clone())
	}
	return out, len(all), nil
}

func (m *Memory) GetAccount(_ context.Context, userID uuid.UUID) (*models.CreditAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAccounts(_ context.Context, page Page) ([]*models.CreditAccount, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*models.CreditAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	w := paginate(len(all), page)
	out := make([]*models.CreditAccount, 0, w.end-w.start)
	for _, a := range all[w.start:w.end] {
		cp := *a
		out = append(out, &cp)
	}
	return out, len(all), nil
}

func (m *Memory) ListTransactions(_ context.Context, userID uuid.UUID, page Page) ([]*models.CreditTransaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*models.CreditTransaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		if m.transactions[i].UserID == userID {
			all = append(all, m.transactions[i])
		}
	}
	w := paginate(len(all), page)
	out := make([]*models.CreditTransaction, 0, w.end-w.start)
	for _, t := range all[w.start:w.end] {
		cp := *t
		out = append(out, &cp)
	}
	return out, len(all), nil
}

func (m *Memory) ListAddresses(_ context.Context, userID uuid.UUID) ([]*models.SavedAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.SavedAddress, 0, len(m.addresses[userID]))
	for _, a := range m.addresses[userID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

type window struct{ start, end int }

func paginate(total int, page Page) window {
	page = page.Normalize()
	start := page.Offset
	if start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return window{start: start, end: end}
}

type memTx struct {
	m            *Memory
	pipelines    map[uuid.UUID]*models.Pipeline
	sessions     map[uuid.UUID]*models.Session
	orders       map[uuid.UUID]*models.Order
	accounts     map[uuid.UUID]*models.CreditAccount
	transactions []*models.CreditTransaction
	keys         map[string]*models.CreditTransaction
	addresses    []*models.SavedAddress
}

func (t *memTx) GetPipelineForUpdate(_ context.Context, id uuid.UUID) (*models.Pipeline, error) {
	if p, ok := t.pipelines[id]; ok {
		return p.Clone(), nil
	}
	p, ok := t.m.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (t *memTx) SavePipeline(_ context.Context, p *models.Pipeline) error {
	t.pipelines[p.ID] = p.Clone()
	return nil
}

func (t *memTx) GetSessionForUpdate(_ context.Context, id uuid.UUID) (*models.Session, error) {
	if s, ok := t.sessions[id]; ok {
		return s.Clone(), nil
	}
	s, ok := t.m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (t *memTx) SaveSession(_ context.Context, s *models.Session) error {
	t.sessions[s.ID] = s.Clone()
	return nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id uuid.UUID) (*models.Order, error) {
	if o, ok := t.orders[id]; ok {
		return o.Clone(), nil
	}
	o, ok := t.m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (t *memTx) SaveOrder(_ context.Context, o *models.Order) error {
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *memTx) GetAccountForUpdate(_ context.Context, userID uuid.UUID) (*models.CreditAccount, error) {
	a, ok := t.accounts[userID]
	if !ok {
		a, ok = t.m.accounts[userID]
	}
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) SaveAccount(_ context.Context, a *models.CreditAccount) error {
	cp := *a
	t.accounts[a.UserID] = &cp
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, ct *models.CreditTransaction) (bool, error) {
	if ct.IdempotencyKey != "" {
		if _, ok := t.keys[ct.IdempotencyKey]; ok {
			return false, nil
		}
		if _, ok := t.m.keys[ct.IdempotencyKey]; ok {
			return false, nil
		}
	}
	cp := *ct
	t.transactions = append(t.transactions, &cp)
	if ct.IdempotencyKey != "" {
		t.keys[ct.IdempotencyKey] = &cp
	}
	return true, nil
}

func (t *memTx) FindTransactionByKey(_ context.Context, key string) (*models.CreditTransaction, error) {
	if ct, ok := t.keys[key]; ok {
		cp := *ct
		return &cp, nil
	}
	idx, ok := t.m.keys[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t.m.transactions[idx]
	return &cp, nil
}

func (t *memTx) SumTransactions(_ context.Context, userID uuid.UUID) (int64, error) {
	var sum int64
	for _, ct := range t.m.transactions {
		if ct.UserID == userID {
			sum += ct.Amount
		}
	}
	for _, ct := range t.transactions {
		if ct.UserID == userID {
			sum += ct.Amount
		}
	}
	return sum, nil
}

func (t *memTx) SaveAddress(_ context.Context, a *models.SavedAddress) error {
	cp := *a
	t.addresses = append(t.addresses, &cp)
	return nil
}

func (t *memTx) commit() {
	m := t.m
	for id, p := range t.pipelines {
		m.pipelines[id] = p
	}
	for id, s := range t.sessions {
		m.sessions[id] = s
	}
	for id, o := range t.orders {
		m.orders[id] = o
	}
	for id, a := range t.accounts {
		m.accounts[id] = a
	}
	for _, ct := range t.transactions {
		m.transactions = append(m.transactions, ct)
		if ct.IdempotencyKey != "" {
			m.keys[ct.IdempotencyKey] = len(m.transactions) - 1
		}
	}
	for _, a := range t.addresses {
		m.addresses[a.UserID] = append(m.addresses[a.UserID], a)
	}
}
