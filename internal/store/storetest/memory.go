// Package storetest provides an in-memory store.Repository for tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ecom-events/internal/models"
	"ecom-events/internal/store"
)

type ledgerKey struct {
	group   string
	eventID string
}

type state struct {
	products      map[int64]models.Product
	orders        map[int64]models.Order
	ledger        map[ledgerKey]models.ProcessedEvent
	nextProductID int64
	nextOrderID   int64
}

func (s *state) clone() *state {
	c := &state{
		products:      make(map[int64]models.Product, len(s.products)),
		orders:        make(map[int64]models.Order, len(s.orders)),
		ledger:        make(map[ledgerKey]models.ProcessedEvent, len(s.ledger)),
		nextProductID: s.nextProductID,
		nextOrderID:   s.nextOrderID,
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.ledger {
		c.ledger[k] = v
	}
	return c
}

// Memory serializes transactions behind one mutex. A failed transaction
// restores the snapshot taken when it began.
type Memory struct {
	mu sync.Mutex
	st *state
}

var _ store.Repository = (*Memory)(nil)

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{st: &state{
		products: map[int64]models.Product{},
		orders:   map[int64]models.Order{},
		ledger:   map[ledgerKey]models.ProcessedEvent{},
	}}
}

// SeedProduct inserts a product with a fixed id
func (m *Memory) SeedProduct(p models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	m.st.products[p.ID] = p
	if p.ID > m.st.nextProductID {
		m.st.nextProductID = p.ID
	}
}

// LedgerRows counts the ledger rows of a group for an event
func (m *Memory) LedgerRows(group, eventID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.ledger[ledgerKey{group, eventID}]; ok {
		return 1
	}
	return 0
}

// Orders returns every stored order ordered by id
func (m *Memory) Orders() []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedOrders("")
}

func (m *Memory) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&memTx{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Memory) GetProductByID(_ context.Context, id int64) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrProductNotFound, id)
	}
	return &p, nil
}

func (m *Memory) ListProducts(_ context.Context) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Product, 0, len(m.st.products))
	for _, p := range m.st.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	return &o, nil
}

func (m *Memory) ListOrders(_ context.Context, username string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedOrders(username)
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *Memory) sortedOrders(username string) []models.Order {
	out := make([]models.Order, 0, len(m.st.orders))
	for _, o := range m.st.orders {
		if username == "" || o.Username == username {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) CountOrdersByCategory(_ context.Context) ([]models.OrderCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countBy(func(o models.Order) string { return o.Category }), nil
}

func (m *Memory) CountOrdersByStatus(_ context.Context) ([]models.OrderCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countBy(func(o models.Order) string { return o.OrderStatus }), nil
}

func (m *Memory) countBy(key func(models.Order) string) []models.OrderCount {
	counts := map[string]int64{}
	for _, o := range m.st.orders {
		counts[key(o)]++
	}
	out := make([]models.OrderCount, 0, len(counts))
	for k, c := range counts {
		out = append(out, models.OrderCount{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *Memory) ListProcessedEvents(_ context.Context, group string, limit int) ([]models.ProcessedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []models.ProcessedEvent
	for _, e := range m.st.ledger {
		if group == "" || e.ConsumerGroup == group {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.After(out[j].ProcessedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memTx struct {
	st *state
}

func (t *memTx) ClaimEvent(_ context.Context, group, eventID, eventType string) (bool, error) {
	k := ledgerKey{group, eventID}
	if _, ok := t.st.ledger[k]; ok {
		return false, nil
	}
	t.st.ledger[k] = models.ProcessedEvent{
		ConsumerGroup: group,
		EventID:       eventID,
		EventType:     eventType,
		ProcessedAt:   time.Now().UTC(),
	}
	return true, nil
}

func (t *memTx) GetProductForUpdate(_ context.Context, id int64) (*models.Product, error) {
	p, ok := t.st.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrProductNotFound, id)
	}
	return &p, nil
}

func (t *memTx) UpdateProductQuantity(_ context.Context, id int64, quantity int) (time.Time, error) {
	p, ok := t.st.products[id]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %d", models.ErrProductNotFound, id)
	}
	if quantity < 0 {
		return time.Time{}, errors.New("check constraint violated: products.quantity >= 0")
	}
	p.Quantity = quantity
	p.UpdatedAt = time.Now().UTC()
	t.st.products[id] = p
	return p.UpdatedAt, nil
}

func (t *memTx) CreateProduct(_ context.Context, p *models.Product) error {
	t.st.nextProductID++
	p.ID = t.st.nextProductID
	p.UpdatedAt = time.Now().UTC()
	t.st.products[p.ID] = *p
	return nil
}

func (t *memTx) GetOrderBySourceEventID(_ context.Context, eventID string) (*models.Order, error) {
	for _, o := range t.st.orders {
		if o.SourceEventID != nil && *o.SourceEventID == eventID {
			return &o, nil
		}
	}
	return nil, nil
}

func (t *memTx) CreateOrder(ctx context.Context, o *models.Order) error {
	if o.SourceEventID != nil {
		existing, _ := t.GetOrderBySourceEventID(ctx, *o.SourceEventID)
		if existing != nil {
			return fmt.Errorf("%w: %s", models.ErrDuplicateSourceEvent, *o.SourceEventID)
		}
	}
	t.st.nextOrderID++
	o.ID = t.st.nextOrderID
	o.OrderDate = time.Now().UTC()
	t.st.orders[o.ID] = *o
	return nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id int64) (*models.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	return &o, nil
}

func (t *memTx) UpdateShippingStatus(_ context.Context, id int64, status string) error {
	o, ok := t.st.orders[id]
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	o.ShippingStatus = status
	t.st.orders[id] = o
	return nil
}
