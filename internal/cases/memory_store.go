package cases

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory store for demo/development mode and tests.
// A single mutex makes every multi-row operation atomic.
type MemoryStore struct {
	mu            sync.RWMutex
	rms           map[string]*RelationshipManager
	customers     map[string]*Customer
	transactions  map[string]*Transaction
	fraudCases    map[string]*FraudCase
	notifications []*Notification
	dedupe        map[string]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rms:          make(map[string]*RelationshipManager),
		customers:    make(map[string]*Customer),
		transactions: make(map[string]*Transaction),
		fraudCases:   make(map[string]*FraudCase),
		dedupe:       make(map[string]bool),
	}
}

func (m *MemoryStore) CreateRelationshipManager(ctx context.Context, rm *RelationshipManager) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rms[rm.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *rm
	m.rms[rm.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateCustomer(ctx context.Context, c *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.customers[c.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *c
	cp.RM = nil
	m.customers[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.customerLocked(id)
}

func (m *MemoryStore) customerLocked(id string) (*Customer, error) {
	c, ok := m.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cp := *c
	if rm, ok := m.rms[c.RMID]; ok {
		rmCopy := *rm
		cp.RM = &rmCopy
	}
	return &cp, nil
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[t.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.customers[t.CustomerID]; !ok {
		return ErrCustomerNotFound
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	m.transactions[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, after Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.transactions {
		if t.Status == status && after.After(t) {
			cp := *t
			result = append(result, &cp)
		}
	}
	sortByTime(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context, status Status) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, t := range m.transactions {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) LastBefore(ctx context.Context, customerID string, before time.Time) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last *Transaction
	for _, t := range m.transactions {
		if t.CustomerID != customerID || !t.Timestamp.Before(before) {
			continue
		}
		if last == nil || lessByTime(last, t) {
			last = t
		}
	}
	if last == nil {
		return nil, ErrTransactionNotFound
	}
	cp := *last
	return &cp, nil
}

func (m *MemoryStore) ListWindow(ctx context.Context, customerID string, from, to time.Time) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.transactions {
		if t.CustomerID != customerID || t.Timestamp.Before(from) || t.Timestamp.After(to) {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	sortByTime(result)
	return result, nil
}

func (m *MemoryStore) Transition(ctx context.Context, tr Transition) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.applyLocked(tr)
	if err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) applyLocked(tr Transition) (*Transaction, error) {
	t, ok := m.transactions[tr.TxID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if t.Status != tr.From {
		return nil, ErrStaleState
	}
	t.Status = tr.To
	t.Reviewed = tr.Reviewed
	if tr.ReviewedBy != "" {
		t.ReviewedBy = tr.ReviewedBy
	}
	if !tr.KeepReason {
		t.Reason = tr.Reason
	}
	t.UpdatedAt = tr.At
	return t, nil
}

func (m *MemoryStore) ConfirmFraud(ctx context.Context, tr Transition, a Archive) (*FraudCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[tr.TxID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if t.Status != tr.From {
		return nil, ErrStaleState
	}
	cust, err := m.customerLocked(t.CustomerID)
	if err != nil {
		return nil, err
	}
	fc := NewFraudCase(t, cust, a)
	if _, err := m.applyLocked(tr); err != nil {
		return nil, err
	}
	m.fraudCases[fc.TransactionID] = fc
	cp := *fc
	return &cp, nil
}

func (m *MemoryStore) GetFraudCase(ctx context.Context, txID string) (*FraudCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fc, ok := m.fraudCases[txID]
	if !ok {
		return nil, ErrFraudCaseNotFound
	}
	cp := *fc
	return &cp, nil
}

func (m *MemoryStore) ListFraudCases(ctx context.Context, limit int) ([]*FraudCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*FraudCase, 0, len(m.fraudCases))
	for _, fc := range m.fraudCases {
		cp := *fc
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ArchivedAt.Equal(result[j].ArchivedAt) {
			return result[i].ArchivedAt.After(result[j].ArchivedAt)
		}
		return result[i].TransactionID < result[j].TransactionID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListAlertCandidates(ctx context.Context, afterCustomer string, limit int) ([]*AlertCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var txs []*Transaction
	for _, t := range m.transactions {
		if t.CustomerID <= afterCustomer {
			continue
		}
		if (t.Status == StatusOnHold || t.Status == StatusDeclined) && !t.Reviewed && t.Notified == NotifyPending {
			cp := *t
			txs = append(txs, &cp)
		}
	}
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].CustomerID != txs[j].CustomerID {
			return txs[i].CustomerID < txs[j].CustomerID
		}
		return lessByTime(txs[i], txs[j])
	})
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}

	result := make([]*AlertCandidate, 0, len(txs))
	for _, t := range txs {
		cust, err := m.customerLocked(t.CustomerID)
		if err != nil {
			return nil, err
		}
		result = append(result, &AlertCandidate{Transaction: t, Customer: cust})
	}
	return result, nil
}

func (m *MemoryStore) RecordNotification(ctx context.Context, n *Notification) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dedupe[n.DedupeKey] {
		m.dedupe[n.DedupeKey] = true
		cp := *n
		cp.TransactionIDs = append([]string(nil), n.TransactionIDs...)
		m.notifications = append(m.notifications, &cp)
	}

	flipped := 0
	for _, id := range n.TransactionIDs {
		t, ok := m.transactions[id]
		if !ok || t.Notified != NotifyPending {
			continue
		}
		t.Notified = NotifySent
		t.UpdatedAt = n.CreatedAt
		flipped++
	}
	return flipped, nil
}

func (m *MemoryStore) ListNotifications(ctx context.Context, customerID string, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if customerID != "" && n.CustomerID != customerID {
			continue
		}
		cp := *n
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func lessByTime(a, b *Transaction) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

func sortByTime(txs []*Transaction) {
	sort.Slice(txs, func(i, j int) bool { return lessByTime(txs[i], txs[j]) })
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
