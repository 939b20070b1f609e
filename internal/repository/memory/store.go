// Package memory: хранилище в памяти с той же CAS-семантикой, что и postgres.
// Используется CLI (YAML-наборы) и тестами сервисов.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/treasury-guard/internal/domain"
	"github.com/xela07ax/treasury-guard/internal/policy"
)

// versioned: generic-таблица записей с версией. Наружу отдаются только копии.
type versioned[T any] struct {
	mu      sync.RWMutex
	records map[string]*T
	clone   func(*T) *T
}

func newVersioned[T any](clone func(*T) *T) *versioned[T] {
	return &versioned[T]{records: make(map[string]*T), clone: clone}
}

func (s *versioned[T]) load(id string) (*T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return s.clone(v), true
}

func (s *versioned[T]) list() []*T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*T, 0, len(s.records))
	for _, v := range s.records {
		out = append(out, s.clone(v))
	}
	return out
}

type Store struct {
	policies     *versioned[domain.Policy]
	transactions *versioned[domain.Transaction]
	now          func() time.Time
}

func NewStore() *Store {
	return &Store{
		policies:     newVersioned(func(p *domain.Policy) *domain.Policy { return p.Clone() }),
		transactions: newVersioned(func(t *domain.Transaction) *domain.Transaction { return t.Clone() }),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// --- Policies ---

func (s *Store) GetPolicy(_ context.Context, id string) (*domain.Policy, error) {
	p, ok := s.policies.load(id)
	if !ok {
		return nil, fmt.Errorf("%w: policy %s", domain.ErrNotFound, id)
	}
	return p, nil
}

// ListPolicies возвращает политики в порядке приоритета.
func (s *Store) ListPolicies(_ context.Context) ([]*domain.Policy, error) {
	out := s.policies.list()
	policy.SortByPriority(out)
	return out, nil
}

// CreatePolicy сохраняет новую запись с версией 1. Приоритет должен быть уникален.
func (s *Store) CreatePolicy(_ context.Context, p *domain.Policy) error {
	s.policies.mu.Lock()
	defer s.policies.mu.Unlock()

	if _, exists := s.policies.records[p.ID]; exists {
		return &domain.ValidationError{Field: "id", Message: fmt.Sprintf("policy %s already exists", p.ID)}
	}
	for _, other := range s.policies.records {
		if other.Priority == p.Priority {
			return fmt.Errorf("%w: priority %d is taken by policy %s", domain.ErrVersionConflict, p.Priority, other.ID)
		}
	}

	now := s.now()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	s.policies.records[p.ID] = p.Clone()
	return nil
}

// UpdatePolicy: CAS по p.Version. При успехе версия увеличивается и в p.
func (s *Store) UpdatePolicy(_ context.Context, p *domain.Policy) error {
	s.policies.mu.Lock()
	defer s.policies.mu.Unlock()

	cur, ok := s.policies.records[p.ID]
	if !ok {
		return fmt.Errorf("%w: policy %s", domain.ErrNotFound, p.ID)
	}
	if cur.Version != p.Version {
		return fmt.Errorf("%w: policy %s is at version %d, not %d", domain.ErrVersionConflict, p.ID, cur.Version, p.Version)
	}

	p.Version++
	p.CreatedAt = cur.CreatedAt
	s.policies.records[p.ID] = p.Clone()
	return nil
}

func (s *Store) DeletePolicy(_ context.Context, id string, version int64) error {
	s.policies.mu.Lock()
	defer s.policies.mu.Unlock()

	cur, ok := s.policies.records[id]
	if !ok {
		return fmt.Errorf("%w: policy %s", domain.ErrNotFound, id)
	}
	if cur.Version != version {
		return fmt.Errorf("%w: policy %s is at version %d, not %d", domain.ErrVersionConflict, id, cur.Version, version)
	}
	delete(s.policies.records, id)
	return nil
}

// ReorderPolicies применяет новые приоритеты атомарно: все версии сверяются до записи.
func (s *Store) ReorderPolicies(_ context.Context, reordered []*domain.Policy) error {
	s.policies.mu.Lock()
	defer s.policies.mu.Unlock()

	for _, p := range reordered {
		cur, ok := s.policies.records[p.ID]
		if !ok {
			return fmt.Errorf("%w: policy %s", domain.ErrNotFound, p.ID)
		}
		if cur.Version != p.Version {
			return fmt.Errorf("%w: policy %s changed during reorder", domain.ErrVersionConflict, p.ID)
		}
	}
	if len(reordered) != len(s.policies.records) {
		return fmt.Errorf("%w: policy set changed during reorder", domain.ErrVersionConflict)
	}

	now := s.now()
	for _, p := range reordered {
		cur := s.policies.records[p.ID]
		cur.Priority = p.Priority
		cur.Version++
		cur.UpdatedAt = now
		p.Version = cur.Version
	}
	return nil
}

// --- Transactions ---

func (s *Store) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	s.transactions.mu.Lock()
	defer s.transactions.mu.Unlock()

	if _, exists := s.transactions.records[tx.ID]; exists {
		return fmt.Errorf("memory: transaction %s already exists", tx.ID)
	}
	tx.Version = 1
	s.transactions.records[tx.ID] = tx.Clone()
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	tx, ok := s.transactions.load(id)
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return tx, nil
}

// ListTransactions: новые первыми; пустой status означает все.
func (s *Store) ListTransactions(_ context.Context, status domain.TransactionStatus) ([]*domain.Transaction, error) {
	all := s.transactions.list()
	out := make([]*domain.Transaction, 0, len(all))
	for _, tx := range all {
		if status == "" || tx.Status == status {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpdateTransaction(_ context.Context, tx *domain.Transaction) error {
	s.transactions.mu.Lock()
	defer s.transactions.mu.Unlock()

	cur, ok := s.transactions.records[tx.ID]
	if !ok {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, tx.ID)
	}
	if cur.Version != tx.Version {
		return fmt.Errorf("%w: transaction %s is at version %d, not %d", domain.ErrVersionConflict, tx.ID, cur.Version, tx.Version)
	}
	tx.Version++
	s.transactions.records[tx.ID] = tx.Clone()
	return nil
}
