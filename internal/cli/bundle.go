// Package cli: офлайн-инструменты над YAML-наборами политик (policyctl).
// Набор загружается в memory-хранилище и проходит через те же оценщик, линтер и сервис,
// что и консоль со шлюзом.
package cli

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xela07ax/treasury-guard/internal/domain"
	"github.com/xela07ax/treasury-guard/internal/identity"
	"github.com/xela07ax/treasury-guard/internal/repository/memory"
)

// Bundle: файл набора политик. wallets заменяет справочник адресов.
type Bundle struct {
	Policies []*domain.Policy `yaml:"policies"`
	Wallets  map[string]string `yaml:"wallets,omitempty"`
}

// LoadBundle читает набор и проверяет каждую политику той же схемой, что и консоль.
func LoadBundle(path string) (*Bundle, error) {
	b, err := ReadBundle(path)
	if err != nil {
		return nil, err
	}
	for i, p := range b.Policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("bundle %s: policies[%d] (%s): %w", path, i, p.ID, err)
		}
	}
	return b, nil
}

// ReadBundle разбирает YAML и проставляет значения по умолчанию, но схему не проверяет:
// lint показывает нарушения как замечания, а не падает на первом.
func ReadBundle(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: %w", err)
	}
	var b Bundle
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}
	// Второй проход: отличить "priority: 0" от отсутствующего ключа
	var declared struct {
		Policies []declaredPolicy `yaml:"policies"`
	}
	if err := yaml.Unmarshal(raw, &declared); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}

	seen := make(map[string]bool, len(b.Policies))
	for i, p := range b.Policies {
		if p == nil {
			return nil, fmt.Errorf("bundle %s: policies[%d] is empty", path, i)
		}
		if p.ID == "" {
			p.ID = fmt.Sprintf("policy-%d", i+1)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("bundle %s: duplicate policy id %q", path, p.ID)
		}
		seen[p.ID] = true
		p.Normalize()
	}
	if err := assignPriorities(b.Policies, declared.Policies); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}
	return &b, nil
}

// declaredPolicy: какие поля политики реально присутствуют в файле.
type declaredPolicy struct {
	Priority *int `yaml:"priority"`
}

// assignPriorities сохраняет заданные приоритеты, а политикам без приоритета
// выдает max+1 в порядке следования в файле.
func assignPriorities(policies []*domain.Policy, declared []declaredPolicy) error {
	explicit := func(i int) bool { return i < len(declared) && declared[i].Priority != nil }

	taken := make(map[int]int, len(policies))
	next := 0
	for i, p := range policies {
		if !explicit(i) {
			continue
		}
		if j, dup := taken[p.Priority]; dup {
			return &domain.ValidationError{
				Field:   fmt.Sprintf("policies[%d].priority", i),
				Message: fmt.Sprintf("priority %d is already used by policies[%d] (%s)", p.Priority, j, policies[j].ID),
			}
		}
		taken[p.Priority] = i
		if p.Priority >= next {
			next = p.Priority + 1
		}
	}
	for i, p := range policies {
		if !explicit(i) {
			p.Priority = next
			next++
		}
	}
	return nil
}

// Store раскладывает набор в memory-хранилище с сохранением приоритетов (ReadBundle уже развел их).
func (b *Bundle) Store(ctx context.Context) (*memory.Store, error) {
	s := memory.NewStore()
	for _, p := range b.Policies {
		if err := s.CreatePolicy(ctx, p.Clone()); err != nil {
			return nil, fmt.Errorf("bundle: policy %s: %w", p.ID, err)
		}
	}
	return s, nil
}

func (b *Bundle) Directory() identity.Directory {
	if len(b.Wallets) == 0 {
		return nil
	}
	return identity.NewStaticDirectory(b.Wallets)
}

// Write сохраняет набор обратно в YAML (после reorder).
func (b *Bundle) Write(path string) error {
	raw, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("bundle: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("bundle: %w", err)
	}
	return nil
}

func loadRequest(path string) (*domain.TransactionRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	var req domain.TransactionRequest
	if err := yaml.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	return &req, nil
}
