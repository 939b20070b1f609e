package policy

import (
	"sort"

	"github.com/xela07ax/treasury-guard/internal/domain"
)

// SortByPriority упорядочивает политики по возрастанию приоритета.
// При равенстве (не должно случаться) порядок детерминирован по ID.
func SortByPriority(policies []*domain.Policy) {
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority < policies[j].Priority
		}
		return policies[i].ID < policies[j].ID
	})
}

// NextPriority дает приоритет для новой политики: max+1, либо 0 для первой.
func NextPriority(policies []*domain.Policy) int {
	next := 0
	for _, p := range policies {
		if p.Priority+1 > next {
			next = p.Priority + 1
		}
	}
	return next
}

// Reorder переназначает приоритеты 0..n-1 по позиции в orderedIDs.
// Политики, не упомянутые в orderedIDs, идут следом в прежнем порядке.
// Возвращает копии, вход не мутируется.
func Reorder(policies []*domain.Policy, orderedIDs []string) ([]*domain.Policy, error) {
	byID := make(map[string]*domain.Policy, len(policies))
	for _, p := range policies {
		byID[p.ID] = p
	}

	placed := make(map[string]struct{}, len(orderedIDs))
	ordered := make([]*domain.Policy, 0, len(policies))
	for _, id := range orderedIDs {
		p, ok := byID[id]
		if !ok {
			return nil, &domain.ValidationError{Field: "ordered_ids", Message: "unknown policy id " + id}
		}
		if _, dup := placed[id]; dup {
			return nil, &domain.ValidationError{Field: "ordered_ids", Message: "duplicate policy id " + id}
		}
		placed[id] = struct{}{}
		ordered = append(ordered, p)
	}

	rest := make([]*domain.Policy, 0, len(policies)-len(ordered))
	for _, p := range policies {
		if _, ok := placed[p.ID]; !ok {
			rest = append(rest, p)
		}
	}
	SortByPriority(rest)
	ordered = append(ordered, rest...)

	out := make([]*domain.Policy, len(ordered))
	for i, p := range ordered {
		c := p.Clone()
		c.Priority = i
		out[i] = c
	}
	return out, nil
}
