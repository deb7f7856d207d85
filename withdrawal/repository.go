package withdrawal

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// Repository persists withdrawal requests.
type Repository interface {
	CreateWithdrawal(ctx context.Context, req Request) error
	GetWithdrawal(ctx context.Context, id string) (Request, error)
	// UpdateWithdrawal stores req only if the stored state still equals
	// from. Otherwise it returns ErrConcurrentUpdate.
	UpdateWithdrawal(ctx context.Context, req Request, from State) error
	// ListWithdrawals returns requests in any of states, oldest first.
	ListWithdrawals(ctx context.Context, states ...State) ([]Request, error)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	requests map[string]Request
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{requests: make(map[string]Request)}
}

func (m *MemoryRepository) CreateWithdrawal(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[req.ID]; exists {
		return ErrConcurrentUpdate
	}
	m.requests[req.ID] = clone(req)
	return nil
}

func (m *MemoryRepository) GetWithdrawal(_ context.Context, id string) (Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return clone(req), nil
}

func (m *MemoryRepository) UpdateWithdrawal(_ context.Context, req Request, from State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[req.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != from {
		return ErrConcurrentUpdate
	}
	m.requests[req.ID] = clone(req)
	return nil
}

func (m *MemoryRepository) ListWithdrawals(_ context.Context, states ...State) ([]Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Request
	for _, req := range m.requests {
		if len(states) == 0 || slices.Contains(states, req.State) {
			out = append(out, clone(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// clone copies decision pointers so callers cannot mutate stored state.
func clone(req Request) Request {
	if req.StaffDecision != nil {
		d := *req.StaffDecision
		req.StaffDecision = &d
	}
	if req.AdminDecision != nil {
		d := *req.AdminDecision
		req.AdminDecision = &d
	}
	return req
}
