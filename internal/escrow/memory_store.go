package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	escrows  map[string]*Escrow
	messages map[string][]*Message // escrowID -> ordered messages
	order    []string              // escrow IDs in creation order
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:  make(map[string]*Escrow),
		messages: make(map[string][]*Message),
	}
}

func (m *MemoryStore) Create(_ context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[escrow.ID] = cloneEscrow(escrow)
	m.order = append(m.order, escrow.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return cloneEscrow(e), nil
}

func (m *MemoryStore) Update(_ context.Context, escrow *Escrow, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.escrows[escrow.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if current.Status != from {
		return ErrInvalidStatus
	}
	m.escrows[escrow.ID] = cloneEscrow(escrow)
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.escrows[m.order[i]]
		if e.BuyerID == userID || e.SellerID == userID {
			out = append(out, cloneEscrow(e))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, id := range m.order {
		e := m.escrows[id]
		if e.Status == StatusFunded && e.AutoReleaseAt != nil && e.AutoReleaseAt.Before(before) {
			out = append(out, cloneEscrow(e))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ListStalePending(_ context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, id := range m.order {
		e := m.escrows[id]
		if e.Status == StatusPending && e.CreatedAt.Before(before) {
			out = append(out, cloneEscrow(e))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) AddMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[msg.EscrowID]; !ok {
		return ErrEscrowNotFound
	}
	cp := *msg
	m.messages[msg.EscrowID] = append(m.messages[msg.EscrowID], &cp)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, escrowID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[escrowID]
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneEscrow(e *Escrow) *Escrow {
	cp := *e
	cp.AcceptedAt = cloneTime(e.AcceptedAt)
	cp.FundedAt = cloneTime(e.FundedAt)
	cp.AutoReleaseAt = cloneTime(e.AutoReleaseAt)
	cp.DisputedAt = cloneTime(e.DisputedAt)
	cp.ResolvedAt = cloneTime(e.ResolvedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
