package store

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/scanreport/internal/common"
	"github.com/dmitrijs2005/scanreport/internal/server/models"
)

// MemoryStore is an in-memory Store used in tests and local development.
// It loses everything on restart, so resume/durability paths only make
// sense against the Redis implementation.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	ledgers  map[string]*Ledger
	expiry   map[string]time.Time
	pending  map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		ledgers:  make(map[string]*Ledger),
		expiry:   make(map[string]time.Time),
		pending:  make(map[string]struct{}),
	}
}

func (m *MemoryStore) SaveSession(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) LoadSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) AddExpiry(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry[id] = at
	return nil
}

func (m *MemoryStore) RemoveExpiry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expiry, id)
	return nil
}

func (m *MemoryStore) DueExpiries(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []string
	for id, at := range m.expiry {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	return due, nil
}

func (m *MemoryStore) SaveLedger(ctx context.Context, l *Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *l
	m.ledgers[l.SessionID] = &c
	return nil
}

func (m *MemoryStore) LoadLedger(ctx context.Context, id string) (*Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.ledgers[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *l
	return &c, nil
}

func (m *MemoryStore) DeleteLedger(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ledgers, id)
	return nil
}

func (m *MemoryStore) AddPending(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[id] = struct{}{}
	return nil
}

func (m *MemoryStore) RemovePending(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
	return nil
}

func (m *MemoryStore) PendingWorkflows(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	return ids, nil
}
