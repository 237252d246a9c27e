package storage

import (
	"context"
	"sync"

	"github.com/example/inspection-dispatch/internal/apperr"
	"github.com/example/inspection-dispatch/internal/models"
)

// AppointmentStore defines persistence operations for appointments.
// Update persists the mutable head of the document; AppendHistory
// persists one status-history entry. Callers serialize both per
// appointment through the lifecycle machine.
type AppointmentStore interface {
	Create(ctx context.Context, a *models.Appointment) error
	Get(ctx context.Context, id string) (*models.Appointment, error)
	Update(ctx context.Context, a *models.Appointment) error
	AppendHistory(ctx context.Context, id string, ch models.StatusChange) error
	ListByStatus(ctx context.Context, status models.Status) ([]*models.Appointment, error)
}

// MemoryStore keeps appointments in a map; used for local runs and
// tests. Values are cloned on the way in and out so concurrent
// readers never alias the history slice being appended to.
type MemoryStore struct {
	mu    sync.RWMutex
	appts map[string]*models.Appointment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{appts: make(map[string]*models.Appointment)}
}

func (m *MemoryStore) Create(ctx context.Context, a *models.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appts[a.ID]; ok {
		return apperr.Conflict("appointment %s already exists", a.ID)
	}
	m.appts[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, apperr.NotFound("appointment %s not found", id)
	}
	return a.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, a *models.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.appts[a.ID]
	if !ok {
		return apperr.NotFound("appointment %s not found", a.ID)
	}
	cp := a.Clone()
	// history is owned by AppendHistory; keep the stored log
	cp.History = cur.History
	m.appts[a.ID] = cp
	return nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, id string, ch models.StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return apperr.NotFound("appointment %s not found", id)
	}
	a.History = append(a.History, ch)
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status models.Status) ([]*models.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Appointment, 0)
	for _, a := range m.appts {
		if a.Status == status {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}
