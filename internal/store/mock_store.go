package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"mt5copier/internal/models"
)

// MockStore implements Store in memory for testing. Error injection
// fields make individual methods fail on demand.
type MockStore struct {
	mu sync.Mutex

	mappings map[int64]map[string]models.PositionMapping
	queue    []models.QueuedOperation
	events   []models.AuditEvent

	SaveErr error
	LoadErr error

	SaveCalls int
	LoadCalls int
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		mappings: make(map[int64]map[string]models.PositionMapping),
	}
}

func (m *MockStore) Initialize(ctx context.Context) error { return nil }
func (m *MockStore) Close() error                         { return nil }

func (m *MockStore) SaveMappings(ctx context.Context, masterTicket int64, mappings []models.PositionMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCalls++
	if m.SaveErr != nil {
		return m.SaveErr
	}
	for _, mp := range mappings {
		if mp.CreatedAt.IsZero() {
			mp.CreatedAt = time.Now()
		}
		bySlave, ok := m.mappings[mp.MasterTicket]
		if !ok {
			bySlave = make(map[string]models.PositionMapping)
			m.mappings[mp.MasterTicket] = bySlave
		}
		bySlave[mp.SlaveName] = mp
	}
	return nil
}

func (m *MockStore) LoadOpenMappings(ctx context.Context) (map[int64][]models.PositionMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoadCalls++
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	result := make(map[int64][]models.PositionMapping)
	for ticket, bySlave := range m.mappings {
		for _, mp := range bySlave {
			if mp.Status == models.StatusOpen {
				result[ticket] = append(result[ticket], mp)
			}
		}
		if len(result[ticket]) == 0 {
			delete(result, ticket)
		}
	}
	return result, nil
}

func (m *MockStore) UpdateMappingsStatus(ctx context.Context, masterTicket int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySlave := m.mappings[masterTicket]
	for name, mp := range bySlave {
		mp.Status = status
		if status == models.StatusClosed {
			now := time.Now()
			mp.ClosedAt = &now
		}
		bySlave[name] = mp
	}
	return nil
}

func (m *MockStore) UpdateMappingVolume(ctx context.Context, masterTicket int64, slaveName string, volume float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bySlave, ok := m.mappings[masterTicket]; ok {
		if mp, ok := bySlave[slaveName]; ok {
			mp.SlaveVolume = volume
			bySlave[slaveName] = mp
		}
	}
	return nil
}

func (m *MockStore) GetMapping(ctx context.Context, masterTicket int64, slaveName string) (*models.PositionMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bySlave, ok := m.mappings[masterTicket]; ok {
		if mp, ok := bySlave[slaveName]; ok {
			cp := mp
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) QueueOperation(ctx context.Context, op *models.QueuedOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	m.queue = append(m.queue, *op)
	return nil
}

func (m *MockStore) PendingOperations(ctx context.Context) ([]models.QueuedOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []models.QueuedOperation
	now := time.Now()
	for _, op := range m.queue {
		if op.Status == models.OpPending && (op.NextRetryAt == nil || !op.NextRetryAt.After(now)) {
			pending = append(pending, op)
		}
	}
	return pending, nil
}

func (m *MockStore) UpdateOperation(ctx context.Context, op *models.QueuedOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.queue {
		if m.queue[i].ID == op.ID {
			m.queue[i] = *op
			return nil
		}
	}
	return nil
}

func (m *MockStore) LogEvent(ctx context.Context, event models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of the audit log.
func (m *MockStore) Events() []models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEvent(nil), m.events...)
}

// EventsOfType returns audit events with the given type.
func (m *MockStore) EventsOfType(eventType string) []models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEvent
	for _, e := range m.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// AllMappings returns every stored mapping regardless of status.
func (m *MockStore) AllMappings() []models.PositionMapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PositionMapping
	for _, bySlave := range m.mappings {
		for _, mp := range bySlave {
			out = append(out, mp)
		}
	}
	return out
}
