package store

import (
	"context"
	"sync"
	"time"

	"github.com/mkarren/fleetrelay/internal/core/domain"
)

// MemoryStore is an in-memory stand-in for the fleet database, used by
// tests and by deployments without a database configured.
type MemoryStore struct {
	mu            sync.Mutex
	configs       []domain.RelayConfig
	tasks         map[int64]*domain.RecurringTask
	nextTaskID    int64
	dispatched    map[dispatchKey]domain.DispatchRequest
	connected     map[string]string
	disconnected  map[string]time.Time
	dispatchError error
}

type dispatchKey struct {
	recurringTaskID int64
	date            string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:        make(map[int64]*domain.RecurringTask),
		nextTaskID:   1,
		dispatched:   make(map[dispatchKey]domain.DispatchRequest),
		connected:    make(map[string]string),
		disconnected: make(map[string]time.Time),
	}
}

func (s *MemoryStore) SetRelayConfigs(configs []domain.RelayConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = configs
}

// FailDispatches makes every Dispatch return err without recording, until
// called again with nil.
func (s *MemoryStore) FailDispatches(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchError = err
}

func (s *MemoryStore) LoadRelayConfigs(_ context.Context) ([]domain.RelayConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	configs := make([]domain.RelayConfig, len(s.configs))
	copy(configs, s.configs)
	return configs, nil
}

func (s *MemoryStore) UpsertConnectedRelay(_ context.Context, identity, ip string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected[identity] = ip
	delete(s.disconnected, identity)
	return nil
}

func (s *MemoryStore) MarkRelayDisconnected(_ context.Context, identity string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected[identity] = at
	return nil
}

func (s *MemoryStore) ActiveRecurringTasks(_ context.Context) ([]domain.RecurringTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []domain.RecurringTask
	for _, t := range s.tasks {
		if t.Active {
			tasks = append(tasks, *t)
		}
	}
	return tasks, nil
}

func (s *MemoryStore) RecurringTasks(_ context.Context) ([]domain.RecurringTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []domain.RecurringTask
	for _, t := range s.tasks {
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

func (s *MemoryStore) CreateRecurringTask(_ context.Context, task *domain.RecurringTask) error {
	if err := task.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task.ID = s.nextTaskID
	s.nextTaskID++
	task.CreatedAt = time.Now()
	stored := *task
	s.tasks[task.ID] = &stored
	return nil
}

func (s *MemoryStore) DeactivateRecurringTask(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Active = false
	return nil
}

func (s *MemoryStore) HasQueuedToday(_ context.Context, recurringTaskID int64, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dispatched[dispatchKey{recurringTaskID, date}]
	return ok, nil
}

func (s *MemoryStore) Dispatch(_ context.Context, req domain.DispatchRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatchError != nil {
		return s.dispatchError
	}
	key := dispatchKey{req.RecurringTaskID, req.Date}
	if _, ok := s.dispatched[key]; ok {
		return domain.ErrDispatchRejected
	}
	s.dispatched[key] = req
	return nil
}

// Dispatched returns the recorded hand-offs in no particular order.
func (s *MemoryStore) Dispatched() []domain.DispatchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reqs []domain.DispatchRequest
	for _, r := range s.dispatched {
		reqs = append(reqs, r)
	}
	return reqs
}

// ConnectedRelayIPs exposes the persisted connection facts for tests.
func (s *MemoryStore) ConnectedRelayIPs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.connected))
	for k, v := range s.connected {
		out[k] = v
	}
	return out
}
