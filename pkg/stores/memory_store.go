package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/toscaflow/pkg/models"
)

// MemoryStore keeps everything in process memory. Records are copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	services    map[string]*models.Service
	nodeService map[string]string

	executions     map[string]*models.Execution
	executionOrder []string

	tasks     map[string]*models.Task
	taskOrder map[string][]string

	logs      []*models.Log
	nextLogID int64
}

var _ models.ModelStorage = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services:    make(map[string]*models.Service),
		nodeService: make(map[string]string),
		executions:  make(map[string]*models.Execution),
		tasks:       make(map[string]*models.Task),
		taskOrder:   make(map[string][]string),
	}
}

// cloneService deep-copies a service through its JSON form and relinks the
// relationship pointers.
func cloneService(service *models.Service) (*models.Service, error) {
	data, err := json.Marshal(service)
	if err != nil {
		return nil, fmt.Errorf("failed to copy service: %w", err)
	}
	var out models.Service
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to copy service: %w", err)
	}
	out.LinkRelationships()
	return &out, nil
}

// CreateService stores a service with its nodes and relationships.
func (s *MemoryStore) CreateService(_ context.Context, service *models.Service) error {
	stored, err := cloneService(service)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.services[service.ID]; exists {
		return models.NewConflictError(fmt.Sprintf("service %s already exists", service.ID), nil)
	}
	for _, existing := range s.services {
		if existing.Name == service.Name {
			return models.NewConflictError(fmt.Sprintf("service name %s is taken", service.Name), nil)
		}
	}
	for _, n := range stored.Nodes {
		if _, exists := s.nodeService[n.ID]; exists {
			return models.NewConflictError(fmt.Sprintf("node %s already exists", n.ID), nil)
		}
	}
	s.services[stored.ID] = stored
	for _, n := range stored.Nodes {
		s.nodeService[n.ID] = stored.ID
	}
	return nil
}

// GetService loads a service by id.
func (s *MemoryStore) GetService(_ context.Context, id string) (*models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	service, ok := s.services[id]
	if !ok {
		return nil, models.NewNotFoundError("service", id)
	}
	return cloneService(service)
}

// GetServiceByName loads a service by name.
func (s *MemoryStore) GetServiceByName(_ context.Context, name string) (*models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, service := range s.services {
		if service.Name == name {
			return cloneService(service)
		}
	}
	return nil, models.NewNotFoundError("service", name)
}

// ListServices returns every service without its nodes, oldest first.
func (s *MemoryStore) ListServices(_ context.Context) ([]*models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Service, 0, len(s.services))
	for _, service := range s.services {
		c := *service
		c.Nodes = nil
		c.Inputs = maps.Clone(service.Inputs)
		c.Plugins = maps.Clone(service.Plugins)
		out = append(out, &c)
	}
	sortServices(out)
	return out, nil
}

// DeleteService removes a service with its nodes, executions, tasks and logs.
func (s *MemoryStore) DeleteService(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	service, ok := s.services[id]
	if !ok {
		return models.NewNotFoundError("service", id)
	}
	for _, n := range service.Nodes {
		delete(s.nodeService, n.ID)
	}
	delete(s.services, id)

	removed := make(map[string]bool)
	order := s.executionOrder[:0]
	for _, execID := range s.executionOrder {
		if s.executions[execID].ServiceID != id {
			order = append(order, execID)
			continue
		}
		removed[execID] = true
		for _, taskID := range s.taskOrder[execID] {
			delete(s.tasks, taskID)
		}
		delete(s.taskOrder, execID)
		delete(s.executions, execID)
	}
	s.executionOrder = order

	logs := s.logs[:0]
	for _, l := range s.logs {
		if !removed[l.ExecutionID] {
			logs = append(logs, l)
		}
	}
	s.logs = logs
	return nil
}

// GetNode loads a single node.
func (s *MemoryStore) GetNode(_ context.Context, id string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node := s.lookupNode(id)
	if node == nil {
		return nil, models.NewNotFoundError("node", id)
	}
	service, err := cloneService(s.services[s.nodeService[id]])
	if err != nil {
		return nil, err
	}
	return service.Node(id), nil
}

// UpdateNode persists a node's state and attributes.
func (s *MemoryStore) UpdateNode(_ context.Context, node *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.lookupNode(node.ID)
	if stored == nil {
		return models.NewNotFoundError("node", node.ID)
	}
	stored.State = node.State
	stored.Attributes = cloneValues(node.Attributes)
	s.services[s.nodeService[node.ID]].UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) lookupNode(id string) *models.Node {
	serviceID, ok := s.nodeService[id]
	if !ok {
		return nil
	}
	return s.services[serviceID].Node(id)
}

// CreateExecution stores a new execution.
func (s *MemoryStore) CreateExecution(_ context.Context, execution *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.ID]; exists {
		return models.NewConflictError(fmt.Sprintf("execution %s already exists", execution.ID), nil)
	}
	if _, ok := s.services[execution.ServiceID]; !ok {
		return models.NewNotFoundError("service", execution.ServiceID)
	}
	s.executions[execution.ID] = execution.Clone()
	s.executionOrder = append(s.executionOrder, execution.ID)
	return nil
}

// GetExecution loads an execution.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[id]
	if !ok {
		return nil, models.NewNotFoundError("execution", id)
	}
	return execution.Clone(), nil
}

// UpdateExecution replaces an execution whose stored status still equals
// expected.
func (s *MemoryStore) UpdateExecution(_ context.Context, execution *models.Execution, expected models.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.executions[execution.ID]
	if !ok {
		return models.NewNotFoundError("execution", execution.ID)
	}
	if stored.Status != expected {
		return models.NewConflictError(
			fmt.Sprintf("execution %s is %s, expected %s", execution.ID, stored.Status, expected), nil).WithResource(execution.ID)
	}
	s.executions[execution.ID] = execution.Clone()
	return nil
}

// ListExecutions returns matching executions, oldest first.
func (s *MemoryStore) ListExecutions(_ context.Context, filter models.ExecutionFilter) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Execution
	for _, id := range s.executionOrder {
		e := s.executions[id]
		if filter.ServiceID != "" && e.ServiceID != filter.ServiceID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// CreateTasks stores a compiled graph. Nothing is stored if any task is
// invalid or already exists.
func (s *MemoryStore) CreateTasks(_ context.Context, tasks []*models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, exists := s.tasks[t.ID]; exists {
			return models.NewConflictError(fmt.Sprintf("task %s already exists", t.ID), nil)
		}
		if _, ok := s.executions[t.ExecutionID]; !ok {
			return models.NewNotFoundError("execution", t.ExecutionID)
		}
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t.Clone()
		s.taskOrder[t.ExecutionID] = append(s.taskOrder[t.ExecutionID], t.ID)
	}
	return nil
}

// GetTask loads a task.
func (s *MemoryStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, models.NewNotFoundError("task", id)
	}
	return t.Clone(), nil
}

// UpdateTask replaces a task whose stored status still equals expected.
func (s *MemoryStore) UpdateTask(_ context.Context, task *models.Task, expected models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tasks[task.ID]
	if !ok {
		return models.NewNotFoundError("task", task.ID)
	}
	if stored.Status != expected {
		return models.NewConflictError(
			fmt.Sprintf("task %s is %s, expected %s", task.ID, stored.Status, expected), nil).WithResource(task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// ListTasks returns an execution's tasks in the order they were created.
func (s *MemoryStore) ListTasks(_ context.Context, executionID string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.taskOrder[executionID]
	out := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.tasks[id].Clone())
	}
	return out, nil
}

// AppendLog stores a log line and assigns its id.
func (s *MemoryStore) AppendLog(_ context.Context, log *models.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	log.ID = s.nextLogID
	c := *log
	s.logs = append(s.logs, &c)
	return nil
}

// ListLogs returns matching log lines in insertion order.
func (s *MemoryStore) ListLogs(_ context.Context, filter models.LogFilter) ([]*models.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Log
	for _, l := range s.logs {
		if filter.ExecutionID != "" && l.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.TaskID != "" && l.TaskID != filter.TaskID {
			continue
		}
		c := *l
		out = append(out, &c)
	}
	return out, nil
}

// Close implements models.ModelStorage.
func (s *MemoryStore) Close() error { return nil }

// sortServices orders services oldest first, by name within the same instant.
func sortServices(services []*models.Service) {
	sort.Slice(services, func(i, j int) bool {
		a, b := services[i], services[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Name < b.Name
	})
}

// cloneValues copies a value map through JSON so nested maps are not shared.
func cloneValues(values map[string]interface{}) map[string]interface{} {
	if values == nil {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return maps.Clone(values)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return maps.Clone(values)
	}
	return out
}
