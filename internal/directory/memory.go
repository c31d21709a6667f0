package directory

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Directory. The zmq directory service uses it as its
// backing store, and tests use it directly.
type Memory struct {
	mtx         sync.Mutex
	processes   map[string]struct{}
	connections map[string]string
}

var _ Directory = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		processes:   make(map[string]struct{}),
		connections: make(map[string]string),
	}
}

func (m *Memory) AddProcessIfAbsent(ctx context.Context, id string) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.processes[id]; ok {
		return false, nil
	}
	m.processes[id] = struct{}{}
	return true, nil
}

func (m *Memory) RemoveProcess(ctx context.Context, id string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.processes, id)
	return nil
}

func (m *Memory) ListProcesses(ctx context.Context) ([]string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	ret := make([]string, 0, len(m.processes))
	for id := range m.processes {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret, nil
}

func (m *Memory) SetConnectionOwner(ctx context.Context, connID, owner string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.connections[connID] = owner
	return nil
}

func (m *Memory) ConnectionOwner(ctx context.Context, connID string) (string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	owner, ok := m.connections[connID]
	if !ok {
		return "", ErrNotFound
	}
	return owner, nil
}

func (m *Memory) RemoveConnectionOwner(ctx context.Context, connID string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.connections, connID)
	return nil
}

func (m *Memory) Close() error { return nil }
