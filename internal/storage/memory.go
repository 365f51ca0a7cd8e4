package storage

import (
	"sync"

	"subtask-stream/internal/model"
)

type MemoryStorage struct {
	subtasks map[subtaskKey]*model.Subtask
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		subtasks: make(map[subtaskKey]*model.Subtask),
	}
}

func (m *MemoryStorage) Init() error {
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func (m *MemoryStorage) Backup() error {
	return nil
}

func (m *MemoryStorage) CreateSubtask(subtask *model.Subtask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := keyOf(subtask)
	if _, exists := m.subtasks[key]; exists {
		return ErrSubtaskExists
	}

	prepareNew(subtask)
	m.subtasks[key] = cloneSubtask(subtask)
	return nil
}

func (m *MemoryStorage) GetSubtask(taskID, subtaskID int64) (*model.Subtask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subtask, exists := m.subtasks[subtaskKey{taskID, subtaskID}]
	if !exists {
		return nil, ErrSubtaskNotFound
	}

	return cloneSubtask(subtask), nil
}

func (m *MemoryStorage) DeleteSubtask(taskID, subtaskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := subtaskKey{taskID, subtaskID}
	if _, exists := m.subtasks[key]; !exists {
		return ErrSubtaskNotFound
	}

	delete(m.subtasks, key)
	return nil
}

func (m *MemoryStorage) ListSubtasks(taskID int64) ([]*model.Subtask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*model.Subtask, 0)
	for key, subtask := range m.subtasks {
		if key.taskID == taskID {
			list = append(list, cloneSubtask(subtask))
		}
	}
	sortSubtasks(list)

	return list, nil
}

func (m *MemoryStorage) ListAll() ([]*model.Subtask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*model.Subtask, 0, len(m.subtasks))
	for _, subtask := range m.subtasks {
		list = append(list, cloneSubtask(subtask))
	}
	sortSubtasks(list)

	return list, nil
}

func (m *MemoryStorage) AppendContent(taskID, subtaskID int64, content string) (*model.Subtask, error) {
	return m.update(taskID, subtaskID, appendContent(content))
}

func (m *MemoryStorage) CompleteSubtask(taskID, subtaskID int64, result map[string]interface{}) (*model.Subtask, error) {
	return m.update(taskID, subtaskID, complete(result))
}

func (m *MemoryStorage) FailSubtask(taskID, subtaskID int64, message string) (*model.Subtask, error) {
	return m.update(taskID, subtaskID, fail(message))
}

func (m *MemoryStorage) update(taskID, subtaskID int64, fn mutation) (*model.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subtask, exists := m.subtasks[subtaskKey{taskID, subtaskID}]
	if !exists {
		return nil, ErrSubtaskNotFound
	}
	if err := fn(subtask); err != nil {
		return nil, err
	}

	return cloneSubtask(subtask), nil
}
