package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"subtask-stream/internal/model"
	"subtask-stream/pkg/logger"
)

// DiskStorage 每个子任务一个 JSON 文件，外加 subtasks.json 索引
type DiskStorage struct {
	dataDir   string
	mu        sync.RWMutex
	cache     map[subtaskKey]*model.Subtask
	cacheSize int
}

type SubtaskIndex struct {
	TaskID    int64     `json:"task_id"`
	SubtaskID int64     `json:"subtask_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewDiskStorage(dataDir string, cacheSize int) *DiskStorage {
	if cacheSize <= 0 {
		cacheSize = 100
	}
	return &DiskStorage{
		dataDir:   dataDir,
		cache:     make(map[subtaskKey]*model.Subtask),
		cacheSize: cacheSize,
	}
}

func (d *DiskStorage) Init() error {
	if err := d.createDirectories(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	if err := d.loadSubtasks(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	logger.Info("Disk storage initialized successfully")
	return nil
}

func (d *DiskStorage) createDirectories() error {
	dirs := []string{
		d.dataDir,
		filepath.Join(d.dataDir, "subtasks"),
		filepath.Join(d.dataDir, "backup"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

func (d *DiskStorage) indexPath() string {
	return filepath.Join(d.dataDir, "subtasks.json")
}

func (d *DiskStorage) subtaskPath(key subtaskKey) string {
	return filepath.Join(d.dataDir, "subtasks", key.String()+".json")
}

// loadSubtasks 预热缓存，最近更新的优先
func (d *DiskStorage) loadSubtasks() error {
	if _, err := os.Stat(d.indexPath()); os.IsNotExist(err) {
		return d.updateIndex()
	}

	indexes, err := d.readIndex()
	if err != nil {
		return err
	}

	sort.Slice(indexes, func(i, j int) bool {
		return indexes[i].UpdatedAt.After(indexes[j].UpdatedAt)
	})

	for _, index := range indexes {
		if len(d.cache) >= d.cacheSize {
			break
		}

		key := subtaskKey{index.TaskID, index.SubtaskID}
		subtask, err := d.loadSubtaskFromFile(key)
		if err != nil {
			logger.Errorf("Failed to load subtask %s: %v", key, err)
			continue
		}

		d.cache[key] = subtask
	}

	return nil
}

func (d *DiskStorage) readIndex() ([]*SubtaskIndex, error) {
	data, err := os.ReadFile(d.indexPath())
	if err != nil {
		return nil, err
	}

	var indexes []*SubtaskIndex
	if err := json.Unmarshal(data, &indexes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return indexes, nil
}

func (d *DiskStorage) loadSubtaskFromFile(key subtaskKey) (*model.Subtask, error) {
	data, err := os.ReadFile(d.subtaskPath(key))
	if err != nil {
		return nil, err
	}

	var subtask model.Subtask
	if err := json.Unmarshal(data, &subtask); err != nil {
		return nil, err
	}

	return &subtask, nil
}

// writeJSON 先写临时文件再 rename，避免读到半个文件
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}

func (d *DiskStorage) saveSubtaskToFile(subtask *model.Subtask) error {
	return writeJSON(d.subtaskPath(keyOf(subtask)), subtask)
}

func (d *DiskStorage) CreateSubtask(subtask *model.Subtask) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := keyOf(subtask)
	if _, exists := d.cache[key]; exists {
		return ErrSubtaskExists
	}
	if _, err := os.Stat(d.subtaskPath(key)); err == nil {
		return ErrSubtaskExists
	}

	prepareNew(subtask)
	stored := cloneSubtask(subtask)

	if err := d.saveSubtaskToFile(stored); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := d.updateIndex(); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[key] = stored
	d.evictCache()

	return nil
}

func (d *DiskStorage) GetSubtask(taskID, subtaskID int64) (*model.Subtask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subtask, err := d.lookup(subtaskKey{taskID, subtaskID})
	if err != nil {
		return nil, err
	}
	return cloneSubtask(subtask), nil
}

// lookup 先查缓存，未命中时从磁盘加载，调用方持有写锁
func (d *DiskStorage) lookup(key subtaskKey) (*model.Subtask, error) {
	if subtask, exists := d.cache[key]; exists {
		return subtask, nil
	}

	subtask, err := d.loadSubtaskFromFile(key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSubtaskNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[key] = subtask
	d.evictCache()
	return subtask, nil
}

func (d *DiskStorage) DeleteSubtask(taskID, subtaskID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := subtaskKey{taskID, subtaskID}
	path := d.subtaskPath(key)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ErrSubtaskNotFound
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	delete(d.cache, key)
	return d.updateIndex()
}

func (d *DiskStorage) ListSubtasks(taskID int64) ([]*model.Subtask, error) {
	all, err := d.ListAll()
	if err != nil {
		return nil, err
	}

	list := make([]*model.Subtask, 0)
	for _, subtask := range all {
		if subtask.TaskID == taskID {
			list = append(list, subtask)
		}
	}
	return list, nil
}

func (d *DiskStorage) ListAll() ([]*model.Subtask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	indexes, err := d.readIndex()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	list := make([]*model.Subtask, 0, len(indexes))
	for _, index := range indexes {
		subtask, err := d.lookup(subtaskKey{index.TaskID, index.SubtaskID})
		if err != nil {
			logger.Errorf("Failed to load subtask %d_%d: %v", index.TaskID, index.SubtaskID, err)
			continue
		}
		list = append(list, cloneSubtask(subtask))
	}
	sortSubtasks(list)

	return list, nil
}

func (d *DiskStorage) AppendContent(taskID, subtaskID int64, content string) (*model.Subtask, error) {
	return d.update(taskID, subtaskID, appendContent(content), false)
}

func (d *DiskStorage) CompleteSubtask(taskID, subtaskID int64, result map[string]interface{}) (*model.Subtask, error) {
	return d.update(taskID, subtaskID, complete(result), true)
}

func (d *DiskStorage) FailSubtask(taskID, subtaskID int64, message string) (*model.Subtask, error) {
	return d.update(taskID, subtaskID, fail(message), true)
}

// update 修改后立即落盘；状态变化时同时刷新索引
func (d *DiskStorage) update(taskID, subtaskID int64, fn mutation, statusChanged bool) (*model.Subtask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subtask, err := d.lookup(subtaskKey{taskID, subtaskID})
	if err != nil {
		return nil, err
	}

	updated := cloneSubtask(subtask)
	if err := fn(updated); err != nil {
		return nil, err
	}

	if err := d.saveSubtaskToFile(updated); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	d.cache[keyOf(updated)] = updated

	if statusChanged {
		if err := d.updateIndex(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}

	return cloneSubtask(updated), nil
}

func (d *DiskStorage) updateIndex() error {
	files, err := os.ReadDir(filepath.Join(d.dataDir, "subtasks"))
	if err != nil {
		return err
	}

	indexes := make([]*SubtaskIndex, 0, len(files))
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}

		var key subtaskKey
		if _, err := fmt.Sscanf(strings.TrimSuffix(file.Name(), ".json"), "%d_%d", &key.taskID, &key.subtaskID); err != nil {
			logger.Warnf("Skipping unexpected file %s in subtasks dir", file.Name())
			continue
		}

		subtask, ok := d.cache[key]
		if !ok {
			subtask, err = d.loadSubtaskFromFile(key)
			if err != nil {
				logger.Errorf("Failed to load subtask %s for index update: %v", key, err)
				continue
			}
		}

		indexes = append(indexes, &SubtaskIndex{
			TaskID:    subtask.TaskID,
			SubtaskID: subtask.SubtaskID,
			Status:    subtask.Status,
			CreatedAt: subtask.CreatedAt,
			UpdatedAt: subtask.UpdatedAt,
		})
	}

	return writeJSON(d.indexPath(), indexes)
}

func (d *DiskStorage) evictCache() {
	if len(d.cache) <= d.cacheSize {
		return
	}

	type cacheEntry struct {
		key       subtaskKey
		updatedAt time.Time
	}

	entries := make([]cacheEntry, 0, len(d.cache))
	for key, subtask := range d.cache {
		entries = append(entries, cacheEntry{key: key, updatedAt: subtask.UpdatedAt})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].updatedAt.Before(entries[j].updatedAt)
	})

	toEvict := len(d.cache) - d.cacheSize
	for i := 0; i < toEvict; i++ {
		delete(d.cache, entries[i].key)
	}
}

func (d *DiskStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache = make(map[subtaskKey]*model.Subtask)
	return nil
}

func (d *DiskStorage) Backup() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	backupDir := filepath.Join(d.dataDir, "backup", fmt.Sprintf("backup_%d", time.Now().UnixNano()))
	dstDir := filepath.Join(backupDir, "subtasks")

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := copyDir(filepath.Join(d.dataDir, "subtasks"), dstDir); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := copyFile(d.indexPath(), filepath.Join(backupDir, "subtasks.json")); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	logger.Infof("Backup completed: %s", backupDir)
	return nil
}

func copyDir(src, dst string) error {
	files, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, file.Name()), filepath.Join(dst, file.Name())); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	return os.WriteFile(dst, data, 0644)
}
