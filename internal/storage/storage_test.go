package storage

import (
	"os"
	"path/filepath"
	"testing"

	"subtask-stream/internal/config"
	"subtask-stream/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storages(t *testing.T) map[string]func() Storage {
	return map[string]func() Storage{
		"memory": func() Storage { return NewMemoryStorage() },
		"disk":   func() Storage { return NewDiskStorage(t.TempDir(), 2) },
	}
}

func TestStorage_Lifecycle(t *testing.T) {
	for name, newStore := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			require.NoError(t, store.Init())
			defer store.Close()

			sub := &model.Subtask{TaskID: 1, SubtaskID: 5, Prompt: "say hello"}
			require.NoError(t, store.CreateSubtask(sub))
			assert.Equal(t, model.SubtaskStatusRunning, sub.Status)
			assert.False(t, sub.CreatedAt.IsZero())

			assert.ErrorIs(t, store.CreateSubtask(&model.Subtask{TaskID: 1, SubtaskID: 5}), ErrSubtaskExists)

			got, err := store.AppendContent(1, 5, "Hel")
			require.NoError(t, err)
			assert.Equal(t, "Hel", got.Content)
			_, err = store.AppendContent(1, 5, "lo")
			require.NoError(t, err)

			done, err := store.CompleteSubtask(1, 5, map[string]interface{}{"ok": true})
			require.NoError(t, err)
			assert.Equal(t, model.SubtaskStatusCompleted, done.Status)
			assert.Equal(t, "Hello", done.Content)

			_, err = store.AppendContent(1, 5, "more")
			assert.ErrorIs(t, err, ErrSubtaskFinished)
			_, err = store.FailSubtask(1, 5, "late")
			assert.ErrorIs(t, err, ErrSubtaskFinished)

			loaded, err := store.GetSubtask(1, 5)
			require.NoError(t, err)
			assert.Equal(t, "Hello", loaded.Content)
			assert.Equal(t, true, loaded.Result["ok"])
			assert.Equal(t, "say hello", loaded.Prompt)

			require.NoError(t, store.DeleteSubtask(1, 5))
			_, err = store.GetSubtask(1, 5)
			assert.ErrorIs(t, err, ErrSubtaskNotFound)
			assert.ErrorIs(t, store.DeleteSubtask(1, 5), ErrSubtaskNotFound)
		})
	}
}

func TestStorage_ReturnsCopies(t *testing.T) {
	for name, newStore := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			require.NoError(t, store.Init())

			require.NoError(t, store.CreateSubtask(&model.Subtask{TaskID: 1, SubtaskID: 1}))
			_, err := store.CompleteSubtask(1, 1, map[string]interface{}{"k": "v"})
			require.NoError(t, err)

			got, err := store.GetSubtask(1, 1)
			require.NoError(t, err)
			got.Content = "mutated"
			got.Result["k"] = "mutated"

			again, err := store.GetSubtask(1, 1)
			require.NoError(t, err)
			assert.Equal(t, "", again.Content)
			assert.Equal(t, "v", again.Result["k"])
		})
	}
}

func TestStorage_Fail(t *testing.T) {
	for name, newStore := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			require.NoError(t, store.Init())

			require.NoError(t, store.CreateSubtask(&model.Subtask{TaskID: 2, SubtaskID: 1}))
			failed, err := store.FailSubtask(2, 1, "model timeout")
			require.NoError(t, err)
			assert.Equal(t, model.SubtaskStatusFailed, failed.Status)
			assert.Equal(t, "model timeout", failed.Error)
			assert.True(t, failed.Finished())

			_, err = store.AppendContent(9, 9, "x")
			assert.ErrorIs(t, err, ErrSubtaskNotFound)
		})
	}
}

func TestStorage_List(t *testing.T) {
	for name, newStore := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			require.NoError(t, store.Init())

			for _, ids := range [][2]int64{{1, 3}, {2, 1}, {1, 1}, {1, 2}} {
				require.NoError(t, store.CreateSubtask(&model.Subtask{TaskID: ids[0], SubtaskID: ids[1]}))
			}

			list, err := store.ListSubtasks(1)
			require.NoError(t, err)
			require.Len(t, list, 3)
			for i, sub := range list {
				assert.Equal(t, int64(1), sub.TaskID)
				assert.Equal(t, int64(i+1), sub.SubtaskID)
			}

			all, err := store.ListAll()
			require.NoError(t, err)
			assert.Len(t, all, 4)

			empty, err := store.ListSubtasks(42)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestDiskStorage_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	store := NewDiskStorage(dir, 1)
	require.NoError(t, store.Init())
	require.NoError(t, store.CreateSubtask(&model.Subtask{TaskID: 7, SubtaskID: 1}))
	require.NoError(t, store.CreateSubtask(&model.Subtask{TaskID: 7, SubtaskID: 2}))
	_, err := store.AppendContent(7, 1, "persisted ")
	require.NoError(t, err)
	_, err = store.AppendContent(7, 1, "output")
	require.NoError(t, err)
	_, err = store.CompleteSubtask(7, 2, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := NewDiskStorage(dir, 1)
	require.NoError(t, reopened.Init())

	first, err := reopened.GetSubtask(7, 1)
	require.NoError(t, err)
	assert.Equal(t, "persisted output", first.Content)
	assert.Equal(t, model.SubtaskStatusRunning, first.Status)

	second, err := reopened.GetSubtask(7, 2)
	require.NoError(t, err)
	assert.Equal(t, model.SubtaskStatusCompleted, second.Status)

	indexes, err := reopened.readIndex()
	require.NoError(t, err)
	assert.Len(t, indexes, 2)
}

func TestDiskStorage_Backup(t *testing.T) {
	dir := t.TempDir()
	store := NewDiskStorage(dir, 10)
	require.NoError(t, store.Init())
	require.NoError(t, store.CreateSubtask(&model.Subtask{TaskID: 1, SubtaskID: 1}))

	require.NoError(t, store.Backup())

	backups, err := os.ReadDir(filepath.Join(dir, "backup"))
	require.NoError(t, err)
	require.Len(t, backups, 1)

	backupDir := filepath.Join(dir, "backup", backups[0].Name())
	assert.FileExists(t, filepath.Join(backupDir, "subtasks.json"))
	assert.FileExists(t, filepath.Join(backupDir, "subtasks", "1_1.json"))
}

func TestDiskStorage_InitCorruptIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "subtasks.json"), []byte("{broken"), 0644))

	err := NewDiskStorage(dir, 10).Init()
	assert.ErrorIs(t, err, ErrStorageInit)
}

func TestNew(t *testing.T) {
	store, err := New(config.StorageConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, store)

	store, err = New(config.StorageConfig{Type: "disk", DataDir: t.TempDir(), CacheSize: 10})
	require.NoError(t, err)
	assert.IsType(t, &DiskStorage{}, store)
	require.NoError(t, store.Close())

	_, err = New(config.StorageConfig{Type: "redis"})
	assert.Error(t, err)
}
