package storage

import (
	"subtask-stream/internal/model"
)

// Storage 子任务输出存储。返回的 *model.Subtask 都是副本，调用方可以自由修改。
type Storage interface {
	// 子任务管理
	CreateSubtask(subtask *model.Subtask) error
	GetSubtask(taskID, subtaskID int64) (*model.Subtask, error)
	DeleteSubtask(taskID, subtaskID int64) error
	ListSubtasks(taskID int64) ([]*model.Subtask, error)
	ListAll() ([]*model.Subtask, error)

	// 输出写入，子任务结束后再写入返回 ErrSubtaskFinished
	AppendContent(taskID, subtaskID int64, content string) (*model.Subtask, error)
	CompleteSubtask(taskID, subtaskID int64, result map[string]interface{}) (*model.Subtask, error)
	FailSubtask(taskID, subtaskID int64, message string) (*model.Subtask, error)

	// 存储管理
	Init() error
	Close() error
	Backup() error
}
