package storage

import (
	"fmt"
	"maps"
	"sort"
	"time"

	"subtask-stream/internal/model"
)

type subtaskKey struct {
	taskID    int64
	subtaskID int64
}

func keyOf(s *model.Subtask) subtaskKey {
	return subtaskKey{taskID: s.TaskID, subtaskID: s.SubtaskID}
}

func (k subtaskKey) String() string {
	return fmt.Sprintf("%d_%d", k.taskID, k.subtaskID)
}

func cloneSubtask(s *model.Subtask) *model.Subtask {
	c := *s
	c.Result = maps.Clone(s.Result)
	return &c
}

// mutation 对一个子任务做原地修改
type mutation func(s *model.Subtask) error

func appendContent(content string) mutation {
	return func(s *model.Subtask) error {
		if s.Finished() {
			return ErrSubtaskFinished
		}
		s.Content += content
		s.UpdatedAt = time.Now()
		return nil
	}
}

func complete(result map[string]interface{}) mutation {
	return func(s *model.Subtask) error {
		if s.Finished() {
			return ErrSubtaskFinished
		}
		s.Status = model.SubtaskStatusCompleted
		s.Result = maps.Clone(result)
		s.UpdatedAt = time.Now()
		return nil
	}
}

func fail(message string) mutation {
	return func(s *model.Subtask) error {
		if s.Finished() {
			return ErrSubtaskFinished
		}
		s.Status = model.SubtaskStatusFailed
		s.Error = message
		s.UpdatedAt = time.Now()
		return nil
	}
}

func prepareNew(s *model.Subtask) {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = model.SubtaskStatusRunning
	}
}

func sortSubtasks(list []*model.Subtask) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].TaskID != list[j].TaskID {
			return list[i].TaskID < list[j].TaskID
		}
		return list[i].SubtaskID < list[j].SubtaskID
	})
}
