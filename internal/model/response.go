package model

import "time"

// StreamChunk 流式推送的最小单元，每个 SSE message 事件携带一个
type StreamChunk struct {
	Content   string                 `json:"content"`
	Done      bool                   `json:"done"`
	SubtaskID int64                  `json:"subtask_id"`
	Result    map[string]interface{} `json:"result,omitempty"`
}

// SessionState 客户端流会话状态的只读快照
type SessionState struct {
	Content     string                 `json:"content"`
	IsStreaming bool                   `json:"is_streaming"`
	IsComplete  bool                   `json:"is_complete"`
	Error       string                 `json:"error,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
}

type SubtaskResponse struct {
	TaskID        int64                  `json:"task_id"`
	SubtaskID     int64                  `json:"subtask_id"`
	Status        string                 `json:"status"`
	Content       string                 `json:"content"`
	ContentLength int                    `json:"content_length"`
	Error         string                 `json:"error,omitempty"`
	Result        map[string]interface{} `json:"result,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

func NewSubtaskResponse(s *Subtask) SubtaskResponse {
	return SubtaskResponse{
		TaskID:        s.TaskID,
		SubtaskID:     s.SubtaskID,
		Status:        s.Status,
		Content:       s.Content,
		ContentLength: ContentLength(s.Content),
		Error:         s.Error,
		Result:        s.Result,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}
