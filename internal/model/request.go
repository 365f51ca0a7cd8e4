package model

type CreateSubtaskRequest struct {
	SubtaskID *int64 `json:"subtask_id"`
	Prompt    string `json:"prompt"`
}

// 外部 worker 推送的输出片段
type PushChunkRequest struct {
	Content string                 `json:"content"`
	Done    bool                   `json:"done"`
	Result  map[string]interface{} `json:"result"`
}

type FailSubtaskRequest struct {
	Error string `json:"error" binding:"required"`
}
