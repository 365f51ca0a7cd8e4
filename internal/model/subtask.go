package model

import (
	"strconv"
	"time"
	"unicode/utf8"
)

// 子任务状态
const (
	SubtaskStatusRunning   = "running"
	SubtaskStatusCompleted = "completed"
	SubtaskStatusFailed    = "failed"
)

// SubscriptionKey 标识一次流订阅，SubtaskID 为 nil 表示当前没有订阅
type SubscriptionKey struct {
	TaskID    int64  `json:"task_id"`
	SubtaskID *int64 `json:"subtask_id,omitempty"`
	Offset    int    `json:"offset"`
}

// NewSubscriptionKey 构造一个带子任务的订阅键
func NewSubscriptionKey(taskID, subtaskID int64, offset int) SubscriptionKey {
	return SubscriptionKey{
		TaskID:    taskID,
		SubtaskID: &subtaskID,
		Offset:    offset,
	}
}

// Clone 复制 SubtaskID 指针，避免调用方后续修改影响已保存的键
func (k SubscriptionKey) Clone() SubscriptionKey {
	if k.SubtaskID != nil {
		id := *k.SubtaskID
		k.SubtaskID = &id
	}
	return k
}

// Active 是否指向一个具体的子任务
func (k SubscriptionKey) Active() bool {
	return k.SubtaskID != nil
}

// SameStream 判断两个键是否指向同一条流（忽略 offset）
func (k SubscriptionKey) SameStream(other SubscriptionKey) bool {
	if k.TaskID != other.TaskID {
		return false
	}
	if k.SubtaskID == nil || other.SubtaskID == nil {
		return k.SubtaskID == nil && other.SubtaskID == nil
	}
	return *k.SubtaskID == *other.SubtaskID
}

// Equal 完全相同（包括 offset）
func (k SubscriptionKey) Equal(other SubscriptionKey) bool {
	return k.SameStream(other) && k.Offset == other.Offset
}

func (k SubscriptionKey) String() string {
	if k.SubtaskID == nil {
		return strconv.FormatInt(k.TaskID, 10) + "/-"
	}
	return strconv.FormatInt(k.TaskID, 10) + "/" + strconv.FormatInt(*k.SubtaskID, 10) + "@" + strconv.Itoa(k.Offset)
}

// Subtask 服务端保存的子任务输出
type Subtask struct {
	TaskID    int64                  `json:"task_id"`
	SubtaskID int64                  `json:"subtask_id"`
	Prompt    string                 `json:"prompt,omitempty"`
	Content   string                 `json:"content"`
	Status    string                 `json:"status"`
	Error     string                 `json:"error,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Finished 子任务是否已经结束（完成或失败）
func (s *Subtask) Finished() bool {
	return s.Status == SubtaskStatusCompleted || s.Status == SubtaskStatusFailed
}

// ContentFrom 按字符（而不是字节）偏移截取内容，偏移越界时返回空串
func ContentFrom(content string, offset int) string {
	if offset <= 0 {
		return content
	}
	i := 0
	for pos := range content {
		if i == offset {
			return content[pos:]
		}
		i++
	}
	return ""
}

// ContentLength 以字符数计算内容长度，与 offset 的单位保持一致
func ContentLength(content string) int {
	return utf8.RuneCountInString(content)
}
