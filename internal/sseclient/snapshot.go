package sseclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"subtask-stream/internal/model"
)

// GetSubtask 读取子任务快照。流中断后用它区分子任务失败和连接问题
func (c *Client) GetSubtask(ctx context.Context, taskID, subtaskID int64) (*model.SubtaskResponse, error) {
	endpoint := fmt.Sprintf("%s/api/tasks/%d/subtasks/%d", c.baseURL, taskID, subtaskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.apiClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, string(body))
	}

	var snapshot model.SubtaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("decode subtask: %w", err)
	}
	return &snapshot, nil
}
