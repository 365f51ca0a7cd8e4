package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"subtask-stream/internal/config"
	"subtask-stream/internal/model"
	"subtask-stream/internal/service"
	"subtask-stream/internal/storage"
	"subtask-stream/internal/utils"
	"subtask-stream/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type StreamHandler struct {
	streamService *service.StreamService
	generator     *service.Generator
	cfg           config.StreamConfig
}

// NewStreamHandler generator 可以为 nil，此时子任务只接受外部推送
func NewStreamHandler(streamService *service.StreamService, generator *service.Generator, cfg config.StreamConfig) *StreamHandler {
	return &StreamHandler{
		streamService: streamService,
		generator:     generator,
		cfg:           cfg,
	}
}

func parseIDs(c *gin.Context) (taskID, subtaskID int64, ok bool) {
	taskID, err := strconv.ParseInt(c.Param("task_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task_id"})
		return 0, 0, false
	}
	if c.Param("subtask_id") == "" {
		return taskID, 0, true
	}
	subtaskID, err = strconv.ParseInt(c.Param("subtask_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subtask_id"})
		return 0, 0, false
	}
	return taskID, subtaskID, true
}

// writeError 把存储层错误映射为 HTTP 状态码
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrSubtaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrSubtaskExists), errors.Is(err, storage.ErrSubtaskFinished):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrInvalidData):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrServiceClosed):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *StreamHandler) CreateSubtask(c *gin.Context) {
	taskID, _, ok := parseIDs(c)
	if !ok {
		return
	}

	var req model.CreateSubtaskRequest
	// 允许空请求体
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	subtask, err := h.streamService.CreateSubtask(taskID, req)
	if err != nil {
		writeError(c, err)
		return
	}

	if req.Prompt != "" && h.generator != nil {
		h.generator.Start(subtask.TaskID, subtask.SubtaskID, req.Prompt)
	}

	c.JSON(http.StatusCreated, model.NewSubtaskResponse(subtask))
}

func (h *StreamHandler) ListSubtasks(c *gin.Context) {
	taskID, _, ok := parseIDs(c)
	if !ok {
		return
	}

	subtasks, err := h.streamService.ListSubtasks(taskID)
	if err != nil {
		writeError(c, err)
		return
	}

	list := make([]model.SubtaskResponse, 0, len(subtasks))
	for _, sub := range subtasks {
		list = append(list, model.NewSubtaskResponse(sub))
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":  taskID,
		"subtasks": list,
	})
}

func (h *StreamHandler) GetSubtask(c *gin.Context) {
	taskID, subtaskID, ok := parseIDs(c)
	if !ok {
		return
	}

	subtask, err := h.streamService.GetSubtask(taskID, subtaskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.NewSubtaskResponse(subtask))
}

func (h *StreamHandler) PushChunk(c *gin.Context) {
	taskID, subtaskID, ok := parseIDs(c)
	if !ok {
		return
	}

	var req model.PushChunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	subtask, err := h.streamService.Push(taskID, subtaskID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.NewSubtaskResponse(subtask))
}

func (h *StreamHandler) FailSubtask(c *gin.Context) {
	taskID, subtaskID, ok := parseIDs(c)
	if !ok {
		return
	}

	var req model.FailSubtaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	subtask, err := h.streamService.Fail(taskID, subtaskID, req.Error)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.NewSubtaskResponse(subtask))
}

func (h *StreamHandler) DeleteSubtask(c *gin.Context) {
	taskID, subtaskID, ok := parseIDs(c)
	if !ok {
		return
	}

	if err := h.streamService.DeleteSubtask(taskID, subtaskID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Subtask deleted successfully"})
}

// Stream 以 SSE 推送子任务输出，offset 之前的内容不会重发
func (h *StreamHandler) Stream(c *gin.Context) {
	taskID, subtaskID, ok := parseIDs(c)
	if !ok {
		return
	}

	offset := 0
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		offset = n
	}

	sub, err := h.streamService.Subscribe(taskID, subtaskID, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	log := logger.WithFields(logrus.Fields{
		"task_id":    taskID,
		"subtask_id": subtaskID,
		"offset":     offset,
		"subscriber": sub.ID,
	})
	log.Debugf("stream opened")

	sseWriter := utils.NewSSEWriter(c.Writer)

	ctx := c.Request.Context()
	if h.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.MaxDuration)
		defer cancel()
	}

	// 心跳与数据在同一个循环里写出，避免并发写 ResponseWriter
	var heartbeat <-chan time.Time
	if h.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(h.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	startData, _ := json.Marshal(gin.H{
		"type":      "stream_start",
		"offset":    offset,
		"timestamp": time.Now().Unix(),
	})
	if err := sseWriter.Write(utils.EventStatus, string(startData)); err != nil {
		log.Warnf("write status: %v", err)
		return
	}

	for {
		select {
		case chunk, ok := <-sub.C:
			if !ok {
				// 没有结束片段就关闭，说明子任务失败、被删除或者消费过慢
				log.Debugf("stream closed without done")
				return
			}

			data, err := json.Marshal(chunk)
			if err != nil {
				log.Errorf("marshal chunk: %v", err)
				continue
			}
			if err := sseWriter.WriteMessage(string(data)); err != nil {
				log.Warnf("write chunk: %v", err)
				return
			}

			if chunk.Done {
				sseWriter.Close()
				log.Debugf("stream completed")
				return
			}

		case <-heartbeat:
			heartbeatData, _ := json.Marshal(gin.H{
				"type":      "heartbeat",
				"timestamp": time.Now().Unix(),
			})
			if err := sseWriter.Write(utils.EventHeartbeat, string(heartbeatData)); err != nil {
				log.Warnf("heartbeat failed: %v", err)
				return
			}

		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				timeoutData, _ := json.Marshal(gin.H{
					"error":     "stream exceeded max duration",
					"type":      "timeout",
					"timestamp": time.Now().Unix(),
				})
				sseWriter.Write("error", string(timeoutData))
			}
			return
		}
	}
}
