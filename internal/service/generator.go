package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"subtask-stream/pkg/logger"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Generator 用大模型为子任务生成输出，每个增量都写入 StreamService
type Generator struct {
	svc       *StreamService
	chatModel einoModel.BaseChatModel
	modelName string
	timeout   time.Duration

	// ctx 在 Close 时取消，所有后台生成都派生自它
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewGenerator(svc *StreamService, chatModel einoModel.BaseChatModel, modelName string, timeout time.Duration) *Generator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Generator{
		svc:       svc,
		chatModel: chatModel,
		modelName: modelName,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start 在后台生成，不阻塞调用方。Close 之后调用直接忽略
func (g *Generator) Start(taskID, subtaskID int64, prompt string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		logger.Warnf("generator closed, subtask %d/%d not started", taskID, subtaskID)
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ctx := g.ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		if err := g.Run(ctx, taskID, subtaskID, prompt); err != nil {
			logger.Errorf("generate subtask %d/%d: %v", taskID, subtaskID, err)
		}
	}()
}

// Close 取消所有进行中的生成并等待其退出，被取消的子任务标记为失败。
// 应在关闭 StreamService 之前调用。
func (g *Generator) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
}

// Run 同步生成直到模型输出结束。模型出错时子任务被标记为失败并返回该错误
func (g *Generator) Run(ctx context.Context, taskID, subtaskID int64, prompt string) error {
	runID := uuid.New().String()
	log := logger.WithFields(logrus.Fields{
		"task_id":    taskID,
		"subtask_id": subtaskID,
		"run_id":     runID,
		"model":      g.modelName,
	})
	log.Info("generation started")

	reader, err := g.chatModel.Stream(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return g.fail(taskID, subtaskID, fmt.Errorf("start model stream: %w", err))
	}
	defer reader.Close()

	chunks := 0
	for {
		msg, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return g.fail(taskID, subtaskID, fmt.Errorf("receive model stream: %w", err))
		}
		if msg == nil || msg.Content == "" {
			continue
		}

		// 子任务被删除或已由其他写入方结束时停止
		if _, err := g.svc.Append(taskID, subtaskID, msg.Content); err != nil {
			log.Warnf("stop generation: %v", err)
			return err
		}
		chunks++
	}

	_, err = g.svc.Complete(taskID, subtaskID, map[string]interface{}{
		"model":  g.modelName,
		"chunks": chunks,
		"run_id": runID,
	})
	if err != nil {
		return err
	}

	log.Infof("generation finished, %d chunks", chunks)
	return nil
}

func (g *Generator) fail(taskID, subtaskID int64, cause error) error {
	if _, err := g.svc.Fail(taskID, subtaskID, cause.Error()); err != nil {
		logger.Warnf("mark subtask %d/%d failed: %v", taskID, subtaskID, err)
	}
	return cause
}
