package service

import (
	"errors"
	"sync"
	"time"

	"subtask-stream/internal/config"
	"subtask-stream/internal/model"
	"subtask-stream/internal/storage"
	"subtask-stream/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var ErrServiceClosed = errors.New("stream service closed")

type streamKey struct {
	taskID    int64
	subtaskID int64
}

type subscriber struct {
	id     string
	key    streamKey
	ch     chan model.StreamChunk
	closed bool
}

// Subscription 一个子任务输出的订阅。C 先回放 offset 之后已有的内容，
// 再推送实时片段，结束片段之后关闭。子任务失败时直接关闭，不发送结束片段。
type Subscription struct {
	ID string
	C  <-chan model.StreamChunk

	svc *StreamService
	sub *subscriber
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() {
	s.svc.unsubscribe(s.sub)
}

// StreamService 子任务输出的写入与分发中心
type StreamService struct {
	storage storage.Storage
	cfg     config.StreamConfig

	// mu 串行化所有写入与订阅，保证回放与实时推送之间不丢不重
	mu          sync.Mutex
	subscribers map[streamKey]map[string]*subscriber
	closed      bool

	stopCleanup chan struct{}
	wg          sync.WaitGroup
}

func NewStreamService(store storage.Storage, cfg config.StreamConfig) *StreamService {
	if cfg.SubscriberBuffer < 2 {
		cfg.SubscriberBuffer = 2
	}
	s := &StreamService{
		storage:     store,
		cfg:         cfg,
		subscribers: make(map[streamKey]map[string]*subscriber),
		stopCleanup: make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 && cfg.SubtaskTTL > 0 {
		s.wg.Add(1)
		go s.cleanupLoop()
	}
	return s
}

// CreateSubtask 创建子任务，未指定 subtask_id 时取该任务下最大 id + 1
func (s *StreamService) CreateSubtask(taskID int64, req model.CreateSubtaskRequest) (*model.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}

	subtaskID := int64(1)
	if req.SubtaskID != nil {
		subtaskID = *req.SubtaskID
	} else {
		existing, err := s.storage.ListSubtasks(taskID)
		if err != nil {
			return nil, err
		}
		for _, sub := range existing {
			if sub.SubtaskID >= subtaskID {
				subtaskID = sub.SubtaskID + 1
			}
		}
	}

	subtask := &model.Subtask{
		TaskID:    taskID,
		SubtaskID: subtaskID,
		Prompt:    req.Prompt,
	}
	if err := s.storage.CreateSubtask(subtask); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{"task_id": taskID, "subtask_id": subtaskID}).Info("subtask created")
	return subtask, nil
}

func (s *StreamService) GetSubtask(taskID, subtaskID int64) (*model.Subtask, error) {
	return s.storage.GetSubtask(taskID, subtaskID)
}

func (s *StreamService) ListSubtasks(taskID int64) ([]*model.Subtask, error) {
	return s.storage.ListSubtasks(taskID)
}

// DeleteSubtask 删除子任务，仍在订阅的连接会被直接关闭
func (s *StreamService) DeleteSubtask(taskID, subtaskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServiceClosed
	}
	if err := s.storage.DeleteSubtask(taskID, subtaskID); err != nil {
		return err
	}
	s.closeAllLocked(streamKey{taskID, subtaskID})
	return nil
}

// Append 追加一段输出并推送给所有订阅者，空内容忽略
func (s *StreamService) Append(taskID, subtaskID int64, content string) (*model.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}
	if content == "" {
		return s.storage.GetSubtask(taskID, subtaskID)
	}

	subtask, err := s.storage.AppendContent(taskID, subtaskID, content)
	if err != nil {
		return nil, err
	}

	s.broadcastLocked(streamKey{taskID, subtaskID}, model.StreamChunk{
		Content:   content,
		SubtaskID: subtaskID,
	})
	return subtask, nil
}

// Complete 标记完成，推送结束片段后关闭所有订阅
func (s *StreamService) Complete(taskID, subtaskID int64, result map[string]interface{}) (*model.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}
	subtask, err := s.storage.CompleteSubtask(taskID, subtaskID, result)
	if err != nil {
		return nil, err
	}

	key := streamKey{taskID, subtaskID}
	s.broadcastLocked(key, doneChunk(subtask))
	s.closeAllLocked(key)

	logger.WithFields(logrus.Fields{
		"task_id":        taskID,
		"subtask_id":     subtaskID,
		"content_length": model.ContentLength(subtask.Content),
	}).Info("subtask completed")
	return subtask, nil
}

// Fail 标记失败并关闭订阅，客户端看到的是连接中断
func (s *StreamService) Fail(taskID, subtaskID int64, message string) (*model.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}
	subtask, err := s.storage.FailSubtask(taskID, subtaskID, message)
	if err != nil {
		return nil, err
	}
	s.closeAllLocked(streamKey{taskID, subtaskID})

	logger.WithFields(logrus.Fields{"task_id": taskID, "subtask_id": subtaskID}).Warnf("subtask failed: %s", message)
	return subtask, nil
}

// Push 处理外部 worker 推送的片段：先追加内容，done 时再完成
func (s *StreamService) Push(taskID, subtaskID int64, req model.PushChunkRequest) (*model.Subtask, error) {
	subtask, err := s.Append(taskID, subtaskID, req.Content)
	if err != nil {
		return nil, err
	}
	if !req.Done {
		return subtask, nil
	}
	return s.Complete(taskID, subtaskID, req.Result)
}

// Subscribe 从 offset（按字符计）开始订阅子任务输出
func (s *StreamService) Subscribe(taskID, subtaskID int64, offset int) (*Subscription, error) {
	if offset < 0 {
		return nil, storage.ErrInvalidData
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}

	subtask, err := s.storage.GetSubtask(taskID, subtaskID)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{
		id:  uuid.New().String(),
		key: streamKey{taskID, subtaskID},
		ch:  make(chan model.StreamChunk, s.cfg.SubscriberBuffer),
	}

	// 缓冲区至少为 2，回放片段和结束片段不会阻塞
	if replay := model.ContentFrom(subtask.Content, offset); replay != "" {
		sub.ch <- model.StreamChunk{Content: replay, SubtaskID: subtaskID}
	}

	switch subtask.Status {
	case model.SubtaskStatusCompleted:
		sub.ch <- doneChunk(subtask)
		sub.closed = true
		close(sub.ch)
	case model.SubtaskStatusFailed:
		sub.closed = true
		close(sub.ch)
	default:
		subs, ok := s.subscribers[sub.key]
		if !ok {
			subs = make(map[string]*subscriber)
			s.subscribers[sub.key] = subs
		}
		subs[sub.id] = sub
	}

	logger.WithFields(logrus.Fields{
		"task_id":    taskID,
		"subtask_id": subtaskID,
		"offset":     offset,
		"subscriber": sub.id,
	}).Debugf("subscribed, status=%s", subtask.Status)

	return &Subscription{ID: sub.id, C: sub.ch, svc: s, sub: sub}, nil
}

func (s *StreamService) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(sub)
}

func (s *StreamService) removeLocked(sub *subscriber) {
	if subs, ok := s.subscribers[sub.key]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(s.subscribers, sub.key)
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

func (s *StreamService) broadcastLocked(key streamKey, chunk model.StreamChunk) {
	for _, sub := range s.subscribers[key] {
		select {
		case sub.ch <- chunk:
		default:
			// 消费过慢，断开后由客户端按 offset 续传
			logger.Warnf("subscriber %s too slow, dropping", sub.id)
			s.removeLocked(sub)
		}
	}
}

func (s *StreamService) closeAllLocked(key streamKey) {
	for _, sub := range s.subscribers[key] {
		s.removeLocked(sub)
	}
}

func doneChunk(subtask *model.Subtask) model.StreamChunk {
	return model.StreamChunk{
		Done:      true,
		SubtaskID: subtask.SubtaskID,
		Result:    subtask.Result,
	}
}

func (s *StreamService) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if n := s.cleanupExpired(now); n > 0 {
				logger.Infof("cleaned up %d expired subtasks", n)
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired 删除结束时间早于 TTL 的子任务，运行中的不动
func (s *StreamService) cleanupExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.storage.ListAll()
	if err != nil {
		logger.Errorf("list subtasks for cleanup: %v", err)
		return 0
	}

	removed := 0
	for _, sub := range all {
		if !sub.Finished() || now.Sub(sub.UpdatedAt) < s.cfg.SubtaskTTL {
			continue
		}
		if err := s.storage.DeleteSubtask(sub.TaskID, sub.SubtaskID); err != nil {
			logger.Warnf("delete expired subtask %d/%d: %v", sub.TaskID, sub.SubtaskID, err)
			continue
		}
		removed++
	}
	return removed
}

// Close 停止清理并关闭所有订阅，之后的写入都返回 ErrServiceClosed。不关闭底层存储
func (s *StreamService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for key := range s.subscribers {
		s.closeAllLocked(key)
	}
	s.mu.Unlock()

	close(s.stopCleanup)
	s.wg.Wait()
}
