package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"subtask-stream/internal/model"
	"subtask-stream/pkg/logger"

	"github.com/sirupsen/logrus"
)

// ConnectionErrorMessage 传输层错误时写入 SessionState.Error 的固定文案
const ConnectionErrorMessage = "Stream connection error"

var (
	ErrControllerClosed = errors.New("stream controller closed")
	ErrInvalidKey       = errors.New("invalid subscription key")
)

// Callbacks 调用方提供的回调，全部可选。回调在控制器释放内部锁之后同步执行，
// 因此可以在回调里调用 Configure / Disconnect。
type Callbacks struct {
	OnChunk    func(chunk model.StreamChunk)
	OnComplete func(result map[string]interface{})
	OnError    func(message string)
}

// Controller 管理单个订阅的推流会话：同一时刻最多持有一条连接，
// 把入站事件转换为 SessionState 的变化和回调。
type Controller struct {
	source Source

	mu        sync.Mutex
	key       model.SubscriptionKey
	callbacks Callbacks
	state     model.SessionState
	// base 当前 content 在服务端输出中的起始偏移
	base   int
	conn   *connection
	seq    uint64
	closed bool
}

func NewController(source Source) *Controller {
	return &Controller{source: source}
}

// connection 是交给 Source 的 Events 实现。每次打开都会新建一个，
// 事件通过指针身份判断是否仍属于当前连接。
type connection struct {
	ctrl     *Controller
	key      model.SubscriptionKey
	handle   Handle
	released bool
	log      *logrus.Entry
}

func (c *connection) OnMessage(payload []byte) {
	c.ctrl.dispatch(c, payload, nil)
}

func (c *connection) OnError(err error) {
	if err == nil {
		err = errors.New("unknown stream error")
	}
	c.ctrl.dispatch(c, nil, err)
}

// wireChunk 用指针区分字段缺失和零值
type wireChunk struct {
	Content   *string                `json:"content"`
	Done      *bool                  `json:"done"`
	SubtaskID *int64                 `json:"subtask_id"`
	Result    map[string]interface{} `json:"result"`
}

var (
	errMissingField    = errors.New("chunk envelope missing content or done")
	errSubtaskMismatch = errors.New("chunk belongs to another subtask")
)

// parseChunk 校验片段信封。content 与 done 必须存在；subtask_id 可省略，
// 存在时必须与订阅的子任务一致。
func parseChunk(payload []byte, subtaskID int64) (model.StreamChunk, error) {
	var w wireChunk
	if err := json.Unmarshal(payload, &w); err != nil {
		return model.StreamChunk{}, err
	}
	if w.Content == nil || w.Done == nil {
		return model.StreamChunk{}, errMissingField
	}
	if w.SubtaskID != nil && *w.SubtaskID != subtaskID {
		return model.StreamChunk{}, fmt.Errorf("%w: got %d", errSubtaskMismatch, *w.SubtaskID)
	}
	return model.StreamChunk{
		Content:   *w.Content,
		Done:      *w.Done,
		SubtaskID: subtaskID,
		Result:    w.Result,
	}, nil
}

type effects []func()

func (e effects) run() {
	for _, f := range e {
		f()
	}
}

func closeEffect(h Handle, log *logrus.Entry) func() {
	return func() {
		if h == nil {
			return
		}
		if err := h.Close(); err != nil && log != nil {
			log.Debugf("close stream handle: %v", err)
		}
	}
}

// Configure 切换订阅键：
//   - 与当前键完全相同且连接存活或已完成：只更新回调；
//   - 与当前键相同但已出错或已断开：保留内容，按原 offset 重新打开；
//   - SubtaskID 为空：断开连接，保留已有内容；
//   - 同一子任务仅 offset 变化：断点续传，保留内容并从新 offset 重新打开；
//   - 其他情况：重置状态后打开新连接。
func (c *Controller) Configure(key model.SubscriptionKey, callbacks Callbacks) error {
	if key.Offset < 0 {
		return ErrInvalidKey
	}
	key = key.Clone()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	c.callbacks = callbacks
	prev := c.key

	if !key.Active() {
		c.key = key
		fx := c.detachLocked()
		c.state.IsStreaming = false
		c.mu.Unlock()
		fx.run()
		return nil
	}

	if prev.Active() && prev.Equal(key) && (c.conn != nil || c.state.IsComplete) {
		c.mu.Unlock()
		return nil
	}

	if prev.Active() && prev.SameStream(key) {
		c.state.IsComplete = false
		c.state.Error = ""
	} else {
		c.state = model.SessionState{}
		c.base = key.Offset
	}
	c.state.IsStreaming = true
	c.key = key

	fx := c.detachLocked()

	c.seq++
	conn := &connection{
		ctrl: c,
		key:  key,
		log: logger.WithFields(logrus.Fields{
			"task_id":    key.TaskID,
			"subtask_id": *key.SubtaskID,
			"offset":     key.Offset,
			"conn":       c.seq,
		}),
	}
	c.conn = conn
	c.mu.Unlock()

	fx.run()
	c.open(conn)
	return nil
}

func (c *Controller) open(conn *connection) {
	conn.log.Debugf("opening stream")
	handle, err := c.source.Open(conn.key, conn)

	c.mu.Lock()
	if err != nil {
		if c.closed || c.conn != conn {
			c.mu.Unlock()
			return
		}
		fx := c.failLocked(conn, err)
		c.mu.Unlock()
		fx.run()
		return
	}
	// 打开期间可能已经被替换、断开或收到终止事件
	if conn.released {
		c.mu.Unlock()
		closeEffect(handle, conn.log)()
		return
	}
	conn.handle = handle
	c.mu.Unlock()
}

// releaseLocked 解除连接与控制器的关联并返回需要关闭的句柄
func (c *Controller) releaseLocked(conn *connection) Handle {
	conn.released = true
	h := conn.handle
	conn.handle = nil
	if c.conn == conn {
		c.conn = nil
	}
	return h
}

// detachLocked 释放当前连接（如果有），返回关闭句柄的动作
func (c *Controller) detachLocked() effects {
	conn := c.conn
	if conn == nil {
		return nil
	}
	return effects{closeEffect(c.releaseLocked(conn), conn.log)}
}

func (c *Controller) failLocked(conn *connection, err error) effects {
	conn.log.Warnf("stream transport error: %v", err)
	c.state.Error = ConnectionErrorMessage
	c.state.IsStreaming = false
	h := c.releaseLocked(conn)

	var fx effects
	if cb := c.callbacks.OnError; cb != nil {
		fx = append(fx, func() { cb(ConnectionErrorMessage) })
	}
	return append(fx, closeEffect(h, conn.log))
}

// dispatch 是会话状态唯一的事件入口
func (c *Controller) dispatch(conn *connection, payload []byte, err error) {
	c.mu.Lock()
	if c.closed || conn.released || c.conn != conn {
		c.mu.Unlock()
		return
	}

	if err != nil {
		fx := c.failLocked(conn, err)
		c.mu.Unlock()
		fx.run()
		return
	}

	chunk, perr := parseChunk(payload, *conn.key.SubtaskID)
	if perr != nil {
		c.mu.Unlock()
		conn.log.Warnf("dropping malformed chunk: %v", perr)
		return
	}

	var fx effects
	if !chunk.Done {
		c.state.Content += chunk.Content
		if cb := c.callbacks.OnChunk; cb != nil {
			fx = append(fx, func() { cb(chunk) })
		}
	} else {
		c.state.IsComplete = true
		c.state.IsStreaming = false
		c.state.Result = chunk.Result
		h := c.releaseLocked(conn)
		if cb := c.callbacks.OnComplete; cb != nil {
			result := maps.Clone(chunk.Result)
			fx = append(fx, func() { cb(result) })
		}
		fx = append(fx, closeEffect(h, conn.log))
		conn.log.Debugf("stream completed")
	}
	c.mu.Unlock()
	fx.run()
}

// Disconnect 关闭当前连接，可重复调用
func (c *Controller) Disconnect() {
	c.mu.Lock()
	fx := c.detachLocked()
	c.state.IsStreaming = false
	c.mu.Unlock()
	fx.run()
}

// Close 在调用方不再需要控制器时调用，之后到达的事件全部丢弃
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fx := c.detachLocked()
	c.state.IsStreaming = false
	c.mu.Unlock()
	fx.run()
}

// State 返回当前会话状态的副本
func (c *Controller) State() model.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state
	s.Result = maps.Clone(c.state.Result)
	return s
}

func (c *Controller) Key() model.SubscriptionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key.Clone()
}

// ResumeKey 返回把 offset 推进到已接收内容末尾的订阅键，用于出错后续传
func (c *Controller) ResumeKey() model.SubscriptionKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.key.Clone()
	if key.Active() {
		key.Offset = c.base + model.ContentLength(c.state.Content)
	}
	return key
}
