package sseclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"subtask-stream/internal/model"
	"subtask-stream/internal/stream"
	"subtask-stream/internal/utils"
	"subtask-stream/pkg/logger"

	"github.com/sirupsen/logrus"
)

var (
	ErrUnexpectedStatus = errors.New("unexpected stream status")
	ErrNoSubtask        = errors.New("subscription key has no subtask")
)

const defaultAPITimeout = 30 * time.Second

// Client 通过 HTTP SSE 打开子任务输出流，实现 stream.Source
type Client struct {
	baseURL    string
	httpClient *http.Client
	// apiClient 用于普通请求，带整体超时
	apiClient *http.Client
	header    http.Header
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithHeader 每个请求附带的额外请求头
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.header.Set(key, value)
	}
}

func NewClient(baseURL string, responseHeaderTimeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: utils.NewStreamingHTTPClient(responseHeaderTimeout),
		apiClient:  utils.NewHTTPClient(defaultAPITimeout),
		header:     http.Header{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StreamURL 返回订阅键对应的流地址
func (c *Client) StreamURL(key model.SubscriptionKey) (string, error) {
	if !key.Active() {
		return "", ErrNoSubtask
	}
	u, err := url.Parse(fmt.Sprintf("%s/api/tasks/%d/subtasks/%d/stream", c.baseURL, key.TaskID, *key.SubtaskID))
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("offset", strconv.Itoa(key.Offset))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open 发起请求后立即返回，读取在独立 goroutine 中进行
func (c *Client) Open(key model.SubscriptionKey, events stream.Events) (stream.Handle, error) {
	endpoint, err := c.StreamURL(key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	conn := &Conn{
		cancel: cancel,
		done:   make(chan struct{}),
		log: logger.WithFields(logrus.Fields{
			"task_id":    key.TaskID,
			"subtask_id": *key.SubtaskID,
			"offset":     key.Offset,
		}),
	}
	go conn.run(c.httpClient, req, events)

	return conn, nil
}

// Conn 一条 SSE 连接
type Conn struct {
	cancel context.CancelFunc
	closed atomic.Bool
	done   chan struct{}
	log    *logrus.Entry
}

// Close 取消请求。Close 返回后不会再开始新的回调，但与 Close 并发、已经开始的
// 那一次回调仍会执行完；调用方需要自行丢弃（stream.Controller 按连接身份丢弃）。
// Close 不等待读取 goroutine 退出，因此可以在事件回调内部调用。
func (h *Conn) Close() error {
	if h.closed.CompareAndSwap(false, true) {
		h.cancel()
	}
	return nil
}

// Done 在读取 goroutine 退出后关闭
func (h *Conn) Done() <-chan struct{} {
	return h.done
}

func (h *Conn) run(client *http.Client, req *http.Request, events stream.Events) {
	defer close(h.done)
	defer h.cancel()

	resp, err := client.Do(req)
	if err != nil {
		h.fail(events, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		h.fail(events, fmt.Errorf("%w: http %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(body))))
		return
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		h.log.Warnf("unexpected stream content type %q", resp.Header.Get("Content-Type"))
	}

	reader := NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			h.fail(events, err)
			return
		}
		if h.closed.Load() {
			resp.Body.Close()
			reader.discard()
			return
		}

		switch ev.Event {
		case utils.EventMessage:
			if string(ev.Data) == "[DONE]" {
				continue
			}
			events.OnMessage(ev.Data)
		default:
			h.log.Debugf("ignoring %s event", ev.Event)
		}
	}
}

func (h *Conn) fail(events stream.Events, err error) {
	if h.closed.Load() {
		return
	}
	events.OnError(err)
}
