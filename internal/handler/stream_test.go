package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"subtask-stream/internal/config"
	"subtask-stream/internal/model"
	"subtask-stream/internal/service"
	"subtask-stream/internal/sseclient"
	"subtask-stream/internal/storage"
	"subtask-stream/internal/stream"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	svc    *service.StreamService
	router *gin.Engine
	srv    *httptest.Server
}

func newFixture(t *testing.T, streamCfg config.StreamConfig, chat einoModel.BaseChatModel) *fixture {
	t.Helper()

	store := storage.NewMemoryStorage()
	require.NoError(t, store.Init())
	svc := service.NewStreamService(store, streamCfg)

	var gen *service.Generator
	if chat != nil {
		gen = service.NewGenerator(svc, chat, "fake-model", time.Minute)
	}

	router := NewRouter(&config.Config{Stream: streamCfg}, NewStreamHandler(svc, gen, streamCfg))
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		if gen != nil {
			gen.Close()
		}
		// 先关闭订阅，让仍在推流的 handler 返回
		svc.Close()
		srv.Close()
	})
	return &fixture{svc: svc, router: router, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestStreamHandler_SubtaskLifecycle(t *testing.T) {
	f := newFixture(t, config.StreamConfig{}, nil)

	code, resp := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp["status"])

	code, resp = f.do(t, http.MethodPost, "/api/tasks/1/subtasks", "")
	require.Equal(t, http.StatusCreated, code)
	assert.EqualValues(t, 1, resp["subtask_id"])
	assert.Equal(t, model.SubtaskStatusRunning, resp["status"])

	code, _ = f.do(t, http.MethodPost, "/api/tasks/1/subtasks", `{"subtask_id":1}`)
	assert.Equal(t, http.StatusConflict, code)

	code, resp = f.do(t, http.MethodPost, "/api/tasks/1/subtasks/1/chunks", `{"content":"你好","done":false}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "你好", resp["content"])
	assert.EqualValues(t, 2, resp["content_length"])

	code, resp = f.do(t, http.MethodPost, "/api/tasks/1/subtasks/1/chunks", `{"content":"!","done":true,"result":{"score":3}}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.SubtaskStatusCompleted, resp["status"])

	code, _ = f.do(t, http.MethodPost, "/api/tasks/1/subtasks/1/chunks", `{"content":"late"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, resp = f.do(t, http.MethodGet, "/api/tasks/1/subtasks/1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "你好!", resp["content"])
	assert.EqualValues(t, 3, resp["result"].(map[string]interface{})["score"])

	code, resp = f.do(t, http.MethodPost, "/api/tasks/1/subtasks", `{"prompt":"ignored without generator"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.EqualValues(t, 2, resp["subtask_id"])

	code, _ = f.do(t, http.MethodPost, "/api/tasks/1/subtasks/2/fail", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = f.do(t, http.MethodPost, "/api/tasks/1/subtasks/2/fail", `{"error":"worker crashed"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.SubtaskStatusFailed, resp["status"])
	assert.Equal(t, "worker crashed", resp["error"])

	code, resp = f.do(t, http.MethodGet, "/api/tasks/1/subtasks", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp["subtasks"], 2)

	code, _ = f.do(t, http.MethodDelete, "/api/tasks/1/subtasks/1", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, "/api/tasks/1/subtasks/1", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/api/tasks/abc/subtasks", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStreamHandler_StreamBadRequests(t *testing.T) {
	f := newFixture(t, config.StreamConfig{}, nil)
	f.do(t, http.MethodPost, "/api/tasks/1/subtasks", "")

	code, _ := f.do(t, http.MethodGet, "/api/tasks/1/subtasks/1/stream?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/api/tasks/1/subtasks/1/stream?offset=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/api/tasks/1/subtasks/9/stream", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodGet, "/api/tasks/1/subtasks/x/stream", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

type sessionRecorder struct {
	chunks    chan model.StreamChunk
	completed chan map[string]interface{}
	errs      chan string
}

func newSessionRecorder() *sessionRecorder {
	return &sessionRecorder{
		chunks:    make(chan model.StreamChunk, 16),
		completed: make(chan map[string]interface{}, 1),
		errs:      make(chan string, 1),
	}
}

func (r *sessionRecorder) callbacks() stream.Callbacks {
	return stream.Callbacks{
		OnChunk:    func(chunk model.StreamChunk) { r.chunks <- chunk },
		OnComplete: func(result map[string]interface{}) { r.completed <- result },
		OnError:    func(message string) { r.errs <- message },
	}
}

func waitFor[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestStreamHandler_EndToEndWithController(t *testing.T) {
	f := newFixture(t, config.StreamConfig{SubscriberBuffer: 16}, nil)
	f.do(t, http.MethodPost, "/api/tasks/1/subtasks", `{"subtask_id":5}`)
	f.do(t, http.MethodPost, "/api/tasks/1/subtasks/5/chunks", `{"content":"Hel"}`)

	ctrl := stream.NewController(sseclient.NewClient(f.srv.URL, time.Second))
	defer ctrl.Close()

	rec := newSessionRecorder()
	require.NoError(t, ctrl.Configure(model.NewSubscriptionKey(1, 5, 0), rec.callbacks()))

	assert.Equal(t, "Hel", waitFor(t, rec.chunks).Content)
	assert.True(t, ctrl.State().IsStreaming)

	f.do(t, http.MethodPost, "/api/tasks/1/subtasks/5/chunks", `{"content":"lo","done":true,"result":{"ok":true}}`)

	assert.Equal(t, "lo", waitFor(t, rec.chunks).Content)
	result := waitFor(t, rec.completed)
	assert.Equal(t, true, result["ok"])

	state := ctrl.State()
	assert.Equal(t, "Hello", state.Content)
	assert.True(t, state.IsComplete)
	assert.False(t, state.IsStreaming)
	assert.Empty(t, state.Error)
	assert.Empty(t, rec.errs)
}

func TestStreamHandler_ResumeFromOffset(t *testing.T) {
	f := newFixture(t, config.StreamConfig{SubscriberBuffer: 16}, nil)
	f.do(t, http.MethodPost, "/api/tasks/2/subtasks", `{"subtask_id":1}`)
	f.do(t, http.MethodPost, "/api/tasks/2/subtasks/1/chunks", `{"content":"Hello world"}`)

	ctrl := stream.NewController(sseclient.NewClient(f.srv.URL, time.Second))
	defer ctrl.Close()

	rec := newSessionRecorder()
	require.NoError(t, ctrl.Configure(model.NewSubscriptionKey(2, 1, 6), rec.callbacks()))
	assert.Equal(t, "world", waitFor(t, rec.chunks).Content)

	f.do(t, http.MethodPost, "/api/tasks/2/subtasks/1/chunks", `{"content":"!","done":true}`)
	waitFor(t, rec.completed)

	assert.Equal(t, "world!", ctrl.State().Content)
	assert.Equal(t, 12, ctrl.ResumeKey().Offset)
}

func TestStreamHandler_FailedSubtaskSurfacesError(t *testing.T) {
	f := newFixture(t, config.StreamConfig{SubscriberBuffer: 16}, nil)
	f.do(t, http.MethodPost, "/api/tasks/3/subtasks", `{"subtask_id":1}`)
	f.do(t, http.MethodPost, "/api/tasks/3/subtasks/1/chunks", `{"content":"part"}`)

	ctrl := stream.NewController(sseclient.NewClient(f.srv.URL, time.Second))
	defer ctrl.Close()

	rec := newSessionRecorder()
	require.NoError(t, ctrl.Configure(model.NewSubscriptionKey(3, 1, 0), rec.callbacks()))
	waitFor(t, rec.chunks)

	f.do(t, http.MethodPost, "/api/tasks/3/subtasks/1/fail", `{"error":"worker crashed"}`)

	assert.Equal(t, stream.ConnectionErrorMessage, waitFor(t, rec.errs))
	state := ctrl.State()
	assert.Equal(t, "part", state.Content)
	assert.False(t, state.IsStreaming)
	assert.False(t, state.IsComplete)
	assert.Equal(t, stream.ConnectionErrorMessage, state.Error)
	assert.Equal(t, 4, ctrl.ResumeKey().Offset)
}

func readEvents(t *testing.T, url string, until func(line string) bool) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if until != nil && until(scanner.Text()) {
			break
		}
	}
	return lines
}

func TestStreamHandler_Heartbeat(t *testing.T) {
	f := newFixture(t, config.StreamConfig{HeartbeatInterval: 20 * time.Millisecond}, nil)
	f.do(t, http.MethodPost, "/api/tasks/1/subtasks", "")

	lines := readEvents(t, f.srv.URL+"/api/tasks/1/subtasks/1/stream", func(line string) bool {
		return line == "event:heartbeat"
	})
	assert.Equal(t, "event:status", lines[0])
	assert.Equal(t, "event:heartbeat", lines[len(lines)-1])
}

func TestStreamHandler_MaxDuration(t *testing.T) {
	f := newFixture(t, config.StreamConfig{MaxDuration: 50 * time.Millisecond}, nil)
	f.do(t, http.MethodPost, "/api/tasks/1/subtasks", "")

	lines := readEvents(t, f.srv.URL+"/api/tasks/1/subtasks/1/stream", nil)
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "event:error")
	assert.Contains(t, joined, `"type":"timeout"`)
}

func TestStreamHandler_CompletedStreamEndsWithDoneMarker(t *testing.T) {
	f := newFixture(t, config.StreamConfig{}, nil)
	f.do(t, http.MethodPost, "/api/tasks/1/subtasks", "")
	f.do(t, http.MethodPost, "/api/tasks/1/subtasks/1/chunks", `{"content":"abc","done":true}`)

	lines := readEvents(t, f.srv.URL+"/api/tasks/1/subtasks/1/stream?offset=1", nil)
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, `data:{"content":"bc","done":false,"subtask_id":1}`)
	assert.Contains(t, joined, `data:{"content":"","done":true,"subtask_id":1}`)
	assert.Equal(t, "data:[DONE]", lines[len(lines)-2])
}

type fakeChatModel struct {
	deltas []string
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	return schema.AssistantMessage(strings.Join(f.deltas, ""), nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	return schema.StreamReaderFromArray(func() []*schema.Message {
		msgs := make([]*schema.Message, 0, len(f.deltas))
		for _, d := range f.deltas {
			msgs = append(msgs, schema.AssistantMessage(d, nil))
		}
		return msgs
	}()), nil
}

func TestStreamHandler_CreateWithPromptStartsGeneration(t *testing.T) {
	f := newFixture(t, config.StreamConfig{SubscriberBuffer: 16}, &fakeChatModel{deltas: []string{"gen", "erated"}})

	code, _ := f.do(t, http.MethodPost, "/api/tasks/4/subtasks", `{"prompt":"write something"}`)
	require.Equal(t, http.StatusCreated, code)

	assert.Eventually(t, func() bool {
		sub, err := f.svc.GetSubtask(4, 1)
		return err == nil && sub.Status == model.SubtaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	_, resp := f.do(t, http.MethodGet, "/api/tasks/4/subtasks/1", "")
	assert.Equal(t, "generated", resp["content"])
	assert.Equal(t, "fake-model", resp["result"].(map[string]interface{})["model"])
}
