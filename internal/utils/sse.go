package utils

import (
	"net/http"
	"strconv"

	"github.com/gin-contrib/sse"
)

// SSE 事件名
const (
	EventMessage   = "message"
	EventHeartbeat = "heartbeat"
	EventStatus    = "status"
)

type SSEWriter struct {
	w  http.ResponseWriter
	id int64
}

func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w}
}

// Write 写出一个事件并立即 flush，data 原样作为事件数据
func (s *SSEWriter) Write(event, data string) error {
	if err := sse.Encode(s.w, sse.Event{Event: event, Data: data}); err != nil {
		return err
	}
	s.flush()
	return nil
}

// WriteMessage 写出带递增 id 的 message 事件
func (s *SSEWriter) WriteMessage(data string) error {
	s.id++
	if err := sse.Encode(s.w, sse.Event{
		Event: EventMessage,
		Id:    strconv.FormatInt(s.id, 10),
		Data:  data,
	}); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *SSEWriter) flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *SSEWriter) Close() error {
	return s.Write("", "[DONE]")
}
