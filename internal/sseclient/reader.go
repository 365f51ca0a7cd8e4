package sseclient

import (
	"io"

	"github.com/launchdarkly/eventsource"
)

// Event 一个完整的 server-sent event
type Event struct {
	ID    string
	Event string
	Data  []byte
}

// Reader 在 eventsource.Decoder 之上补齐 text/event-stream 的默认规则：
// 未命名事件视为 message，data 为空的事件不派发，id 在事件之间保持。
type Reader struct {
	dec    *eventsource.Decoder
	lastID string
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: eventsource.NewDecoder(r)}
}

// Next 返回下一个事件。在事件之间正常结束时返回 io.EOF。
func (r *Reader) Next() (Event, error) {
	for {
		ev, err := r.dec.Decode()
		if err != nil {
			return Event{}, err
		}
		if id := ev.Id(); id != "" {
			r.lastID = id
		}
		if ev.Data() == "" {
			continue
		}

		name := ev.Event()
		if name == "" {
			name = "message"
		}
		return Event{ID: r.lastID, Event: name, Data: []byte(ev.Data())}, nil
	}
}

// LastEventID 最近一次收到的事件 id
func (r *Reader) LastEventID() string {
	return r.lastID
}

// discard 在底层连接关闭后读完解码器里剩余的行，让解码器的读取 goroutine 退出
func (r *Reader) discard() {
	for {
		if _, err := r.dec.Decode(); err != nil {
			return
		}
	}
}
