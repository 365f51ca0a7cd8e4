package stream

import "subtask-stream/internal/model"

// Events 接收一条连接上的入站事件。Source 必须在连接自己的 goroutine 中
// 按服务端发出的顺序依次回调，不能并发回调同一个 Events。
type Events interface {
	OnMessage(payload []byte)
	OnError(err error)
}

// Handle 一条已请求的推流连接
type Handle interface {
	Close() error
}

// Source 根据订阅键打开推流连接。Open 不应阻塞在网络 I/O 上，
// 连接建立失败既可以直接返回 error，也可以之后通过 Events.OnError 报告。
type Source interface {
	Open(key model.SubscriptionKey, events Events) (Handle, error)
}

// SourceFunc 让普通函数实现 Source
type SourceFunc func(key model.SubscriptionKey, events Events) (Handle, error)

func (f SourceFunc) Open(key model.SubscriptionKey, events Events) (Handle, error) {
	return f(key, events)
}
