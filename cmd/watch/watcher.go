package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"subtask-stream/internal/config"
	"subtask-stream/internal/model"
	"subtask-stream/internal/sseclient"
	"subtask-stream/internal/stream"
	"subtask-stream/pkg/logger"

	"github.com/cenkalti/backoff/v4"
)

type outcome struct {
	result map[string]interface{}
	errMsg string
}

// watcher 把子任务输出打印到 out，连接出错时按已接收的字符数续传
type watcher struct {
	ctrl        *stream.Controller
	client      *sseclient.Client
	out         io.Writer
	maxAttempts int
	delay       time.Duration

	outcomes chan outcome
}

func newWatcher(ctrl *stream.Controller, client *sseclient.Client, out io.Writer, cfg config.ClientConfig) *watcher {
	return &watcher{
		ctrl:        ctrl,
		client:      client,
		out:         out,
		maxAttempts: max(cfg.MaxResumeAttempts, 0),
		delay:       cfg.ResumeDelay,
		outcomes:    make(chan outcome, 1),
	}
}

func (w *watcher) callbacks() stream.Callbacks {
	return stream.Callbacks{
		OnChunk: func(chunk model.StreamChunk) {
			fmt.Fprint(w.out, chunk.Content)
		},
		OnComplete: func(result map[string]interface{}) {
			w.outcomes <- outcome{result: result}
		},
		OnError: func(message string) {
			w.outcomes <- outcome{errMsg: message}
		},
	}
}

// streamError 传输层错误，可以续传
type streamError struct {
	msg string
}

func (e *streamError) Error() string {
	return e.msg
}

func (w *watcher) run(ctx context.Context, key model.SubscriptionKey) error {
	attempts := 0
	operation := func() error {
		next := key
		if attempts > 0 {
			next = w.ctrl.ResumeKey()
		}
		attempts++
		if err := w.ctrl.Configure(next, w.callbacks()); err != nil {
			return backoff.Permanent(err)
		}
		return w.await(ctx, key)
	}

	policy := backoff.NewExponentialBackOff()
	if w.delay > 0 {
		policy.InitialInterval = w.delay
	}
	// 次数由 maxAttempts 控制
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(w.maxAttempts)), ctx),
		func(err error, wait time.Duration) {
			logger.Warnf("%v, resuming at offset %d in %s (attempt %d/%d)",
				err, w.ctrl.ResumeKey().Offset, wait, attempts, w.maxAttempts)
		})

	var se *streamError
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		w.ctrl.Disconnect()
		return ctx.Err()
	case errors.As(err, &se):
		return fmt.Errorf("%s after %d resume attempts", se.msg, attempts-1)
	}
	return err
}

// await 等待当前连接结束。子任务本身失败或已删除时返回不可重试的错误。
func (w *watcher) await(ctx context.Context, key model.SubscriptionKey) error {
	select {
	case <-ctx.Done():
		return backoff.Permanent(ctx.Err())

	case o := <-w.outcomes:
		if o.errMsg == "" {
			fmt.Fprintln(w.out)
			if len(o.result) > 0 {
				data, _ := json.Marshal(o.result)
				fmt.Fprintf(w.out, "result: %s\n", data)
			}
			return nil
		}

		snapshot, err := w.client.GetSubtask(ctx, key.TaskID, *key.SubtaskID)
		switch {
		case errors.Is(err, sseclient.ErrUnexpectedStatus):
			return backoff.Permanent(err)
		case err == nil && snapshot.Status == model.SubtaskStatusFailed:
			return backoff.Permanent(fmt.Errorf("subtask failed: %s", snapshot.Error))
		}
		return &streamError{msg: o.errMsg}
	}
}
