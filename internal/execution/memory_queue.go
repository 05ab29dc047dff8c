package execution

import (
	"context"
	"sync"

	xerrors "DeFlow/internal/errors"
)

// MemoryQueue 使用 channel 实现进程内队列，适用于测试与单机部署。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 将执行 ID 投递到队列。队列已满时阻塞，直到有空位、ctx 取消或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, executionID string) error {
	select {
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	case q.ch <- executionID:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列，直到 ctx 取消或队列关闭。
// 正在处理的执行 ID 处理完毕后才返回。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case id := <-q.ch:
					_ = handler(ctx, id)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。未消费的执行 ID 会被丢弃。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
