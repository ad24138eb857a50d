package trigger

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed 表示队列已关闭。
var ErrQueueClosed = errors.New("queue closed")

// MemoryQueue 使用 channel 实现进程内队列。
type MemoryQueue struct {
	ch        chan Trigger
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 16
	}
	return &MemoryQueue{ch: make(chan Trigger, size), done: make(chan struct{})}
}

// Publish 将触发消息投递到队列。队列满时阻塞，直到有空位、上下文取消或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, t Trigger) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- t:
		return nil
	}
}

// Consume 逐条处理消息，直到上下文取消或队列关闭。关闭前已入队的消息会先处理完。
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-q.ch:
			_ = handler(ctx, t)
		case <-q.done:
			return q.drain(ctx, handler)
		}
	}
}

func (q *MemoryQueue) drain(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case t := <-q.ch:
			_ = handler(ctx, t)
		default:
			return ErrQueueClosed
		}
	}
}

// Close 关闭内存队列，并唤醒所有阻塞中的 Publish。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
