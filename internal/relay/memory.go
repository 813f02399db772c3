package relay

import (
	"context"
	"errors"
	"sync"
)

// Memory 使用 channel 保存事件，主要用于测试。
type Memory struct {
	ch     chan Message
	mu     sync.Mutex
	closed bool
}

// NewMemory 创建一个内存转发器。
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 64
	}
	return &Memory{ch: make(chan Message, size)}
}

// Publish 将事件放入 channel。
func (m *Memory) Publish(ctx context.Context, msg Message) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return errors.New("转发器已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.ch <- msg:
		return nil
	}
}

// Messages 返回只读 channel。
func (m *Memory) Messages() <-chan Message { return m.ch }

// Close 标记关闭。channel 不关闭，避免与并发 Publish 竞争。
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
