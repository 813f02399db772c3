package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nets-observer/internal/observability/metrics"
	"nets-observer/pkg/logger"
)

// Async 在单个后台协程中转发事件。缓冲区满时直接丢弃，广播路径永不阻塞。
type Async struct {
	next    Publisher
	queue   chan Message
	timeout time.Duration
	logger  *slog.Logger

	// ctx 在 Close 时取消，正在进行的下游投递随之结束。
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewAsync 包装一个转发器。
func NewAsync(next Publisher, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Async{
		next:    next,
		queue:   make(chan Message, buffer),
		timeout: 5 * time.Second,
		logger:  logger.Named("relay"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go a.loop()
	return a
}

// Publish 入队，不等待投递结果。
func (a *Async) Publish(_ context.Context, msg Message) error {
	select {
	case <-a.done:
		return nil
	default:
	}
	select {
	case a.queue <- msg:
	default:
		metrics.ObserveRelayPublish(DriverName(a.next), "dropped")
		a.logger.Warn("relay buffer full, event dropped", slog.String("type", msg.Type), slog.String("id", msg.ID))
	}
	return nil
}

func (a *Async) loop() {
	defer close(a.stopped)
	driver := DriverName(a.next)
	for {
		select {
		case <-a.done:
			return
		case msg := <-a.queue:
			ctx, cancel := context.WithTimeout(a.ctx, a.timeout)
			err := a.next.Publish(ctx, msg)
			cancel()
			if err != nil {
				metrics.ObserveRelayPublish(driver, "error")
				a.logger.Warn("relay publish failed", slog.String("type", msg.Type), slog.Any("error", err))
				continue
			}
			metrics.ObserveRelayPublish(driver, "ok")
		}
	}
}

// Close 停止后台协程，等待其退出后再关闭下游转发器，未投递的事件被丢弃。
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		close(a.done)
	})
	<-a.stopped
	return a.next.Close()
}
