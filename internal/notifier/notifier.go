// Package notifier 监听工件目录的变化，记录状态历史并向订阅者广播事件。
package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"nets-observer/internal/artifact"
	"nets-observer/internal/history"
	"nets-observer/internal/observability/metrics"
	"nets-observer/internal/relay"
	"nets-observer/pkg/logger"
)

// EventType 是推送给订阅者的事件名。
type EventType string

const (
	EventHello  EventType = "hello"
	EventPing   EventType = "ping"
	EventState  EventType = EventType(artifact.KindState)
	EventTrace  EventType = EventType(artifact.KindTrace)
	EventFraud  EventType = EventType(artifact.KindFraud)
	EventChange EventType = EventType(artifact.KindOther)
)

const (
	stateReadAttempts = 3
	stateReadDelay    = 50 * time.Millisecond
)

// Event 描述一次文件变更。
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	Path string    `json:"path"`
	TS   int64     `json:"ts"`
}

// Notifier 将文件变更转化为事件。
type Notifier struct {
	store    *artifact.Store
	history  history.Store
	registry *Registry
	relay    relay.Publisher
	logger   *slog.Logger
	now      func() time.Time
	debounce time.Duration

	// onReady 在 Run 建立初始监听后调用。
	onReady func()
}

// Option 用于定制 Notifier。
type Option func(*Notifier)

// WithRelay 将事件同时转发到进程外。
func WithRelay(p relay.Publisher) Option {
	return func(n *Notifier) { n.relay = p }
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithClock 替换时间来源，测试使用。
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) {
		if now != nil {
			n.now = now
		}
	}
}

// WithDebounce 设置同一路径事件的合并窗口。
func WithDebounce(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.debounce = d
		}
	}
}

// New 创建 Notifier。hist 为 nil 时不记录历史。
func New(store *artifact.Store, hist history.Store, registry *Registry, opts ...Option) *Notifier {
	if registry == nil {
		registry = NewRegistry(0)
	}
	n := &Notifier{
		store:    store,
		history:  hist,
		registry: registry,
		logger:   logger.Named("notifier"),
		now:      time.Now,
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Registry 返回订阅者注册表。
func (n *Notifier) Registry() *Registry { return n.registry }

// Classify 判断路径对应的事件类型。
func (n *Notifier) Classify(path string) EventType {
	return EventType(n.store.Classify(path))
}

// Handle 处理一次文件变更并返回广播出去的事件。
// 状态文件变更时先写历史再广播；读取失败仍然广播，但不写历史。
func (n *Notifier) Handle(ctx context.Context, path string) Event {
	ev := Event{
		ID:   uuid.NewString(),
		Type: n.Classify(path),
		Path: path,
	}
	if ev.Type == EventState {
		n.recordState(ctx)
	}
	ev.TS = n.now().UnixMilli()

	delivered, dropped := n.registry.Broadcast(ev)
	metrics.ObserveBroadcast(string(ev.Type), dropped)
	if dropped > 0 {
		n.logger.Warn("slow observers dropped event",
			slog.String("type", string(ev.Type)),
			slog.Int("delivered", delivered),
			slog.Int("dropped", dropped),
		)
	}
	n.forward(ctx, ev)
	return ev
}

func (n *Notifier) recordState(ctx context.Context) {
	state, _, err := artifact.ReadStateRetry(ctx, n.store, stateReadAttempts, stateReadDelay)
	if err != nil {
		n.logger.Warn("state changed but unreadable, history skipped", slog.Any("error", err))
		return
	}
	if n.history == nil {
		return
	}
	err = n.history.Append(ctx, history.Entry{TS: n.now().UnixMilli(), State: *state})
	metrics.ObserveHistoryAppend(err)
	if err != nil {
		n.logger.Error("append history failed", slog.Any("error", err))
	}
}

func (n *Notifier) forward(ctx context.Context, ev Event) {
	if n.relay == nil {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := n.relay.Publish(ctx, relay.Message{ID: ev.ID, Type: string(ev.Type), Body: body}); err != nil {
		n.logger.Warn("relay event failed", slog.String("type", string(ev.Type)), slog.Any("error", err))
	}
}

// History 返回最近 limit 条状态快照，按时间正序。
func (n *Notifier) History(ctx context.Context, limit int) ([]history.Entry, error) {
	if n.history == nil {
		return []history.Entry{}, nil
	}
	return n.history.Recent(ctx, history.NormalizeLimit(limit))
}
