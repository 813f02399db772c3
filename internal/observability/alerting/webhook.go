package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"nets-observer/pkg/logger"
)

// WebhookNotifier 以 JSON POST 的方式推送告警，并限制推送频率。
type WebhookNotifier struct {
	URL     string
	Client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookNotifier 创建 webhook 通知器，每秒最多 every 条，突发 burst 条。
func NewWebhookNotifier(url string, every rate.Limit, burst int) *WebhookNotifier {
	if every <= 0 {
		every = 1
	}
	if burst <= 0 {
		burst = 5
	}
	return &WebhookNotifier{
		URL:     url,
		Client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(every, burst),
	}
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送告警。超出频率限制的告警会被丢弃并记录。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("agent", event.Agent))
		return nil
	}
	if n.limiter != nil && !n.limiter.Allow() {
		logger.L().Warn("告警推送过于频繁，已丢弃",
			slog.String("agent", event.Agent), slog.String("code", string(event.Code)))
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}
