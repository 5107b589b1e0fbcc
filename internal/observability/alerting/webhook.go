package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"OpenMCP-Orchestrator/pkg/logger"
)

// WebhookNotifier 以 JSON POST 的方式投递告警，带有限流与指数退避重试。
type WebhookNotifier struct {
	url        string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
}

// WebhookOption 定义 WebhookNotifier 的可选配置。
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient 替换默认的 HTTP 客户端。
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(n *WebhookNotifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithRateLimit 限制每秒投递次数，burst 为允许的突发量。
func WithRateLimit(perSecond float64, burst int) WebhookOption {
	return func(n *WebhookNotifier) {
		if perSecond > 0 && burst > 0 {
			n.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithMaxRetries 设置失败后的最大重试次数。
func WithMaxRetries(retries uint64) WebhookOption {
	return func(n *WebhookNotifier) {
		n.maxRetries = retries
	}
}

// NewWebhookNotifier 创建 WebhookNotifier，url 为空时返回 nil。
func NewWebhookNotifier(url string, timeout time.Duration, opts ...WebhookOption) *WebhookNotifier {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	n := &WebhookNotifier{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
		maxRetries: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 投递告警。限流器拒绝的事件会被丢弃并记录日志。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil {
		return nil
	}
	if !n.limiter.Allow() {
		logger.L().Warn("告警投递被限流", slog.String("task_id", event.TaskID), slog.String("code", string(event.Code)))
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码告警失败: %w", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), n.maxRetries),
		ctx,
	)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook 返回 %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("webhook 拒绝告警: %d", resp.StatusCode))
		}
		return nil
	}, policy)
}
