package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "DeFlow/internal/errors"
	"DeFlow/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
	ChannelSlack   Channel = "slack"
)

// Event 描述一次需要告警的执行失败事件。
type Event struct {
	Code        xerrors.Code      `json:"code"`
	Message     string            `json:"message"`
	Severity    xerrors.Severity  `json:"severity"`
	ExecutionID string            `json:"executionId"`
	WorkflowID  string            `json:"workflowId,omitempty"`
	UserID      string            `json:"userId,omitempty"`
	Stage       string            `json:"stage,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurredAt"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将告警写入审计日志，作为未配置外部渠道时的兜底。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入一条告警日志。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	log := logger.Audit()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	log.Warn("执行告警",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("execution_id", event.ExecutionID),
		slog.String("workflow_id", event.WorkflowID),
		slog.String("stage", event.Stage),
		slog.String("message", event.Message),
	)
	return nil
}

// WebhookNotifier 以 JSON POST 的形式将事件推送到 HTTP 端点。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier 创建 WebhookNotifier。
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: timeout}}
}

// Channel 返回 Webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送事件。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("execution_id", event.ExecutionID))
		return nil
	}
	return postJSON(ctx, n.client(), n.URL, event)
}

func (n *WebhookNotifier) client() *http.Client {
	if n.Client != nil {
		return n.Client
	}
	return http.DefaultClient
}

// SlackNotifier 通过 Slack Incoming Webhook 发送告警。
type SlackNotifier struct {
	WebhookURL string
	Client     *http.Client
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.WebhookURL) == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("execution_id", event.ExecutionID))
		return nil
	}
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	return postJSON(ctx, client, n.WebhookURL, map[string]string{"text": FormatText(event)})
}

// FormatText 将事件渲染为单条文本消息。
func FormatText(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*[%s]* %s - %s\n执行: %s", event.Severity, event.Code, event.Message, event.ExecutionID)
	if event.WorkflowID != "" {
		fmt.Fprintf(&b, "\n工作流: %s", event.WorkflowID)
	}
	if event.Stage != "" {
		fmt.Fprintf(&b, "\n阶段: %s", event.Stage)
	}
	if len(event.Metadata) > 0 {
		keys := make([]string, 0, len(event.Metadata))
		for k := range event.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, event.Metadata[k])
		}
	}
	return b.String()
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "发送告警失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return xerrors.Newf(xerrors.CodeUpstreamFailure, "告警端点返回状态码 %d", resp.StatusCode)
	}
	return nil
}
