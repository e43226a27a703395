// Package alerting delivers fired alerts to their output channels.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"pricetrack/internal/storage"
)

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, alert storage.AlertRecord) error
}

// ConsoleNotifier emits alerts as structured log lines.
type ConsoleNotifier struct {
	logger zerolog.Logger
}

func NewConsoleNotifier(logger zerolog.Logger) *ConsoleNotifier {
	return &ConsoleNotifier{
		logger: logger.With().Str("component", "alert_console").Logger(),
	}
}

func (n *ConsoleNotifier) Notify(_ context.Context, alert storage.AlertRecord) error {
	n.logger.Warn().
		Str("alert_id", alert.ID).
		Str("product_id", alert.ProductID).
		Str("rule_id", alert.RuleID).
		Str("rule", alert.RuleName).
		Str("price", alert.PriceAtTrigger.String()).
		Time("triggered_at", alert.TriggeredAt).
		Msg(alert.Message)
	return nil
}

// WebhookNotifier 通过 HTTP POST 推送 JSON 告警。
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
	}
}

// webhookPayload is the wire shape posted to the webhook endpoint.
type webhookPayload struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	RuleID         string `json:"rule_id"`
	RuleName       string `json:"rule_name"`
	TriggeredAt    string `json:"triggered_at"`
	ChangeID       string `json:"change_id,omitempty"`
	Message        string `json:"message"`
	PriceAtTrigger string `json:"price_at_trigger"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert storage.AlertRecord) error {
	payload := webhookPayload{
		ID:             alert.ID,
		ProductID:      alert.ProductID,
		RuleID:         alert.RuleID,
		RuleName:       alert.RuleName,
		TriggeredAt:    alert.TriggeredAt.UTC().Format(time.RFC3339),
		ChangeID:       alert.ChangeID,
		Message:        alert.Message,
		PriceAtTrigger: alert.PriceAtTrigger.String(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 响应码异常: %d", resp.StatusCode)
	}

	n.logger.Info().
		Str("alert_id", alert.ID).
		Str("product_id", alert.ProductID).
		Str("rule_id", alert.RuleID).
		Msg("告警已发送 (webhook)")
	return nil
}

// Multi fans one alert out to every channel. Delivery failures are joined
// so one dead channel never suppresses the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert storage.AlertRecord) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*ConsoleNotifier)(nil)
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = (Multi)(nil)
)
