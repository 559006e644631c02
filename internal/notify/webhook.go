package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/khanhnv2901/securiscan/internal/domain/scan"
	"github.com/khanhnv2901/securiscan/internal/scoring"
)

const defaultTelegramAPI = "https://api.telegram.org"

// WebhookConfig selects the chat channels to post to. Empty fields disable
// the channel.
type WebhookConfig struct {
	SlackWebhookURL string
	TelegramToken   string
	TelegramChatID  string
	TelegramAPIBase string
}

// Enabled reports whether at least one channel is configured.
func (c WebhookConfig) Enabled() bool {
	return c.SlackWebhookURL != "" || (c.TelegramToken != "" && c.TelegramChatID != "")
}

// WebhookNotifier posts notifications to Slack and Telegram.
type WebhookNotifier struct {
	client *http.Client
	cfg    WebhookConfig
}

func NewWebhookNotifier(cfg WebhookConfig, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.TelegramAPIBase == "" {
		cfg.TelegramAPIBase = defaultTelegramAPI
	}
	return &WebhookNotifier{client: client, cfg: cfg}
}

func (n *WebhookNotifier) SendScanComplete(ctx context.Context, user *scan.User, site *scan.Site, score int, scanID string) error {
	subject := ScanCompleteSubject(site.DisplayName(), score)
	lines := []string{
		fmt.Sprintf("Site: %s", site.URL),
		fmt.Sprintf("Score: %d/100 (grade %s)", score, scoring.Grade(score)),
		fmt.Sprintf("Scan: %s", scanID),
	}
	return n.send(ctx, "✅", subject, lines)
}

func (n *WebhookNotifier) SendCriticalAlert(ctx context.Context, user *scan.User, site *scan.Site, score, criticalCount int) error {
	subject := CriticalAlertSubject(site.DisplayName(), criticalCount)
	lines := []string{
		fmt.Sprintf("Site: %s", site.URL),
		fmt.Sprintf("Score: %d/100 (grade %s)", score, scoring.Grade(score)),
		fmt.Sprintf("Critical issues: %d", criticalCount),
	}
	return n.send(ctx, "❌", subject, lines)
}

func (n *WebhookNotifier) send(ctx context.Context, emoji, subject string, lines []string) error {
	var errs []error
	if n.cfg.SlackWebhookURL != "" {
		if err := n.sendSlack(ctx, emoji, subject, lines); err != nil {
			errs = append(errs, err)
		}
	}
	if n.cfg.TelegramToken != "" && n.cfg.TelegramChatID != "" {
		if err := n.sendTelegram(ctx, emoji, subject, lines); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *WebhookNotifier) sendSlack(ctx context.Context, emoji, subject string, lines []string) error {
	text := fmt.Sprintf("%s *%s*\n%s", emoji, subject, strings.Join(lines, "\n"))
	if err := n.postJSON(ctx, n.cfg.SlackWebhookURL, map[string]any{"text": text}); err != nil {
		return fmt.Errorf("send slack message: %w", err)
	}
	return nil
}

func (n *WebhookNotifier) sendTelegram(ctx context.Context, emoji, subject string, lines []string) error {
	text := fmt.Sprintf("<b>%s %s</b>\n\n%s", emoji, subject, strings.Join(lines, "\n"))
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(n.cfg.TelegramAPIBase, "/"), n.cfg.TelegramToken)

	payload := map[string]any{
		"chat_id":    n.cfg.TelegramChatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	if err := n.postJSON(ctx, url, payload); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func (n *WebhookNotifier) postJSON(ctx context.Context, url string, payload map[string]any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
