// Package notify delivers approval notifications to external channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/policyshield/policyshield/internal/domain/approval"
)

// DefaultBaseURL is the Telegram Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// DefaultTimeout bounds each delivery attempt.
const DefaultTimeout = 10 * time.Second

// HTTPClient is the outbound HTTP surface, narrowed for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TelegramConfig configures the Telegram notifier.
type TelegramConfig struct {
	// Token is the bot token issued by BotFather.
	Token string
	// ChatID is the chat that receives approval notifications.
	ChatID string
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
	// Timeout bounds each delivery attempt (default 10s).
	Timeout time.Duration
}

// TelegramNotifier posts pending approvals to a Telegram chat so a human can
// respond out of band. The approval manager invokes it asynchronously;
// delivery failures are logged by the caller and never fail a decision.
type TelegramNotifier struct {
	token   string
	chatID  string
	baseURL string
	client  HTTPClient
}

// NewTelegramNotifier creates a notifier for the given bot token and chat.
func NewTelegramNotifier(cfg TelegramConfig) *TelegramNotifier {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &TelegramNotifier{
		token:   cfg.Token,
		chatID:  cfg.ChatID,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// sendMessageRequest is the Telegram sendMessage payload.
type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Notify posts a sendMessage call describing the pending approval.
func (n *TelegramNotifier) Notify(ctx context.Context, p *approval.PendingApproval) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: n.chatID, Text: formatApproval(p)})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	return nil
}

// formatApproval renders the human-facing message text.
func formatApproval(p *approval.PendingApproval) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approval required: %s\n", p.ToolName)
	fmt.Fprintf(&b, "Rule: %s\n", p.RuleID)
	fmt.Fprintf(&b, "Session: %s\n", p.SessionID)
	fmt.Fprintf(&b, "ID: %s\n", p.ID)
	if len(p.Args) > 0 {
		if args, err := json.Marshal(p.Args); err == nil {
			fmt.Fprintf(&b, "Args: %s\n", truncate(string(args), 500))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncate caps s at n bytes with an ellipsis marker.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Compile-time interface verification.
var _ approval.Notifier = (*TelegramNotifier)(nil)
