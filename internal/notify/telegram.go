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

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// DefaultTelegramURL is the Bot API base.
const DefaultTelegramURL = "https://api.telegram.org"

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Token   string
	ChatID  string
	BaseURL string
	// MinSeverity filters out quieter events. Empty accepts everything.
	MinSeverity models.Severity
	Timeout     time.Duration
}

// Telegram posts alerts to a chat through the Bot API.
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client
}

// NewTelegram creates a Telegram channel.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("notify: telegram token and chat id are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTelegramURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Telegram{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Accepts(sev models.Severity) bool {
	return t.cfg.MinSeverity == "" || atLeast(sev, t.cfg.MinSeverity)
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts ev to the configured chat.
func (t *Telegram) Send(ctx context.Context, ev models.AlertEvent) error {
	body, err := json.Marshal(telegramMessage{
		ChatID:                t.cfg.ChatID,
		Text:                  FormatText(ev),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("notify: telegram: encode: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.BaseURL, t.cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: telegram: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: telegram: send: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out telegramResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK || !out.OK {
		desc := out.Description
		if desc == "" {
			desc = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("notify: telegram: status %d: %s", resp.StatusCode, desc)
	}
	return nil
}
