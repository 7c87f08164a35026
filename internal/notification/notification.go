package notification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"hedge-grid-bot/config"
)

const telegramAPIURL = "https://api.telegram.org"

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyBalance NotificationType = "balance"
	NotifyAlert   NotificationType = "alert"
	NotifyError   NotificationType = "error"
	NotifyInfo    NotificationType = "info"
)

// Field is one labeled value rendered by providers that support them
type Field struct {
	Name  string
	Value string
}

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Fields    []Field
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
	now       func() time.Time
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
		now:       time.Now,
	}
}

// NewManagerFromConfig wires the providers enabled in cfg
func NewManagerFromConfig(cfg config.NotificationConfig) *Manager {
	m := NewManager()
	m.enabled = cfg.Enabled
	m.AddNotifier(NewTelegramNotifier(TelegramConfig{
		BotToken: cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
		Enabled:  cfg.Telegram.Enabled,
	}))
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{
		WebhookURL: cfg.Discord.WebhookURL,
		Enabled:    cfg.Discord.Enabled,
	}))
	return m
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// HasProviders reports whether any enabled provider would receive a Send
func (m *Manager) HasProviders() bool {
	if !m.enabled {
		return false
	}
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			return true
		}
	}
	return false
}

// Send sends a notification to all enabled providers. Every provider is
// attempted; the errors of those that failed are joined.
func (m *Manager) Send(ctx context.Context, notification *Notification) error {
	if !m.enabled {
		return nil
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = m.now()
	}

	var errs []error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(ctx, notification); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// SendError sends an error notification
func (m *Manager) SendError(ctx context.Context, title, message string) error {
	return m.Send(ctx, &Notification{
		Type:    NotifyError,
		Title:   fmt.Sprintf("⚠️ %s", title),
		Message: message,
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	baseURL  string
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
	BaseURL  string // defaults to the public Bot API
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = telegramAPIURL
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, notification *Notification) error {
	if !t.enabled {
		return nil
	}

	var body bytes.Buffer
	fmt.Fprintf(&body, "*%s*\n\n%s", notification.Title, notification.Message)
	for _, f := range notification.Fields {
		fmt.Fprintf(&body, "\n%s: `%s`", f.Name, f.Value)
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       body.String(),
		"parse_mode": "Markdown",
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	if err := postJSON(ctx, t.client, url, payload); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	switch notification.Type {
	case NotifyError, NotifyAlert:
		color = 0xFF0000 // Red
	case NotifyBalance:
		color = 0x3498DB // Blue
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	var fields []map[string]interface{}
	if notification.Symbol != "" {
		fields = append(fields, map[string]interface{}{"name": "Symbol", "value": notification.Symbol, "inline": true})
	}
	for _, f := range notification.Fields {
		fields = append(fields, map[string]interface{}{"name": f.Name, "value": f.Value, "inline": true})
	}
	if len(fields) > 0 {
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	if err := postJSON(ctx, d.client, d.webhookURL, payload); err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}
	return nil
}
