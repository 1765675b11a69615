package telegram

import (
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"lembra/app/pkg/types"
)

const (
	defaultAPIRoot = "https://api.telegram.org"
	secretHeader   = "X-Telegram-Bot-Api-Secret-Token"
)

type Config struct {
	BotToken string
	// WebhookSecret is compared with the secret header. Empty disables the check.
	WebhookSecret string
	APIRoot       string
	HTTPClient    *http.Client
}

type Channel struct {
	cfg    Config
	id     string
	client *http.Client
}

func NewChannel(cfg Config) *Channel {
	if strings.TrimSpace(cfg.APIRoot) == "" {
		cfg.APIRoot = defaultAPIRoot
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Channel{cfg: cfg, id: "telegram", client: client}
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) Verify(r *http.Request, _ []byte) bool {
	if c.cfg.WebhookSecret == "" {
		return true
	}
	got := r.Header.Get(secretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(c.cfg.WebhookSecret)) == 1
}

// ParseIncoming reads message updates with text. Edits, callbacks and media
// without text are ignored.
func (c *Channel) ParseIncoming(body []byte) (types.Incoming, bool) {
	if !gjson.ValidBytes(body) {
		return types.Incoming{}, false
	}
	msg := gjson.GetBytes(body, "message")
	text := msg.Get("text").String()
	chatID := msg.Get("chat.id")
	if strings.TrimSpace(text) == "" || !chatID.Exists() {
		return types.Incoming{}, false
	}

	name := msg.Get("from.username").String()
	if name == "" {
		name = strings.TrimSpace(msg.Get("from.first_name").String() + " " + msg.Get("from.last_name").String())
	}

	in := types.Incoming{
		ExternalID: chatID.String(),
		MessageID:  msg.Get("message_id").String(),
		SenderName: name,
		Text:       text,
		Phone:      msg.Get("contact.phone_number").String(),
	}
	if date := msg.Get("date").Int(); date > 0 {
		in.Timestamp = time.Unix(date, 0)
	}
	return in, true
}

func (c *Channel) Send(ctx context.Context, chatID string, text string) error {
	if strings.TrimSpace(chatID) == "" {
		return fmt.Errorf("telegram chat id is required")
	}
	payload, err := sjson.SetBytes([]byte(`{}`), "chat_id", chatID)
	if err != nil {
		return err
	}
	if payload, err = sjson.SetBytes(payload, "text", text); err != nil {
		return err
	}
	return c.call(ctx, "sendMessage", payload)
}

// SetWebhook points the bot at url and registers the secret header value.
func (c *Channel) SetWebhook(ctx context.Context, url string) error {
	payload, err := sjson.SetBytes([]byte(`{"allowed_updates":["message"]}`), "url", url)
	if err != nil {
		return err
	}
	if c.cfg.WebhookSecret != "" {
		if payload, err = sjson.SetBytes(payload, "secret_token", c.cfg.WebhookSecret); err != nil {
			return err
		}
	}
	return c.call(ctx, "setWebhook", payload)
}

func (c *Channel) call(ctx context.Context, method string, body []byte) error {
	if strings.TrimSpace(c.cfg.BotToken) == "" {
		return fmt.Errorf("telegram bot token is required")
	}
	url := strings.TrimRight(c.cfg.APIRoot, "/") + "/bot" + c.cfg.BotToken + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if !gjson.GetBytes(respBody, "ok").Bool() {
		return fmt.Errorf("telegram api error: %s", gjson.GetBytes(respBody, "description").String())
	}
	return nil
}
