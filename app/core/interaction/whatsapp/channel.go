package whatsapp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
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
	defaultAPIRoot  = "https://graph.facebook.com/v24.0"
	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
)

type Config struct {
	Token         string
	PhoneNumberID string
	// AppSecret signs webhook bodies. Empty disables the signature check.
	AppSecret   string
	VerifyToken string
	APIRoot     string
	HTTPClient  *http.Client
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
	return &Channel{cfg: cfg, id: "whatsapp", client: client}
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) Verify(r *http.Request, body []byte) bool {
	if c.cfg.AppSecret == "" {
		return true
	}
	got := r.Header.Get(signatureHeader)
	if !strings.HasPrefix(got, signaturePrefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(got, signaturePrefix))
	if err != nil {
		return false
	}
	return hmac.Equal(want, Sign([]byte(c.cfg.AppSecret), body))
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret []byte, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// Handshake answers the GET subscription check.
func (c *Channel) Handshake(query map[string][]string) (string, bool) {
	first := func(key string) string {
		if v := query[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	if first("hub.mode") != "subscribe" || c.cfg.VerifyToken == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(first("hub.verify_token")), []byte(c.cfg.VerifyToken)) != 1 {
		return "", false
	}
	return first("hub.challenge"), true
}

// ParseIncoming reads the first text message of the first change. Status
// callbacks and media messages are ignored.
func (c *Channel) ParseIncoming(body []byte) (types.Incoming, bool) {
	if !gjson.ValidBytes(body) {
		return types.Incoming{}, false
	}
	value := gjson.GetBytes(body, "entry.0.changes.0.value")
	msg := value.Get("messages.0")
	text := msg.Get("text.body").String()
	from := msg.Get("from").String()
	if strings.TrimSpace(text) == "" || from == "" {
		return types.Incoming{}, false
	}
	in := types.Incoming{
		ExternalID: from,
		MessageID:  msg.Get("id").String(),
		SenderName: value.Get("contacts.0.profile.name").String(),
		Text:       text,
		Phone:      from,
	}
	// timestamp is a string of unix seconds.
	if ts := msg.Get("timestamp").Int(); ts > 0 {
		in.Timestamp = time.Unix(ts, 0)
	}
	return in, true
}

func (c *Channel) Send(ctx context.Context, to string, text string) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("whatsapp recipient is required")
	}
	payload := []byte(`{"messaging_product":"whatsapp","type":"text"}`)
	payload, err := sjson.SetBytes(payload, "to", to)
	if err != nil {
		return err
	}
	if payload, err = sjson.SetBytes(payload, "text.body", text); err != nil {
		return err
	}
	return c.post(ctx, payload)
}

func (c *Channel) MarkRead(ctx context.Context, messageID string) error {
	if messageID == "" {
		return nil
	}
	payload, err := sjson.SetBytes([]byte(`{"messaging_product":"whatsapp","status":"read"}`), "message_id", messageID)
	if err != nil {
		return err
	}
	return c.post(ctx, payload)
}

func (c *Channel) post(ctx context.Context, body []byte) error {
	if c.cfg.Token == "" || c.cfg.PhoneNumberID == "" {
		return fmt.Errorf("whatsapp token and phone number id are required")
	}
	url := strings.TrimRight(c.cfg.APIRoot, "/") + "/" + c.cfg.PhoneNumberID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(respBody, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return fmt.Errorf("whatsapp api status=%d: %s", resp.StatusCode, msg)
	}
	return nil
}
