package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseIncomingTextMessage(t *testing.T) {
	ch := NewChannel(Config{BotToken: "token"})
	body := []byte(`{
		"update_id": 101,
		"message": {
			"message_id": 77,
			"date": 1735689600,
			"text": "salva matrix",
			"from": {"id": 11, "first_name": "Ana", "last_name": "Souza"},
			"chat": {"id": 22}
		}
	}`)

	in, ok := ch.ParseIncoming(body)
	if !ok {
		t.Fatal("expected text message")
	}
	if in.ExternalID != "22" || in.MessageID != "77" {
		t.Fatalf("unexpected ids: %+v", in)
	}
	if in.SenderName != "Ana Souza" {
		t.Fatalf("unexpected sender: %q", in.SenderName)
	}
	if in.Text != "salva matrix" {
		t.Fatalf("unexpected text: %q", in.Text)
	}
	if in.Timestamp.Unix() != 1735689600 {
		t.Fatalf("unexpected timestamp: %v", in.Timestamp)
	}
}

func TestParseIncomingPrefersUsername(t *testing.T) {
	ch := NewChannel(Config{})
	in, ok := ch.ParseIncoming([]byte(`{"message":{"message_id":1,"text":"oi","from":{"username":"ana","first_name":"Ana"},"chat":{"id":-5}}}`))
	if !ok {
		t.Fatal("expected text message")
	}
	if in.SenderName != "ana" || in.ExternalID != "-5" {
		t.Fatalf("unexpected incoming: %+v", in)
	}
}

func TestParseIncomingIgnoresNonText(t *testing.T) {
	ch := NewChannel(Config{})
	for _, body := range []string{
		`{"edited_message":{"message_id":1,"text":"oi","chat":{"id":1}}}`,
		`{"message":{"message_id":1,"photo":[{"file_id":"x"}],"chat":{"id":1}}}`,
		`{"message":{"message_id":1,"text":"   ","chat":{"id":1}}}`,
		`not json`,
	} {
		if _, ok := ch.ParseIncoming([]byte(body)); ok {
			t.Fatalf("expected %s to be ignored", body)
		}
	}
}

func TestVerifySecretHeader(t *testing.T) {
	open := NewChannel(Config{})
	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", nil)
	if !open.Verify(req, nil) {
		t.Fatal("expected open webhook without a secret")
	}

	locked := NewChannel(Config{WebhookSecret: "s3cret"})
	if locked.Verify(req, nil) {
		t.Fatal("expected missing header to be rejected")
	}
	req.Header.Set(secretHeader, "wrong")
	if locked.Verify(req, nil) {
		t.Fatal("expected wrong secret to be rejected")
	}
	req.Header.Set(secretHeader, "s3cret")
	if !locked.Verify(req, nil) {
		t.Fatal("expected matching secret to pass")
	}
}

func TestSendMessage(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["chat_id"] != "22" {
			t.Fatalf("unexpected chat id: %v", payload["chat_id"])
		}
		if payload["text"] != "✅ Salvo: \"Matrix\"" {
			t.Fatalf("unexpected text: %v", payload["text"])
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "result": map[string]interface{}{}})
	}))
	defer server.Close()

	ch := NewChannel(Config{BotToken: "token", APIRoot: server.URL})
	if err := ch.Send(context.Background(), "22", "✅ Salvo: \"Matrix\""); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !called {
		t.Fatal("expected API call")
	}
}

func TestSendReportsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer server.Close()

	ch := NewChannel(Config{BotToken: "token", APIRoot: server.URL})
	err := ch.Send(context.Background(), "22", "oi")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected api error, got %v", err)
	}
	if err := NewChannel(Config{APIRoot: server.URL}).Send(context.Background(), "22", "oi"); err == nil {
		t.Fatal("expected missing token error")
	}
}

func TestSetWebhookSendsSecret(t *testing.T) {
	var payload map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/setWebhook") {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}))
	defer server.Close()

	ch := NewChannel(Config{BotToken: "token", WebhookSecret: "s3cret", APIRoot: server.URL})
	if err := ch.SetWebhook(context.Background(), "https://bot.example.com/webhook/telegram"); err != nil {
		t.Fatalf("set webhook failed: %v", err)
	}
	if payload["url"] != "https://bot.example.com/webhook/telegram" || payload["secret_token"] != "s3cret" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}
