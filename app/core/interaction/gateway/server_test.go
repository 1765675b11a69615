package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lembra/app/core/orchestrator/conversation"
	"lembra/app/core/orchestrator/engine"
	"lembra/app/core/orchestrator/users"
	"lembra/app/pkg/types"
)

type testAdapter struct {
	id      string
	reject  bool
	sendErr error
	sendMu  sync.Mutex
	sent    []string
	to      []string
	readIDs []string
}

func (a *testAdapter) ID() string { return a.id }

func (a *testAdapter) Verify(_ *http.Request, _ []byte) bool { return !a.reject }

func (a *testAdapter) ParseIncoming(body []byte) (types.Incoming, bool) {
	var payload struct {
		Chat string `json:"chat"`
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Text == "" {
		return types.Incoming{}, false
	}
	return types.Incoming{ExternalID: payload.Chat, MessageID: payload.ID, Text: payload.Text, SenderName: "Ana"}, true
}

func (a *testAdapter) Send(_ context.Context, to string, text string) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	a.to = append(a.to, to)
	a.sent = append(a.sent, text)
	return a.sendErr
}

type readingAdapter struct {
	*testAdapter
}

func (a readingAdapter) MarkRead(_ context.Context, id string) error {
	a.readIDs = append(a.readIDs, id)
	return errors.New("graph unavailable")
}

func (a readingAdapter) Handshake(query map[string][]string) (string, bool) {
	if v := query["hub.verify_token"]; len(v) == 1 && v[0] == "ok" {
		return query["hub.challenge"][0], true
	}
	return "", false
}

type testUsers struct {
	err   error
	calls []string
}

func (u *testUsers) FindOrCreateByAccount(_ context.Context, provider, externalID, _, _ string) (users.User, error) {
	u.calls = append(u.calls, provider+":"+externalID)
	if u.err != nil {
		return users.User{}, u.err
	}
	return users.User{ID: "user-" + externalID}, nil
}

type testTurns struct {
	mu    sync.Mutex
	turns []types.Turn
	reply engine.Reply
}

func (h *testTurns) HandleTurn(_ context.Context, in types.Turn) engine.Reply {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, in)
	return h.reply
}

func newTestServer(reply engine.Reply) (*Server, *testUsers, *testTurns) {
	u := &testUsers{}
	turns := &testTurns{reply: reply}
	return New(u, turns, Options{}, nil), u, turns
}

func post(t *testing.T, h http.Handler, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookRunsTurnAndSendsReply(t *testing.T) {
	srv, u, turns := newTestServer(engine.Reply{Text: "✅ Salvo: Matrix", ConversationID: "c1", State: conversation.StateIdle})
	adapter := &testAdapter{id: "telegram"}
	srv.RegisterAdapter(adapter)

	rec := post(t, srv.Handler(), "/webhook/telegram", `{"chat":"22","id":"7","text":"salva matrix"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if len(u.calls) != 1 || u.calls[0] != "telegram:22" {
		t.Fatalf("unexpected user lookups: %v", u.calls)
	}
	if len(turns.turns) != 1 {
		t.Fatalf("expected one turn, got %d", len(turns.turns))
	}
	turn := turns.turns[0]
	if turn.UserID != "user-22" || turn.Provider != "telegram" || turn.Text != "salva matrix" || turn.Timestamp.IsZero() {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if len(adapter.sent) != 1 || adapter.sent[0] != "✅ Salvo: Matrix" || adapter.to[0] != "22" {
		t.Fatalf("unexpected sends: %v to %v", adapter.sent, adapter.to)
	}
	if got := srv.Health(context.Background()).Received; got != 1 {
		t.Fatalf("expected 1 received message, got %d", got)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, u, _ := newTestServer(engine.Reply{Text: "ok"})
	adapter := &testAdapter{id: "whatsapp", reject: true}
	srv.RegisterAdapter(adapter)

	rec := post(t, srv.Handler(), "/webhook/whatsapp", `{"chat":"1","text":"oi"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(u.calls) != 0 || len(adapter.sent) != 0 {
		t.Fatal("rejected webhook must not run a turn")
	}
	if got := srv.Health(context.Background()).Rejected; got != 1 {
		t.Fatalf("expected 1 rejected request, got %d", got)
	}
}

func TestWebhookIgnoresNonTextPayload(t *testing.T) {
	srv, u, _ := newTestServer(engine.Reply{Text: "ok"})
	srv.RegisterAdapter(&testAdapter{id: "telegram"})

	rec := post(t, srv.Handler(), "/webhook/telegram", `{"chat":"1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for ignored payload, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ignored") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if len(u.calls) != 0 {
		t.Fatal("ignored payload must not resolve a user")
	}
}

func TestUnknownProviderIsNotFound(t *testing.T) {
	srv, _, _ := newTestServer(engine.Reply{Text: "ok"})
	rec := post(t, srv.Handler(), "/webhook/signal", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUserLookupFailureStillReplies(t *testing.T) {
	srv, u, turns := newTestServer(engine.Reply{Text: "unused"})
	u.err = errors.New("database is locked")
	adapter := &testAdapter{id: "telegram"}
	srv.RegisterAdapter(adapter)

	rec := post(t, srv.Handler(), "/webhook/telegram", `{"chat":"22","text":"oi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if len(turns.turns) != 0 {
		t.Fatal("turn must not run without a user")
	}
	if len(adapter.sent) != 1 || adapter.sent[0] != engine.FailureReply {
		t.Fatalf("expected apology, got %v", adapter.sent)
	}
	if got := srv.Health(context.Background()).FailedTurns; got != 1 {
		t.Fatalf("expected 1 failed turn, got %d", got)
	}
}

func TestSendFailureAndMarkReadAreBestEffort(t *testing.T) {
	srv, _, _ := newTestServer(engine.Reply{Text: "oi!"})
	base := &testAdapter{id: "whatsapp"}
	srv.RegisterAdapter(readingAdapter{base})

	rec := post(t, srv.Handler(), "/webhook/whatsapp", `{"chat":"55","id":"wamid.1","text":"oi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if len(base.readIDs) != 1 || base.readIDs[0] != "wamid.1" {
		t.Fatalf("expected mark read after send, got %v", base.readIDs)
	}

	base.sendErr = errors.New("graph down")
	rec = post(t, srv.Handler(), "/webhook/whatsapp", `{"chat":"55","id":"wamid.2","text":"oi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("send failure must not fail the webhook, got %d", rec.Code)
	}
	if len(base.readIDs) != 1 {
		t.Fatal("mark read must be skipped when send fails")
	}
	if got := srv.Health(context.Background()).SendErrors; got != 1 {
		t.Fatalf("expected 1 send error, got %d", got)
	}
}

func TestHandshake(t *testing.T) {
	srv, _, _ := newTestServer(engine.Reply{})
	srv.RegisterAdapter(readingAdapter{&testAdapter{id: "whatsapp"}})
	srv.RegisterAdapter(&testAdapter{id: "telegram"})
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=ok&hub.challenge=42", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "42" {
		t.Fatalf("unexpected handshake response: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/whatsapp?hub.verify_token=bad&hub.challenge=42", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/telegram", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHealthIncludesAdaptersAndRuntime(t *testing.T) {
	srv, _, _ := newTestServer(engine.Reply{})
	srv.RegisterAdapter(&testAdapter{id: "whatsapp"})
	srv.RegisterAdapter(&testAdapter{id: "telegram"})
	srv.SetStatusProvider(func(context.Context) map[string]interface{} {
		return map[string]interface{}{"queue": "memory"}
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if status.Started {
		t.Fatal("expected server to be stopped")
	}
	if len(status.Adapters) != 2 || status.Adapters[0] != "telegram" || status.Adapters[1] != "whatsapp" {
		t.Fatalf("adapters should be sorted, got %v", status.Adapters)
	}
	if status.Runtime["queue"] != "memory" {
		t.Fatalf("unexpected runtime: %v", status.Runtime)
	}
}

func TestStartServesUntilCanceled(t *testing.T) {
	srv := New(&testUsers{}, &testTurns{}, Options{Port: 18931, ShutdownTimeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://127.0.0.1:18931/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestTraceRecorderWritesJSONL(t *testing.T) {
	base := t.TempDir()
	recorder, err := NewTraceRecorder(base)
	if err != nil {
		t.Fatalf("new trace recorder: %v", err)
	}
	defer recorder.Close()
	srv, _, _ := newTestServer(engine.Reply{Text: "oi", ConversationID: "c1", State: conversation.StateIdle})
	srv.RegisterAdapter(&testAdapter{id: "telegram"})
	srv.SetTraceRecorder(recorder)

	post(t, srv.Handler(), "/webhook/telegram", `{"chat":"22","id":"7","text":"oi"}`)

	path := filepath.Join(base, time.Now().UTC().Format("2006-01-02"), "webhook_events.jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open trace file: %v", err)
	}
	defer f.Close()

	var events []TraceEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev TraceEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("decode trace line: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("expected turn and send events, got %+v", events)
	}
	if events[0].Event != "turn" || events[0].ConversationID != "c1" || events[0].UserID != "user-22" {
		t.Fatalf("unexpected turn event: %+v", events[0])
	}
	if events[1].Event != "send" || events[1].Status != "ok" {
		t.Fatalf("unexpected send event: %+v", events[1])
	}
}

func TestTraceRecorderSwitchesFileByDay(t *testing.T) {
	base := t.TempDir()
	recorder, err := NewTraceRecorder(base)
	if err != nil {
		t.Fatalf("new trace recorder: %v", err)
	}
	defer recorder.Close()
	now := time.Date(2026, 5, 1, 23, 59, 0, 0, time.UTC)
	recorder.now = func() time.Time { return now }

	if err := recorder.Record(TraceEvent{Provider: "telegram", Event: "turn", Status: "ok"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := recorder.Record(TraceEvent{Provider: "telegram", Event: "send", Status: "ok"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	for _, day := range []string{"2026-05-01", "2026-05-02"} {
		data, err := os.ReadFile(filepath.Join(base, day, "webhook_events.jsonl"))
		if err != nil {
			t.Fatalf("read %s trace: %v", day, err)
		}
		if n := strings.Count(string(data), "\n"); n != 1 {
			t.Fatalf("expected 1 event on %s, got %d", day, n)
		}
	}
}
