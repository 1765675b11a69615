package planner

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"lembra/app/core/orchestrator/tools"
)

type fakePlanner struct {
	name  string
	res   Result
	err   error
	delay time.Duration
	calls atomic.Int32
	got   Request
}

func (f *fakePlanner) Name() string { return f.name }

func (f *fakePlanner) Call(ctx context.Context, req Request) (Result, error) {
	f.calls.Add(1)
	f.got = req
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return f.res, f.err
}

func TestChainFallsBackToNextProvider(t *testing.T) {
	first := &fakePlanner{name: "gemini", err: errors.New("quota exceeded")}
	second := &fakePlanner{name: "openai", res: Result{Text: "Oi!"}}

	res, err := NewChain(time.Second, nil, first, second).Call(context.Background(), Request{Message: "oi"})

	require.NoError(t, err)
	assert.Equal(t, "Oi!", res.Text)
	assert.Equal(t, "openai", res.Provider)
	assert.False(t, res.Degraded)
	assert.EqualValues(t, 1, first.calls.Load())
	assert.Equal(t, DefaultSystemPrompt, second.got.SystemPrompt)
}

func TestChainDegradesWhenAllProvidersFail(t *testing.T) {
	chain := NewChain(time.Second, nil,
		&fakePlanner{name: "a", err: errors.New("down")},
		&fakePlanner{name: "b", err: errors.New("down")},
	)

	res, err := chain.Call(context.Background(), Request{Message: "oi"})

	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, DegradedReply, res.Text)
}

func TestChainWithoutProvidersDegrades(t *testing.T) {
	res, err := NewChain(time.Second, nil, nil).Call(context.Background(), Request{Message: "oi"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
}

func TestChainEnforcesTimeout(t *testing.T) {
	slow := &fakePlanner{name: "slow", delay: time.Second, res: Result{Text: "late"}}
	next := &fakePlanner{name: "next", res: Result{Text: "never"}}

	started := time.Now()
	res, err := NewChain(50*time.Millisecond, nil, slow, next).Call(context.Background(), Request{Message: "oi"})

	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
	assert.Zero(t, next.calls.Load(), "no fallback after the turn deadline")
}

func TestSplitChoiceExtractsStructuredSignal(t *testing.T) {
	res := splitChoice("", []ToolCall{
		{Name: tools.SearchCatalog, Args: map[string]any{"query": "duna"}},
		{Name: AskChoiceTool, Args: map[string]any{"question": "Qual versão?", "options": []any{"Duna (1984)", "Duna (2021)"}}},
	})

	assert.True(t, res.AsksChoice)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, tools.SearchCatalog, res.ToolCalls[0].Name)
	assert.Equal(t, "Qual versão?\n\n1. Duna (1984)\n2. Duna (2021)", res.Text)
}

func TestLooksLikeChoice(t *testing.T) {
	assert.True(t, LooksLikeChoice("Qual você prefere?"))
	assert.True(t, LooksLikeChoice("which one?"))
	assert.False(t, LooksLikeChoice("Salvei Matrix (1999)."))
	assert.False(t, LooksLikeChoice("Isso é qualquer coisa"))
}

func TestOpenAIProviderParsesToolCalls(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [
						{"id": "call_1", "type": "function", "function": {"name": "search_catalog", "arguments": "{\"query\":\"duna\"}"}},
						{"id": "call_2", "type": "function", "function": {"name": "ask_user_choice", "arguments": "{\"question\":\"Qual Duna?\"}"}}
					]
				}
			}]
		}`))
	}))
	defer srv.Close()

	p, err := NewOpenAI(OpenAIOptions{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)

	res, err := p.Call(context.Background(), Request{
		Message:      "salva duna",
		History:      []Message{{Role: "user", Content: "oi"}, {Role: "assistant", Content: "Oi!"}},
		SystemPrompt: "sys",
		Tools:        []tools.Spec{{Name: tools.SearchCatalog, Description: "d", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	assert.True(t, res.AsksChoice)
	assert.Equal(t, "Qual Duna?", res.Text)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "duna", res.ToolCalls[0].Args["query"])

	assert.Equal(t, "system", gjson.GetBytes(body, "messages.0.role").String())
	assert.Equal(t, "salva duna", gjson.GetBytes(body, "messages.3.content").String())
	assert.EqualValues(t, 2, gjson.GetBytes(body, "tools.#").Int())
}

func TestGeminiProviderParsesFunctionCalls(t *testing.T) {
	var body []byte
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{
				"content": {
					"role": "model",
					"parts": [
						{"functionCall": {"name": "search_catalog", "args": {"query": "duna"}}},
						{"functionCall": {"name": "ask_user_choice", "args": {"question": "Qual Duna?"}}}
					]
				},
				"finishReason": "STOP"
			}]
		}`))
	}))
	defer srv.Close()

	p, err := NewGemini(context.Background(), GeminiOptions{APIKey: "test", Model: "gemini-test", BaseURL: srv.URL})
	require.NoError(t, err)

	res, err := p.Call(context.Background(), Request{
		Message:      "salva duna",
		History:      []Message{{Role: "user", Content: "oi"}, {Role: "assistant", Content: "Oi!"}},
		SystemPrompt: "sys",
		Tools:        []tools.Spec{{Name: tools.SearchCatalog, Description: "d", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	assert.True(t, res.AsksChoice)
	assert.Equal(t, "Qual Duna?", res.Text)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "duna", res.ToolCalls[0].Args["query"])

	assert.True(t, strings.HasSuffix(path, "models/gemini-test:generateContent"), path)
	assert.Equal(t, "model", gjson.GetBytes(body, "contents.1.role").String())
	assert.Equal(t, "salva duna", gjson.GetBytes(body, "contents.2.parts.0.text").String())
	assert.Equal(t, "sys", gjson.GetBytes(body, "systemInstruction.parts.0.text").String())
	assert.EqualValues(t, 2, gjson.GetBytes(body, "tools.0.functionDeclarations.#").Int())
}

func TestGeminiProviderReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	p, err := NewGemini(context.Background(), GeminiOptions{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = p.Call(context.Background(), Request{Message: "oi"})
	require.Error(t, err)
}

func TestOpenAIProviderReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAI(OpenAIOptions{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = p.Call(context.Background(), Request{Message: "oi"})
	require.Error(t, err)
}

func TestProvidersRequireKeys(t *testing.T) {
	_, err := NewOpenAI(OpenAIOptions{})
	assert.Error(t, err)
	_, err = NewGemini(context.Background(), GeminiOptions{})
	assert.Error(t, err)
}
