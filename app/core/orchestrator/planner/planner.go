package planner

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"lembra/app/core/orchestrator/tools"
	"lembra/app/pkg/logger"
)

// AskChoiceTool is the function a model calls to ask the user to pick one
// of several options. It is the structured signal for a choice prompt.
const AskChoiceTool = "ask_user_choice"

// DegradedReply is returned when every provider failed.
const DegradedReply = "😅 Opa, fiquei sem resposta aqui! Tenta de novo ou me manda um filme, vídeo ou link que eu organizo pra você!"

var ErrNoProviders = errors.New("no planner providers configured")

type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

type Request struct {
	Message      string
	History      []Message
	SystemPrompt string
	Tools        []tools.Spec
}

type ToolCall struct {
	Name string
	Args map[string]any
}

type Result struct {
	Text      string
	ToolCalls []ToolCall
	// AsksChoice is set when the model asked the user to choose.
	AsksChoice bool
	Provider   string
	Degraded   bool
}

type Planner interface {
	Name() string
	Call(ctx context.Context, req Request) (Result, error)
}

// Chain tries providers in order and never returns an error: when all of
// them fail the result is a degraded apology.
type Chain struct {
	providers []Planner
	timeout   time.Duration
	logger    *zap.Logger
}

func NewChain(timeout time.Duration, log *zap.Logger, providers ...Planner) *Chain {
	out := make([]Planner, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			out = append(out, p)
		}
	}
	return &Chain{providers: out, timeout: timeout, logger: logger.OrNop(log).Named("planner")}
}

func (c *Chain) Name() string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

func (c *Chain) Call(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.SystemPrompt) == "" {
		req.SystemPrompt = DefaultSystemPrompt
	}
	if len(c.providers) == 0 {
		c.logger.Warn("planner call without providers", zap.Error(ErrNoProviders))
		return degraded(), nil
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	for i, p := range c.providers {
		started := time.Now()
		res, err := p.Call(ctx, req)
		if err == nil {
			res.Provider = p.Name()
			c.logger.Debug("planner call succeeded",
				zap.String("provider", p.Name()),
				zap.Int("tool_calls", len(res.ToolCalls)),
				zap.Bool("asks_choice", res.AsksChoice),
				zap.Duration("latency", time.Since(started)))
			return res, nil
		}
		c.logger.Warn("planner provider failed",
			zap.String("provider", p.Name()),
			zap.Int("position", i),
			zap.Duration("latency", time.Since(started)),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return degraded(), nil
}

func degraded() Result {
	return Result{Text: DegradedReply, Degraded: true}
}

var choicePattern = regexp.MustCompile(`(?i)\b(qual|quais|which)\b`)

// LooksLikeChoice is the legacy text heuristic for choice prompts.
func LooksLikeChoice(text string) bool {
	return choicePattern.MatchString(text)
}

// splitChoice separates an ask_user_choice call from real tool calls and
// renders its question when the model sent no text of its own.
func splitChoice(text string, calls []ToolCall) Result {
	res := Result{Text: strings.TrimSpace(text)}
	for _, call := range calls {
		if call.Name != AskChoiceTool {
			res.ToolCalls = append(res.ToolCalls, call)
			continue
		}
		res.AsksChoice = true
		if res.Text == "" {
			res.Text = renderChoice(call.Args)
		}
	}
	return res
}

func renderChoice(args map[string]any) string {
	question, _ := args["question"].(string)
	var b strings.Builder
	b.WriteString(strings.TrimSpace(question))
	if opts, ok := args["options"].([]any); ok && len(opts) > 0 {
		b.WriteString("\n")
		for i, o := range opts {
			fmt.Fprintf(&b, "\n%d. %v", i+1, o)
		}
	}
	return b.String()
}

func askChoiceSpec() tools.Spec {
	return tools.Spec{
		Name:        AskChoiceTool,
		Description: "Pergunta ao usuário qual opção ele prefere quando há mais de uma possibilidade.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{"type": "string"},
				"options":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"question"},
		},
	}
}

// withChoiceTool appends ask_user_choice to the request's tool list.
func withChoiceTool(specs []tools.Spec) []tools.Spec {
	out := make([]tools.Spec, 0, len(specs)+1)
	out = append(out, specs...)
	return append(out, askChoiceSpec())
}

const DefaultSystemPrompt = `Você é um assistente pessoal que ajuda usuários a organizar conteúdo (filmes, vídeos, links, notas).

CAPACIDADES:
- Identificar e classificar conteúdo (filme, vídeo, link, nota)
- Entender contexto de mensagens anteriores
- Distinguir entre novas solicitações e refinamentos

REGRAS:
1. Se a mensagem refina o pedido anterior ("o de 1999", "o primeiro"), use o histórico para completar a solicitação.
2. Se a mensagem é independente, trate como nova solicitação.
3. Para salvar filmes, use search_catalog e depois save_item com o título e ano encontrados.
4. Quando precisar que o usuário escolha entre opções, chame ask_user_choice.

Seja conciso, prestativo e natural. Responda em português.`
