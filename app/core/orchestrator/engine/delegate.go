package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"lembra/app/core/orchestrator/catalog"
	"lembra/app/core/orchestrator/conversation"
	"lembra/app/core/orchestrator/intent"
	"lembra/app/core/orchestrator/items"
	"lembra/app/core/orchestrator/planner"
	"lembra/app/core/orchestrator/tools"
)

// handlePlanner delegates free-form text. The planner only proposes tool
// calls and text; the engine runs the tools and picks the next state.
func (e *Engine) handlePlanner(ctx context.Context, t turn, res intent.Result) outcome {
	if e.planner == nil {
		out := idle(planner.DegradedReply, res.Intent, "planner_unavailable")
		out.degraded = true
		return out
	}

	req := planner.Request{
		Message: t.text,
		History: plannerHistory(t.history),
		Tools:   e.opts.Tools,
	}
	result, err := e.planner.Call(ctx, req)
	if err != nil {
		e.logger.Warn("planner call failed", zap.String("conversation_id", t.conv.ID), zap.Error(err))
		result = planner.Result{Text: planner.DegradedReply, Degraded: true}
	}

	var (
		cands    []catalog.Candidate
		saved    []string
		toolFail bool
	)
	for _, call := range result.ToolCalls {
		r := e.exec(ctx, t, call.Name, call.Args)
		if !r.Success {
			toolFail = true
			continue
		}
		switch r.Tool {
		case tools.SearchCatalog:
			if found, err := wrapData[[]catalog.Candidate](r); err == nil {
				cands = append(cands, found...)
			}
		case tools.SaveItem:
			if it, err := wrapData[items.Item](r); err == nil {
				saved = append(saved, label(it.Title, it.Year()))
			}
		}
	}

	if toolFail {
		return failed(res, "planner_tool_failed")
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		switch {
		case len(saved) > 0:
			text = savedReply(strings.Join(saved, ", "))
		default:
			text = planner.DegradedReply
			result.Degraded = true
		}
	}

	asks := result.AsksChoice || (e.opts.ChoiceHeuristic && planner.LooksLikeChoice(text))
	if asks && !result.Degraded {
		if len(cands) > 0 {
			top := e.top(t.text, cands)
			prompt := choosePrompt(top)
			return outcome{
				text:  prompt,
				state: conversation.StateAwaitingConfirmation,
				context: conversation.ConfirmationContext{
					Purpose:    conversation.PurposeSelectSave,
					Candidates: top,
					ItemType:   items.TypeMovie,
					Query:      t.text,
					Prompt:     prompt,
				},
			}
		}
		return outcome{
			text:  text,
			state: conversation.StateAwaitingConfirmation,
			context: conversation.ConfirmationContext{
				Purpose: conversation.PurposeClarify,
				Prompt:  text,
			},
		}
	}

	out := idle(text, res.Intent, "planner")
	out.degraded = result.Degraded
	return out
}

func plannerHistory(history []conversation.Message) []planner.Message {
	out := make([]planner.Message, 0, len(history))
	for _, m := range history {
		out = append(out, planner.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
