package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"lembra/app/core/orchestrator/catalog"
	"lembra/app/core/orchestrator/conversation"
	"lembra/app/core/orchestrator/intent"
	"lembra/app/core/orchestrator/items"
)

func (e *Engine) startBatch(ctx context.Context, t turn, res intent.Result) outcome {
	if phrase := res.Entities.Phrase; phrase != "" {
		if cands, err := e.searchCatalog(ctx, t, phrase); err == nil {
			if match, ok := uniqueMatch(cands); ok {
				if _, err := e.saveCandidate(ctx, t, match); err != nil {
					return failed(res, "save_failed")
				}
				return idle(savedReply(match.Label()), res.Intent, "save")
			}
		}
	}
	queue := make([]conversation.BatchItem, 0, len(res.Entities.Items))
	for _, entry := range res.Entities.Items {
		queue = append(queue, conversation.BatchItem{
			Query:  entry.Query,
			Type:   entry.Type,
			Status: conversation.BatchPending,
		})
	}
	bc := conversation.BatchContext{Queue: queue}
	e.logger.Info("batch started",
		zap.String("conversation_id", t.conv.ID),
		zap.Int("items", len(queue)))
	return e.advance(ctx, t, bc, []string{batchHeader(len(queue))})
}

// handleBatchSelection resolves the item waiting for a choice and then
// continues with the rest of the queue.
func (e *Engine) handleBatchSelection(ctx context.Context, t turn, bc conversation.BatchContext) outcome {
	cur := bc.Processing()
	if cur < 0 {
		return e.advance(ctx, t, bc, nil)
	}
	total := len(bc.Queue)
	item := bc.Queue[cur]

	n, ok := intent.ParseSelection(t.text)
	if !ok || n < 1 || n > len(bc.Candidates) {
		if intent.IsNegative(t.text) {
			bc.Queue[cur].Status = conversation.BatchSkipped
			bc.Candidates = nil
			return e.advance(ctx, t, bc, []string{batchSkipped(cur+1, total, item.Query)})
		}
		return unchanged(t, batchReprompt(item.Query, len(bc.Candidates)))
	}

	cand := bc.Candidates[n-1]
	saved, err := e.saveCandidate(ctx, t, cand)
	if err != nil {
		return idle(FailureReply, intent.Select, "batch_save_failed")
	}
	bc.Queue[cur].Status = conversation.BatchConfirmed
	bc.Confirmed = append(bc.Confirmed, confirmedFrom(saved, cand))
	bc.Candidates = nil
	return e.advance(ctx, t, bc, []string{batchSaved(cur+1, total, cand.Label())})
}

// advance walks the pending items in order. Each iteration settles one
// item, so the loop is capped at the queue length. It stops at the first
// item that needs the user to choose.
func (e *Engine) advance(ctx context.Context, t turn, bc conversation.BatchContext, lines []string) outcome {
	total := len(bc.Queue)
	for step := 0; step < total; step++ {
		idx := nextPending(bc.Queue)
		if idx < 0 {
			break
		}
		bc.CurrentIndex = idx
		item := bc.Queue[idx]
		pos := idx + 1

		cands, err := e.searchCatalog(ctx, t, item.Query)
		if err != nil {
			e.logger.Warn("batch catalog lookup failed",
				zap.String("conversation_id", t.conv.ID),
				zap.String("query", item.Query),
				zap.Error(err))
			bc.Queue[idx].Status = conversation.BatchSkipped
			lines = append(lines, batchFailed(pos, total, item.Query))
			continue
		}

		if len(cands) == 0 {
			bc.Queue[idx].Status = conversation.BatchSkipped
			lines = append(lines, batchNotFound(pos, total, item.Query))
			continue
		}

		if match, ok := uniqueMatch(cands); ok {
			saved, err := e.saveCandidate(ctx, t, match)
			if err != nil {
				bc.Queue[idx].Status = conversation.BatchSkipped
				lines = append(lines, batchFailed(pos, total, item.Query))
				continue
			}
			bc.Queue[idx].Status = conversation.BatchConfirmed
			bc.Confirmed = append(bc.Confirmed, confirmedFrom(saved, match))
			lines = append(lines, batchSaved(pos, total, match.Label()))
			continue
		}

		top := e.top(item.Query, cands)
		bc.Queue[idx].Status = conversation.BatchProcessing
		bc.Candidates = top
		lines = append(lines, batchChoose(pos, total, item.Query, top))
		if rest := countPending(bc.Queue); rest > 0 {
			lines = append(lines, batchRemaining(rest))
		}
		return outcome{
			text:    strings.Join(lines, "\n\n"),
			state:   conversation.StateAwaitingBatchItem,
			context: bc,
		}
	}

	lines = append(lines, batchSummary(bc.Confirmed))
	e.logger.Info("batch finished",
		zap.String("conversation_id", t.conv.ID),
		zap.Int("items", total),
		zap.Int("confirmed", len(bc.Confirmed)))
	out := idle(strings.Join(lines, "\n\n"), intent.Save, "batch_complete")
	out.confirmed = bc.Confirmed
	return out
}

func nextPending(queue []conversation.BatchItem) int {
	for i, item := range queue {
		if item.Status == conversation.BatchPending {
			return i
		}
	}
	return -1
}

func countPending(queue []conversation.BatchItem) int {
	n := 0
	for _, item := range queue {
		if item.Status == conversation.BatchPending {
			n++
		}
	}
	return n
}

func confirmedFrom(saved items.Item, c catalog.Candidate) conversation.ConfirmedItem {
	return conversation.ConfirmedItem{
		ItemID: saved.ID,
		Title:  c.Title,
		Year:   c.Year,
		Type:   saved.Type,
	}
}
