package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"lembra/app/core/orchestrator/catalog"
	"lembra/app/core/orchestrator/conversation"
	"lembra/app/core/orchestrator/intent"
	"lembra/app/core/orchestrator/items"
	"lembra/app/core/orchestrator/tools"
)

const listLimit = 10

func (e *Engine) handleSelectSave(ctx context.Context, t turn, c conversation.ConfirmationContext) outcome {
	if n, ok := intent.ParseSelection(t.text); ok && n >= 1 && n <= len(c.Candidates) {
		cand := c.Candidates[n-1]
		if c.ItemType != "" && cand.Type == "" {
			cand.Type = c.ItemType
		}
		if _, err := e.saveCandidate(ctx, t, cand); err != nil {
			return idle(FailureReply, intent.Select, "save_selected_failed")
		}
		return idle(savedReply(cand.Label()), intent.Select, "save_selected")
	}
	if intent.IsNegative(t.text) {
		return idle(canceledReply, intent.Deny, "selection_canceled")
	}
	return unchanged(t, selectReprompt(len(c.Candidates)))
}

func (e *Engine) handleConfirmDelete(ctx context.Context, t turn, c conversation.ConfirmationContext) outcome {
	switch {
	case intent.IsAffirmative(t.text):
		deleted := 0
		for _, id := range c.ItemIDs {
			r := e.exec(ctx, t, tools.DeleteItem, map[string]any{"id": id})
			if !r.Success {
				return idle(FailureReply, intent.Confirm, "delete_confirmed_failed")
			}
			deleted++
		}
		return idle(deletedManyReply(deleted), intent.Confirm, "delete_confirmed")
	case intent.IsNegative(t.text):
		return idle(canceledReply, intent.Deny, "delete_canceled")
	}
	return unchanged(t, yesNoReprompt)
}

func (e *Engine) handleDeleteAll(ctx context.Context, t turn, res intent.Result) outcome {
	r := e.exec(ctx, t, tools.DeleteAllItems, nil)
	if !r.Success {
		return failed(res, "delete_all_failed")
	}
	n, err := wrapData[int64](r)
	if err != nil {
		e.logger.Warn("unexpected tool data", zap.Error(err))
	}
	return idle(deletedAllReply(n), res.Intent, "delete_all")
}

func (e *Engine) handleDeleteSelected(ctx context.Context, t turn, res intent.Result) outcome {
	r := e.exec(ctx, t, tools.SearchItems, map[string]any{"limit": 20})
	if !r.Success {
		return failed(res, "delete_selected_failed")
	}
	found, err := wrapData[[]items.Item](r)
	if err != nil {
		return failed(res, "delete_selected_failed")
	}
	k := res.Entities.Index
	if k < 1 || k > len(found) {
		return idle(deleteOutOfRange(k, len(found)), res.Intent, "delete_selected_out_of_range")
	}
	target := found[k-1]
	if del := e.exec(ctx, t, tools.DeleteItem, map[string]any{"id": target.ID}); !del.Success {
		return failed(res, "delete_selected_failed")
	}
	return idle(deletedOneReply(target.Title), res.Intent, "delete_selected")
}

// handleDeleteItem never deletes by query on its own; the matches are
// confirmed with an explicit yes/no turn.
func (e *Engine) handleDeleteItem(ctx context.Context, t turn, res intent.Result) outcome {
	query := res.Entities.Query
	r := e.exec(ctx, t, tools.SearchItems, map[string]any{"query": query, "limit": 20})
	if !r.Success {
		return failed(res, "delete_item_failed")
	}
	found, err := wrapData[[]items.Item](r)
	if err != nil {
		return failed(res, "delete_item_failed")
	}
	if len(found) == 0 {
		return idle(deleteNothingFound(query), res.Intent, "delete_item_not_found")
	}
	ids := make([]string, len(found))
	for i, it := range found {
		ids[i] = it.ID
	}
	prompt := confirmDeletePrompt(query, found)
	return outcome{
		text:  prompt,
		state: conversation.StateAwaitingConfirmation,
		context: conversation.ConfirmationContext{
			Purpose: conversation.PurposeConfirmDelete,
			Query:   query,
			ItemIDs: ids,
			Prompt:  prompt,
		},
	}
}

func (e *Engine) handleSearch(ctx context.Context, t turn, res intent.Result) outcome {
	query := ""
	if res.Intent == intent.Search {
		query = res.Entities.Query
	}
	r := e.exec(ctx, t, tools.SearchItems, map[string]any{"query": query, "limit": listLimit})
	if !r.Success {
		return failed(res, "search_failed")
	}
	found, err := wrapData[[]items.Item](r)
	if err != nil {
		return failed(res, "search_failed")
	}
	if len(found) == 0 {
		return idle(searchEmptyReply(query), res.Intent, "search_empty")
	}
	return idle(listReply(found), res.Intent, "search")
}

// handleSavePrevious saves the latest user message before this one. The
// history was read before the current message was appended.
func (e *Engine) handleSavePrevious(ctx context.Context, t turn, res intent.Result) outcome {
	previous := ""
	for i := len(t.history) - 1; i >= 0; i-- {
		if m := t.history[i]; m.Role == conversation.RoleUser && strings.TrimSpace(m.Content) != "" {
			previous = m.Content
			break
		}
	}
	if previous == "" {
		return idle(noPreviousReply, res.Intent, "save_previous_empty")
	}
	r := e.exec(ctx, t, tools.SaveItem, map[string]any{
		"type":    items.TypeNote,
		"title":   noteTitle(previous),
		"content": previous,
		"metadata": map[string]any{
			"saved_from": "previous_message",
		},
	})
	if !r.Success {
		return failed(res, "save_previous_failed")
	}
	return idle(savedPrevious, res.Intent, "save_previous")
}

// handleSave saves a single item. Movies go through the catalog first.
func (e *Engine) handleSave(ctx context.Context, t turn, res intent.Result) outcome {
	ent := res.Entities
	if ent.Type != intent.TypeMovie {
		args := map[string]any{"type": ent.Type, "title": noteTitle(ent.Query)}
		if ent.URL != "" {
			args["url"] = ent.URL
		}
		if ent.Type == intent.TypeNote && len([]rune(ent.Query)) > maxNoteTitleRune {
			args["content"] = ent.Query
		}
		r := e.exec(ctx, t, tools.SaveItem, args)
		if !r.Success {
			return failed(res, "save_failed")
		}
		return idle(savedReply(noteTitle(ent.Query)), res.Intent, "save")
	}

	cands, err := e.searchCatalog(ctx, t, ent.Query)
	if err != nil {
		return failed(res, "catalog_failed")
	}
	if len(cands) == 0 {
		return idle(notFoundReply(ent.Query), res.Intent, "save_not_found")
	}
	if match, ok := uniqueMatch(cands); ok {
		if _, err := e.saveCandidate(ctx, t, match); err != nil {
			return failed(res, "save_failed")
		}
		return idle(savedReply(match.Label()), res.Intent, "save")
	}
	top := e.top(ent.Query, cands)
	return outcome{
		text:  choosePrompt(top),
		state: conversation.StateAwaitingConfirmation,
		context: conversation.ConfirmationContext{
			Purpose:    conversation.PurposeSelectSave,
			Candidates: top,
			ItemType:   items.TypeMovie,
			Query:      ent.Query,
			Prompt:     choosePrompt(top),
		},
	}
}

func (e *Engine) searchCatalog(ctx context.Context, t turn, query string) ([]catalog.Candidate, error) {
	r := e.exec(ctx, t, tools.SearchCatalog, map[string]any{"query": query})
	if !r.Success {
		return nil, &tools.ToolError{Code: r.Code, Message: r.Message}
	}
	return wrapData[[]catalog.Candidate](r)
}

func (e *Engine) saveCandidate(ctx context.Context, t turn, c catalog.Candidate) (items.Item, error) {
	itemType := c.Type
	if itemType == "" {
		itemType = items.TypeMovie
	}
	args := map[string]any{
		"type":        itemType,
		"title":       c.Title,
		"external_id": c.ExternalID,
	}
	if c.Year > 0 {
		args["year"] = c.Year
	}
	r := e.exec(ctx, t, tools.SaveItem, args)
	if !r.Success {
		return items.Item{}, &tools.ToolError{Code: r.Code, Message: r.Message}
	}
	return wrapData[items.Item](r)
}

// top keeps the first MaxCandidates, exact title matches ahead of the
// catalog's loose ones.
func (e *Engine) top(query string, cands []catalog.Candidate) []catalog.Candidate {
	exact := catalog.Exact(query, cands)
	ordered := make([]catalog.Candidate, 0, len(cands))
	ordered = append(ordered, exact...)
	for _, c := range cands {
		if !containsCandidate(exact, c) {
			ordered = append(ordered, c)
		}
	}
	if len(ordered) > e.opts.MaxCandidates {
		ordered = ordered[:e.opts.MaxCandidates]
	}
	return ordered
}

func containsCandidate(list []catalog.Candidate, c catalog.Candidate) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

// uniqueMatch accepts only a single catalog hit; anything else is the
// user's choice.
func uniqueMatch(cands []catalog.Candidate) (catalog.Candidate, bool) {
	if len(cands) == 1 {
		return cands[0], true
	}
	return catalog.Candidate{}, false
}
