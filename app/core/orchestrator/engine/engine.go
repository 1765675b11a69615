package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"lembra/app/core/orchestrator/conversation"
	"lembra/app/core/orchestrator/intent"
	"lembra/app/core/orchestrator/planner"
	"lembra/app/core/orchestrator/tools"
	"lembra/app/pkg/logger"
	"lembra/app/pkg/types"
)

// Store is the conversation store as seen by a turn.
type Store interface {
	FindOrCreate(ctx context.Context, userID string) (conversation.Conversation, error)
	Get(ctx context.Context, id string) (conversation.Conversation, error)
	ConditionalUpdate(ctx context.Context, id string, expected conversation.State, next conversation.State, nextCtx conversation.Context) (bool, error)
	AppendMessage(ctx context.Context, conversationID string, role conversation.Role, content string) (conversation.Message, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error)
}

// Closer arms and disarms the idle close of a conversation.
type Closer interface {
	ScheduleClose(ctx context.Context, conversationID string) error
	CancelClose(ctx context.Context, conversationID string) error
}

type Options struct {
	HistoryLimit    int
	MaxCandidates   int
	ChoiceHeuristic bool
	// Tools offered to the planner.
	Tools []tools.Spec
}

type Reply struct {
	Text           string
	ConversationID string
	// State is the state the turn moved to, or the current one when the
	// transition was not applied. An idle turn is then armed to close.
	State    conversation.State
	Applied  bool
	Degraded bool
	Failed   bool
	// Confirmed lists the items a finished batch saved.
	Confirmed []conversation.ConfirmedItem
}

// Engine maps (state, intent, message) to (reply, next state, next
// context). Every turn ends with one conditional update of the row.
type Engine struct {
	store      Store
	closer     Closer
	tools      tools.Executor
	planner    planner.Planner
	classifier *intent.Classifier
	opts       Options
	logger     *zap.Logger
}

func New(store Store, closer Closer, exec tools.Executor, plan planner.Planner, opts Options, log *zap.Logger) *Engine {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 3
	}
	return &Engine{
		store:      store,
		closer:     closer,
		tools:      exec,
		planner:    plan,
		classifier: intent.New(),
		opts:       opts,
		logger:     logger.OrNop(log).Named("engine"),
	}
}

// outcome is what a handler decided for the turn.
type outcome struct {
	text      string
	state     conversation.State
	context   conversation.Context
	degraded  bool
	confirmed []conversation.ConfirmedItem
}

func idle(text string, lastIntent intent.Intent, action string) outcome {
	return outcome{
		text:    text,
		state:   conversation.StateIdle,
		context: conversation.IdleContext{LastIntent: string(lastIntent), LastAction: action},
	}
}

// turn carries the per-turn read-only inputs.
type turn struct {
	conv    conversation.Conversation
	history []conversation.Message
	text    string
	tc      tools.ToolContext
}

// HandleTurn always produces a reply. Unexpected errors and panics become
// the generic apology and leave the last persisted state in place.
func (e *Engine) HandleTurn(ctx context.Context, in types.Turn) (reply Reply) {
	started := time.Now()
	var partial Reply
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("turn panicked",
				zap.String("user_id", in.UserID),
				zap.String("conversation_id", partial.ConversationID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			reply = Reply{Text: FailureReply, ConversationID: partial.ConversationID, Failed: true}
		}
	}()

	out, err := e.handle(ctx, in, &partial)
	if err != nil {
		e.logger.Error("turn failed",
			zap.String("user_id", in.UserID),
			zap.String("conversation_id", partial.ConversationID),
			zap.Error(err))
		return Reply{Text: FailureReply, ConversationID: partial.ConversationID, Failed: true}
	}
	e.logger.Info("turn handled",
		zap.String("user_id", in.UserID),
		zap.String("conversation_id", out.ConversationID),
		zap.String("state", string(out.State)),
		zap.Bool("applied", out.Applied),
		zap.Duration("latency", time.Since(started)))
	return out
}

func (e *Engine) handle(ctx context.Context, in types.Turn, partial *Reply) (Reply, error) {
	text := strings.TrimSpace(in.Text)
	conv, err := e.store.FindOrCreate(ctx, in.UserID)
	if err != nil {
		return Reply{}, err
	}
	partial.ConversationID = conv.ID

	// Activity disarms a pending close before anything else happens.
	if conv.State == conversation.StateWaitingClose {
		if err := e.closer.CancelClose(ctx, conv.ID); err != nil {
			e.logger.Warn("cancel close failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
		if conv, err = e.store.Get(ctx, conv.ID); err != nil {
			return Reply{}, err
		}
	}

	history, err := e.store.RecentMessages(ctx, conv.ID, e.opts.HistoryLimit)
	if err != nil {
		return Reply{}, err
	}

	t := turn{
		conv:    conv,
		history: history,
		text:    text,
		tc:      tools.ToolContext{UserID: conv.UserID, ConversationID: conv.ID},
	}
	out := e.decide(ctx, t)

	if _, err := e.store.AppendMessage(ctx, conv.ID, conversation.RoleUser, text); err != nil {
		return Reply{}, err
	}
	if _, err := e.store.AppendMessage(ctx, conv.ID, conversation.RoleAssistant, out.text); err != nil {
		return Reply{}, err
	}

	applied, err := e.store.ConditionalUpdate(ctx, conv.ID, conv.State, out.state, out.context)
	if err != nil {
		return Reply{}, err
	}
	reply := Reply{
		Text:           out.text,
		ConversationID: conv.ID,
		State:          out.state,
		Applied:        applied,
		Degraded:       out.degraded,
		Confirmed:      out.confirmed,
	}
	if !applied {
		e.logger.Info("state moved concurrently, transition dropped",
			zap.String("conversation_id", conv.ID),
			zap.String("expected", string(conv.State)),
			zap.String("next", string(out.state)))
		if cur, err := e.store.Get(ctx, conv.ID); err == nil {
			reply.State = cur.State
		}
		return reply, nil
	}
	if out.state == conversation.StateIdle {
		if err := e.closer.ScheduleClose(ctx, conv.ID); err != nil {
			e.logger.Warn("schedule close failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}
	return reply, nil
}

// decide applies the policy in priority order: pending batch, pending
// confirmation, batch trigger, deterministic table, planner.
func (e *Engine) decide(ctx context.Context, t turn) outcome {
	switch c := t.conv.Context.(type) {
	case conversation.BatchContext:
		if t.conv.State == conversation.StateAwaitingBatchItem {
			return e.handleBatchSelection(ctx, t, c)
		}
	case conversation.ConfirmationContext:
		if t.conv.State == conversation.StateAwaitingConfirmation {
			switch c.Purpose {
			case conversation.PurposeSelectSave:
				return e.handleSelectSave(ctx, t, c)
			case conversation.PurposeConfirmDelete:
				return e.handleConfirmDelete(ctx, t, c)
			}
		}
	}

	res := e.classifier.Classify(t.text)
	e.logger.Debug("intent classified",
		zap.String("conversation_id", t.conv.ID),
		zap.String("intent", string(res.Intent)),
		zap.Float64("confidence", res.Confidence))

	if res.IsBatch() {
		return e.startBatch(ctx, t, res)
	}

	switch res.Intent {
	case intent.Greet:
		return idle(greetReply, res.Intent, "greet")
	case intent.Thank:
		return idle(thankReply, res.Intent, "thank")
	case intent.Confirm, intent.Deny, intent.Select:
		return idle(nothingPending, res.Intent, "nothing_pending")
	case intent.DeleteAll:
		return e.handleDeleteAll(ctx, t, res)
	case intent.DeleteSelected:
		return e.handleDeleteSelected(ctx, t, res)
	case intent.DeleteItem:
		return e.handleDeleteItem(ctx, t, res)
	case intent.ListAll, intent.Search:
		return e.handleSearch(ctx, t, res)
	case intent.SavePrevious:
		return e.handleSavePrevious(ctx, t, res)
	case intent.Save:
		return e.handleSave(ctx, t, res)
	}
	return e.handlePlanner(ctx, t, res)
}

// unchanged keeps the current state and context, for re-prompts.
func unchanged(t turn, text string) outcome {
	return outcome{text: text, state: t.conv.State, context: t.conv.Context}
}

func (e *Engine) exec(ctx context.Context, t turn, name string, args map[string]any) tools.Result {
	return e.tools.Execute(ctx, name, t.tc, args)
}

func failed(res intent.Result, action string) outcome {
	return idle(FailureReply, res.Intent, action)
}

func wrapData[T any](r tools.Result) (T, error) {
	v, ok := r.Data.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("tool %s returned %T", r.Tool, r.Data)
	}
	return v, nil
}
