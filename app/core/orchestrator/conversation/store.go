package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lembra/app/core/orchestrator/db"
)

// Store persists conversations and their message history. Every state
// change is a conditional UPDATE keyed on the current state; a predicate
// miss is reported as applied=false, never as an error.
type Store struct {
	db  *db.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock replaces the wall clock used for timestamps and due checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(database *db.DB, opts ...Option) *Store {
	s := &Store{db: database, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const selectConversation = `SELECT id, user_id, state, context, close_at, COALESCE(close_job_id, ''), created_at, updated_at FROM conversations`

// FindOrCreate returns the user's conversation, creating it on first
// contact. A closed conversation is reopened as idle.
func (s *Store) FindOrCreate(ctx context.Context, userID string) (Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Conversation{}, fmt.Errorf("user_id is required")
	}
	now := s.now().UnixMilli()
	idle := mustEncode(IdleContext{})

	insert := `INSERT INTO conversations (id, user_id, state, context, close_at, close_job_id, created_at, updated_at)
VALUES (?, ?, 'idle', ?, NULL, NULL, ?, ?) ON CONFLICT(user_id) DO NOTHING`
	if _, err := s.db.Conn().ExecContext(ctx, insert, uuid.NewString(), userID, idle, now, now); err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	reopen := `UPDATE conversations SET state = 'idle', context = ?, updated_at = ? WHERE user_id = ? AND state = 'closed'`
	if _, err := s.db.Conn().ExecContext(ctx, reopen, idle, now, userID); err != nil {
		return Conversation{}, fmt.Errorf("reopen conversation: %w", err)
	}

	return s.scanOne(s.db.Conn().QueryRowContext(ctx, selectConversation+` WHERE user_id = ?`, userID))
}

func (s *Store) Get(ctx context.Context, id string) (Conversation, error) {
	return s.scanOne(s.db.Conn().QueryRowContext(ctx, selectConversation+` WHERE id = ?`, id))
}

// ConditionalUpdate writes (next, nextCtx) only if the row is still in
// expected. Close bookkeeping is always cleared; entering waiting_close goes
// through MarkWaitingClose instead.
func (s *Store) ConditionalUpdate(ctx context.Context, id string, expected State, next State, nextCtx Context) (bool, error) {
	if !expected.Valid() {
		return false, fmt.Errorf("%w: expected %q", ErrInvalidState, expected)
	}
	if next == StateWaitingClose {
		return false, fmt.Errorf("%w: waiting_close is only entered by scheduling a close", ErrInvalidState)
	}
	if err := ValidateContext(next, nextCtx); err != nil {
		return false, err
	}
	raw, err := EncodeContext(nextCtx)
	if err != nil {
		return false, err
	}
	query := `UPDATE conversations SET state = ?, context = ?, close_at = NULL, close_job_id = NULL, updated_at = ? WHERE id = ? AND state = ?`
	res, err := s.db.Conn().ExecContext(ctx, query, string(next), raw, s.now().UnixMilli(), id, string(expected))
	if err != nil {
		return false, fmt.Errorf("conditional update: %w", err)
	}
	return applied(res)
}

// MarkWaitingClose records a pending close. It applies to idle rows and to
// rows already waiting, which replaces the previous deadline and job.
func (s *Store) MarkWaitingClose(ctx context.Context, id string, closeAt time.Time, jobID string) (bool, error) {
	if strings.TrimSpace(jobID) == "" {
		return false, fmt.Errorf("close job id is required")
	}
	query := `UPDATE conversations SET state = 'waiting_close', close_at = ?, close_job_id = ?, updated_at = ?
WHERE id = ? AND state IN ('idle', 'waiting_close')`
	res, err := s.db.Conn().ExecContext(ctx, query, closeAt.UnixMilli(), jobID, s.now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("mark waiting close: %w", err)
	}
	return applied(res)
}

// ClearClose returns a waiting or closed conversation to idle with no close
// pending. Awaiting states are left untouched.
func (s *Store) ClearClose(ctx context.Context, id string) (bool, error) {
	query := `UPDATE conversations
SET state = 'idle',
	context = CASE WHEN state = 'closed' THEN ? ELSE context END,
	close_at = NULL, close_job_id = NULL, updated_at = ?
WHERE id = ? AND state IN ('waiting_close', 'closed')`
	res, err := s.db.Conn().ExecContext(ctx, query, mustEncode(IdleContext{}), s.now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("clear close: %w", err)
	}
	return applied(res)
}

// CloseIfDue closes one conversation whose close deadline has passed.
// Applying it twice affects nothing the second time.
func (s *Store) CloseIfDue(ctx context.Context, id string) (bool, error) {
	now := s.now().UnixMilli()
	query := `UPDATE conversations SET state = 'closed', context = ?, close_at = NULL, close_job_id = NULL, updated_at = ?
WHERE id = ? AND state = 'waiting_close' AND close_at <= ?`
	res, err := s.db.Conn().ExecContext(ctx, query, mustEncode(ClosedContext{}), now, id, now)
	if err != nil {
		return false, fmt.Errorf("close conversation: %w", err)
	}
	return applied(res)
}

// CloseAllDue applies the CloseIfDue predicate to every row.
func (s *Store) CloseAllDue(ctx context.Context) (int64, error) {
	now := s.now().UnixMilli()
	query := `UPDATE conversations SET state = 'closed', context = ?, close_at = NULL, close_job_id = NULL, updated_at = ?
WHERE state = 'waiting_close' AND close_at <= ?`
	res, err := s.db.Conn().ExecContext(ctx, query, mustEncode(ClosedContext{}), now, now)
	if err != nil {
		return 0, fmt.Errorf("close due conversations: %w", err)
	}
	return res.RowsAffected()
}

// ExpireAwaiting force-closes conversations stuck waiting for user input
// since before now-olderThan, dropping their candidates and batch queue.
func (s *Store) ExpireAwaiting(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now()
	cutoff := now.Add(-olderThan).UnixMilli()
	query := `UPDATE conversations SET state = 'closed', context = ?, close_at = NULL, close_job_id = NULL, updated_at = ?
WHERE state IN ('awaiting_confirmation', 'awaiting_batch_item') AND updated_at <= ?`
	res, err := s.db.Conn().ExecContext(ctx, query, mustEncode(ClosedContext{}), now.UnixMilli(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire awaiting conversations: %w", err)
	}
	return res.RowsAffected()
}

// PruneMessages deletes messages written before now-olderThan. Older
// turns are never read back once they fall out of the history window.
func (s *Store) PruneMessages(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UnixMilli()
	res, err := s.db.Conn().ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) AppendMessage(ctx context.Context, conversationID string, role Role, content string) (Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return Message{}, fmt.Errorf("conversation_id is required")
	}
	if role != RoleUser && role != RoleAssistant {
		return Message{}, fmt.Errorf("invalid message role %q", role)
	}
	now := s.now()
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.UnixMilli(now.UnixMilli()),
	}
	query := `INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`
	res, err := s.db.Conn().ExecContext(ctx, query, msg.ID, conversationID, string(role), content, now.UnixMilli())
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		msg.Seq = seq
	}
	return msg, nil
}

// RecentMessages returns up to limit of the latest messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT seq, id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?`
	rows, err := s.db.Conn().QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m         Message
			role      string
			createdAt int64
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.ConversationID, &role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) scanOne(row *sql.Row) (Conversation, error) {
	var (
		c          Conversation
		state      string
		rawContext string
		closeAt    sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(&c.ID, &c.UserID, &state, &rawContext, &closeAt, &c.CloseJobID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	c.State = State(state)
	if closeAt.Valid {
		t := time.UnixMilli(closeAt.Int64)
		c.CloseAt = &t
	}
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	ctxValue, err := DecodeContext(rawContext)
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation %s: %w", c.ID, err)
	}
	c.Context = ctxValue
	return c, nil
}

func applied(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
