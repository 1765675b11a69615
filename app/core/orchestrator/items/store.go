package items

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lembra/app/core/orchestrator/db"
	"lembra/app/pkg/textnorm"
)

const (
	TypeMovie = "movie"
	TypeNote  = "note"
	TypeLink  = "link"
	TypeVideo = "video"
)

func ValidType(t string) bool {
	switch t {
	case TypeMovie, TypeNote, TypeLink, TypeVideo:
		return true
	}
	return false
}

type Item struct {
	ID         string
	UserID     string
	Type       string
	Title      string
	ExternalID string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Year reads the release year recorded for catalog items, 0 when unknown.
func (i Item) Year() int {
	switch v := i.Metadata["year"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

type Store struct {
	db  *db.DB
	now func() time.Time
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database, now: time.Now}
}

func (s *Store) Create(ctx context.Context, item Item) (Item, error) {
	item.UserID = strings.TrimSpace(item.UserID)
	if item.UserID == "" {
		return Item{}, fmt.Errorf("user_id is required")
	}
	if !ValidType(item.Type) {
		return Item{}, fmt.Errorf("invalid item type %q", item.Type)
	}
	item.Title = strings.TrimSpace(item.Title)
	if item.Title == "" {
		return Item{}, fmt.Errorf("title is required")
	}
	if item.Metadata == nil {
		item.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(item.Metadata)
	if err != nil {
		return Item{}, fmt.Errorf("encode metadata: %w", err)
	}
	item.ID = uuid.NewString()
	item.CreatedAt = time.UnixMilli(s.now().UnixMilli())

	query := `INSERT INTO items (id, user_id, type, title, external_id, metadata, search_text, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	var externalID any
	if item.ExternalID != "" {
		externalID = item.ExternalID
	}
	if _, err := s.db.Conn().ExecContext(ctx, query, item.ID, item.UserID, item.Type, item.Title, externalID, string(meta), searchText(item), item.CreatedAt.UnixMilli()); err != nil {
		return Item{}, fmt.Errorf("create item: %w", err)
	}
	return item, nil
}

// Search lists the user's items, newest first. An empty query lists all.
func (s *Store) Search(ctx context.Context, userID string, query string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 20
	}
	base := `SELECT id, user_id, type, title, COALESCE(external_id, ''), metadata, created_at FROM items WHERE user_id = ?`
	args := []any{userID}
	for _, term := range strings.Fields(textnorm.Fold(query)) {
		base += ` AND search_text LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(term)+"%")
	}
	base += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Conn().QueryContext(ctx, base, args...)
	if err != nil {
		return nil, fmt.Errorf("search items: %w", err)
	}
	defer rows.Close()

	out := make([]Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, userID string, id string) (Item, error) {
	row := s.db.Conn().QueryRowContext(ctx, `SELECT id, user_id, type, title, COALESCE(external_id, ''), metadata, created_at FROM items WHERE user_id = ? AND id = ?`, userID, id)
	return scanItem(row)
}

// Delete removes one item owned by userID. It reports false when no such
// item exists.
func (s *Store) Delete(ctx context.Context, userID string, id string) (bool, error) {
	res, err := s.db.Conn().ExecContext(ctx, `DELETE FROM items WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) DeleteAll(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.Conn().ExecContext(ctx, `DELETE FROM items WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete all items: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.Conn().QueryRowContext(ctx, `SELECT COUNT(1) FROM items WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (Item, error) {
	var (
		item      Item
		meta      string
		createdAt int64
	)
	if err := row.Scan(&item.ID, &item.UserID, &item.Type, &item.Title, &item.ExternalID, &meta, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return Item{}, err
		}
		return Item{}, fmt.Errorf("scan item: %w", err)
	}
	item.CreatedAt = time.UnixMilli(createdAt)
	item.Metadata = map[string]any{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &item.Metadata); err != nil {
			return Item{}, fmt.Errorf("decode item %s metadata: %w", item.ID, err)
		}
	}
	return item, nil
}

func searchText(item Item) string {
	parts := []string{item.Title}
	if content, ok := item.Metadata["full_content"].(string); ok {
		parts = append(parts, content)
	}
	if u, ok := item.Metadata["url"].(string); ok {
		parts = append(parts, u)
	}
	return textnorm.Fold(strings.Join(parts, " "))
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
