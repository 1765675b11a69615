package users

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

type User struct {
	ID        string
	FullName  string
	Phone     string
	CreatedAt time.Time
}

// Store resolves channel accounts to users. One user may own accounts on
// several providers.
type Store struct {
	db  *db.DB
	now func() time.Time
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database, now: time.Now}
}

// FindOrCreateByAccount returns the user bound to (provider, externalID),
// creating both on first contact. A WhatsApp phone number already known for
// another account links the new account to that user.
func (s *Store) FindOrCreateByAccount(ctx context.Context, provider string, externalID string, name string, phone string) (User, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	externalID = strings.TrimSpace(externalID)
	if provider == "" || externalID == "" {
		return User{}, fmt.Errorf("provider and external_id are required")
	}

	if u, err := s.byAccount(ctx, provider, externalID); err == nil {
		return u, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return User{}, err
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	phone = strings.TrimSpace(phone)
	var userID string
	if phone != "" {
		err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE phone = ? LIMIT 1`, phone).Scan(&userID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
	}
	if userID == "" {
		userID = uuid.NewString()
		var phoneArg any
		if phone != "" {
			phoneArg = phone
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO users (id, full_name, phone, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			userID, strings.TrimSpace(name), phoneArg, now, now); err != nil {
			return User{}, fmt.Errorf("create user: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO accounts (provider, external_id, user_id, created_at) VALUES (?, ?, ?, ?) ON CONFLICT(provider, external_id) DO NOTHING`,
		provider, externalID, userID, now); err != nil {
		return User{}, fmt.Errorf("create account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, err
	}
	return s.byAccount(ctx, provider, externalID)
}

func (s *Store) byAccount(ctx context.Context, provider string, externalID string) (User, error) {
	query := `SELECT u.id, u.full_name, COALESCE(u.phone, ''), u.created_at FROM accounts a JOIN users u ON u.id = a.user_id WHERE a.provider = ? AND a.external_id = ?`
	var (
		u         User
		createdAt int64
	)
	if err := s.db.Conn().QueryRowContext(ctx, query, provider, externalID).Scan(&u.ID, &u.FullName, &u.Phone, &createdAt); err != nil {
		return User{}, err
	}
	u.CreatedAt = time.UnixMilli(createdAt)
	return u, nil
}
