package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gymbook/internal/models"
)

const memberSelect = `SELECT id, username, email, role, is_demo, created_at FROM members`

type memberRow struct {
	ID        int64  `db:"id"`
	Username  string `db:"username"`
	Email     string `db:"email"`
	Role      string `db:"role"`
	IsDemo    bool   `db:"is_demo"`
	CreatedAt string `db:"created_at"`
}

func (r *memberRow) toModel() (*models.Member, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &models.Member{
		ID:        r.ID,
		Username:  r.Username,
		Email:     r.Email,
		Role:      models.Role(r.Role),
		IsDemo:    r.IsDemo,
		CreatedAt: created,
	}, nil
}

func (db *DB) getMember(ctx context.Context, where string, arg interface{}) (*models.Member, error) {
	var row memberRow
	err := db.GetContext(ctx, &row, memberSelect+" "+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return row.toModel()
}

func (db *DB) GetMember(ctx context.Context, id int64) (*models.Member, error) {
	return db.getMember(ctx, "WHERE id = ?", id)
}

func (db *DB) GetMemberByUsername(ctx context.Context, username string) (*models.Member, error) {
	return db.getMember(ctx, "WHERE username = ?", username)
}

func (db *DB) CreateMember(ctx context.Context, member *models.Member) error {
	if member.Role == "" {
		member.Role = models.RoleMember
	}
	if member.CreatedAt.IsZero() {
		member.CreatedAt = time.Now()
	}

	query := `INSERT INTO members (id, username, email, role, is_demo, created_at)
	          VALUES (NULLIF(?, 0), ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		member.ID, member.Username, member.Email, member.Role, member.IsDemo, formatTime(member.CreatedAt))
	if isUniqueViolation(err) {
		return ErrUsernameTaken
	}
	if err != nil {
		return fmt.Errorf("failed to create member: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	member.ID = id
	return nil
}

func (db *DB) ListMembers(ctx context.Context) ([]*models.Member, error) {
	var rows []memberRow
	if err := db.SelectContext(ctx, &rows, memberSelect+" ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	members := make([]*models.Member, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, nil
}
