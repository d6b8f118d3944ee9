package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gymbook/internal/models"
)

const classSelect = `SELECT id, title, description, category, day_of_week, start_time, end_time,
	       trainer_id, max_capacity, status, created_at, updated_at
	FROM training_classes`

type classRow struct {
	ID          int64         `db:"id"`
	Title       string        `db:"title"`
	Description string        `db:"description"`
	Category    string        `db:"category"`
	DayOfWeek   int           `db:"day_of_week"`
	StartTime   string        `db:"start_time"`
	EndTime     string        `db:"end_time"`
	TrainerID   sql.NullInt64 `db:"trainer_id"`
	MaxCapacity int           `db:"max_capacity"`
	Status      string        `db:"status"`
	CreatedAt   string        `db:"created_at"`
	UpdatedAt   string        `db:"updated_at"`
}

func (r *classRow) toModel() (*models.TrainingClass, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	updated, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c := &models.TrainingClass{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Category:    r.Category,
		DayOfWeek:   time.Weekday(r.DayOfWeek),
		StartTime:   models.TimeOfDay(r.StartTime),
		EndTime:     models.TimeOfDay(r.EndTime),
		MaxCapacity: r.MaxCapacity,
		Status:      models.ClassStatus(r.Status),
		CreatedAt:   created,
		UpdatedAt:   updated,
	}
	if r.TrainerID.Valid {
		id := r.TrainerID.Int64
		c.TrainerID = &id
	}
	return c, nil
}

func (db *DB) selectClasses(ctx context.Context, where string, args ...interface{}) ([]*models.TrainingClass, error) {
	var rows []classRow
	if err := db.SelectContext(ctx, &rows, classSelect+" "+where, args...); err != nil {
		return nil, err
	}
	classes := make([]*models.TrainingClass, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		classes = append(classes, c)
	}
	return classes, nil
}

func (db *DB) GetClass(ctx context.Context, id int64) (*models.TrainingClass, error) {
	var row classRow
	err := db.GetContext(ctx, &row, classSelect+" WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get class: %w", err)
	}
	return row.toModel()
}

func (db *DB) ListClasses(ctx context.Context) ([]*models.TrainingClass, error) {
	classes, err := db.selectClasses(ctx, "ORDER BY day_of_week, start_time, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	return classes, nil
}

func (db *DB) GetClassesByTrainer(ctx context.Context, trainerID int64) ([]*models.TrainingClass, error) {
	classes, err := db.selectClasses(ctx, "WHERE trainer_id = ? ORDER BY day_of_week, start_time", trainerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get classes by trainer: %w", err)
	}
	return classes, nil
}

// GetClassesWithTrainerOn lists active classes on the weekday that have a trainer assigned.
func (db *DB) GetClassesWithTrainerOn(ctx context.Context, day time.Weekday) ([]*models.TrainingClass, error) {
	classes, err := db.selectClasses(ctx,
		"WHERE day_of_week = ? AND trainer_id IS NOT NULL AND status = ? ORDER BY start_time, id",
		int(day), models.ClassActive)
	if err != nil {
		return nil, fmt.Errorf("failed to get classes for weekday: %w", err)
	}
	return classes, nil
}

// SearchClasses matches text case-insensitively against title and description.
func (db *DB) SearchClasses(ctx context.Context, text string) ([]*models.TrainingClass, error) {
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(text))) + "%"
	classes, err := db.selectClasses(ctx,
		`WHERE LOWER(title) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\' ORDER BY title, id`,
		pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to search classes: %w", err)
	}
	return classes, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// CreateClass inserts the class. A non-zero ID is kept, which is how seeded classes get stable ids.
func (db *DB) CreateClass(ctx context.Context, class *models.TrainingClass) error {
	now := time.Now()
	if class.Status == "" {
		class.Status = models.ClassActive
	}

	query := `INSERT INTO training_classes (
				id, title, description, category, day_of_week, start_time, end_time,
				trainer_id, max_capacity, status, created_at, updated_at
			) VALUES (NULLIF(?, 0), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		class.ID,
		class.Title,
		class.Description,
		class.Category,
		int(class.DayOfWeek),
		string(class.StartTime),
		string(class.EndTime),
		nullableID(class.TrainerID),
		class.MaxCapacity,
		class.Status,
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create class: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	class.ID = id
	class.CreatedAt = now
	class.UpdatedAt = now
	return nil
}

func (db *DB) UpdateClass(ctx context.Context, class *models.TrainingClass) error {
	now := time.Now()
	query := `UPDATE training_classes SET
				title = ?, description = ?, category = ?, day_of_week = ?, start_time = ?, end_time = ?,
				trainer_id = ?, max_capacity = ?, status = ?, updated_at = ?
			WHERE id = ?`
	result, err := db.ExecContext(ctx, query,
		class.Title,
		class.Description,
		class.Category,
		int(class.DayOfWeek),
		string(class.StartTime),
		string(class.EndTime),
		nullableID(class.TrainerID),
		class.MaxCapacity,
		class.Status,
		formatTime(now),
		class.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update class: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	class.UpdatedAt = now
	return nil
}

// DeleteClass removes the class; its bookings go with it via ON DELETE CASCADE.
func (db *DB) DeleteClass(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM training_classes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete class: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil || *id <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}
