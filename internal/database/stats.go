package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gymbook/internal/models"
)

func (db *DB) CountBookingsByStatus(ctx context.Context) (map[models.BookingStatus]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	if err := db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM bookings GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count bookings by status: %w", err)
	}

	counts := make(map[models.BookingStatus]int64, len(rows))
	for _, r := range rows {
		counts[models.BookingStatus(r.Status)] = r.N
	}
	return counts, nil
}

func (db *DB) CountCancelledByMember(ctx context.Context) (int64, error) {
	var n int64
	err := db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM bookings WHERE status = ? AND cancelled_by_member = 1`, models.StatusCancelled)
	if err != nil {
		return 0, fmt.Errorf("failed to count member cancellations: %w", err)
	}
	return n, nil
}

// MostPopularClass returns the title of the class with the most bookings.
// Ties go to the lowest class id. ok is false when nothing was booked.
func (db *DB) MostPopularClass(ctx context.Context) (title string, ok bool, err error) {
	query := `SELECT c.title FROM bookings b
	          JOIN training_classes c ON c.id = b.training_class_id
	          GROUP BY b.training_class_id
	          ORDER BY COUNT(*) DESC, b.training_class_id ASC
	          LIMIT 1`
	err = db.GetContext(ctx, &title, query)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to find most popular class: %w", err)
	}
	return title, true, nil
}

func (db *DB) ClassTotals(ctx context.Context) ([]models.ClassTotal, error) {
	query := `SELECT c.id AS class_id, c.title AS title, COUNT(b.id) AS bookings
	          FROM training_classes c
	          LEFT JOIN bookings b ON b.training_class_id = c.id
	          GROUP BY c.id
	          ORDER BY bookings DESC, c.id ASC`
	var totals []models.ClassTotal
	if err := db.SelectContext(ctx, &totals, query); err != nil {
		return nil, fmt.Errorf("failed to get class totals: %w", err)
	}
	return totals, nil
}

func (db *DB) CountMembers(ctx context.Context) (int64, error) {
	var n int64
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM members`); err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return n, nil
}

// CountActiveMembers counts members holding at least one booking of any status.
func (db *DB) CountActiveMembers(ctx context.Context) (int64, error) {
	var n int64
	query := `SELECT COUNT(*) FROM members m WHERE EXISTS (SELECT 1 FROM bookings b WHERE b.member_id = m.id)`
	if err := db.GetContext(ctx, &n, query); err != nil {
		return 0, fmt.Errorf("failed to count active members: %w", err)
	}
	return n, nil
}

// MostActiveMemberID returns 0 when there are no bookings.
func (db *DB) MostActiveMemberID(ctx context.Context) (int64, error) {
	var id int64
	query := `SELECT member_id FROM bookings GROUP BY member_id ORDER BY COUNT(*) DESC, member_id ASC LIMIT 1`
	err := db.GetContext(ctx, &id, query)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find most active member: %w", err)
	}
	return id, nil
}
