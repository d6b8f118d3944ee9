package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gymbook/internal/domain"
	"gymbook/internal/models"

	"github.com/jmoiron/sqlx"
)

const bookingSelect = `SELECT b.id, b.member_id, b.training_class_id,
	       COALESCE(c.title, '') AS class_title, COALESCE(c.category, '') AS class_category,
	       b.booking_date, b.status, b.cancelled_by_member, b.attended,
	       b.created_at, b.updated_at, b.version
	FROM bookings b LEFT JOIN training_classes c ON c.id = b.training_class_id`

const occupancyQuery = `SELECT COUNT(*) FROM bookings
	WHERE training_class_id = ? AND booking_date = ? AND status IN (?, ?)`

const activeCountQuery = `SELECT COUNT(*) FROM bookings
	WHERE member_id = ? AND training_class_id = ? AND booking_date = ? AND status NOT IN (?, ?)`

type bookingRow struct {
	ID                int64  `db:"id"`
	MemberID          int64  `db:"member_id"`
	ClassID           int64  `db:"training_class_id"`
	ClassTitle        string `db:"class_title"`
	ClassCategory     string `db:"class_category"`
	BookingDate       string `db:"booking_date"`
	Status            string `db:"status"`
	CancelledByMember bool   `db:"cancelled_by_member"`
	Attended          bool   `db:"attended"`
	CreatedAt         string `db:"created_at"`
	UpdatedAt         string `db:"updated_at"`
	Version           int64  `db:"version"`
}

func (r *bookingRow) toModel() (*models.Booking, error) {
	date, err := time.Parse(dateLayout, r.BookingDate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse booking date %s: %w", r.BookingDate, err)
	}
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	updated, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &models.Booking{
		ID:                r.ID,
		MemberID:          r.MemberID,
		ClassID:           r.ClassID,
		ClassTitle:        r.ClassTitle,
		ClassCategory:     r.ClassCategory,
		Date:              date,
		Status:            models.BookingStatus(r.Status),
		CancelledByMember: r.CancelledByMember,
		Attended:          r.Attended,
		CreatedAt:         created,
		UpdatedAt:         updated,
		Version:           r.Version,
	}, nil
}

func toBookings(rows []bookingRow) ([]*models.Booking, error) {
	bookings := make([]*models.Booking, 0, len(rows))
	for i := range rows {
		b, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, nil
}

func (db *DB) selectBookings(ctx context.Context, where string, args ...interface{}) ([]*models.Booking, error) {
	var rows []bookingRow
	if err := db.SelectContext(ctx, &rows, bookingSelect+" "+where, args...); err != nil {
		return nil, err
	}
	return toBookings(rows)
}

func (db *DB) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	var row bookingRow
	err := db.GetContext(ctx, &row, bookingSelect+" WHERE b.id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return row.toModel()
}

// FindActiveBooking returns the member's non-terminal booking for the occurrence, or ErrNotFound.
func (db *DB) FindActiveBooking(ctx context.Context, memberID, classID int64, date time.Time) (*models.Booking, error) {
	var row bookingRow
	err := db.GetContext(ctx, &row,
		bookingSelect+` WHERE b.member_id = ? AND b.training_class_id = ? AND b.booking_date = ? AND b.status NOT IN (?, ?)`,
		memberID, classID, formatDate(date), models.StatusCancelled, models.StatusExpired)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active booking: %w", err)
	}
	return row.toModel()
}

// CountOccupancy counts CONFIRMED and WAITLISTED bookings of one occurrence.
func (db *DB) CountOccupancy(ctx context.Context, classID int64, date time.Time) (int, error) {
	var count int
	err := db.GetContext(ctx, &count, occupancyQuery,
		classID, formatDate(date), models.StatusConfirmed, models.StatusWaitlisted)
	if err != nil {
		return 0, fmt.Errorf("failed to count occupancy: %w", err)
	}
	return count, nil
}

// CreateBookingAdmitted checks for a duplicate, counts the occurrence and inserts
// the booking with the status chosen by admit, all inside one transaction.
func (db *DB) CreateBookingAdmitted(ctx context.Context, booking *models.Booking, admit domain.AdmitFunc) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	date := formatDate(booking.Date)

	var active int
	err = tx.GetContext(ctx, &active, activeCountQuery,
		booking.MemberID, booking.ClassID, date, models.StatusCancelled, models.StatusExpired)
	if err != nil {
		return fmt.Errorf("failed to check duplicate in tx: %w", err)
	}
	if active > 0 {
		return ErrDuplicateActive
	}

	var occupancy int
	err = tx.GetContext(ctx, &occupancy, occupancyQuery,
		booking.ClassID, date, models.StatusConfirmed, models.StatusWaitlisted)
	if err != nil {
		return fmt.Errorf("failed to count occupancy in tx: %w", err)
	}

	booking.Status = admit(occupancy)

	if err := insertBooking(ctx, tx, booking); err != nil {
		return err
	}
	return tx.Commit()
}

// CreatePendingBooking inserts a PENDING booking without any capacity check.
func (db *DB) CreatePendingBooking(ctx context.Context, booking *models.Booking) error {
	booking.Status = models.StatusPending
	return insertBooking(ctx, db, booking)
}

func insertBooking(ctx context.Context, exec sqlx.ExecerContext, booking *models.Booking) error {
	if booking.CreatedAt.IsZero() {
		booking.CreatedAt = time.Now()
	}
	booking.UpdatedAt = booking.CreatedAt
	booking.Version = 1

	query := `INSERT INTO bookings (
				member_id, training_class_id, status, booking_date,
				cancelled_by_member, attended, created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := exec.ExecContext(ctx, query,
		booking.MemberID,
		booking.ClassID,
		booking.Status,
		formatDate(booking.Date),
		booking.CancelledByMember,
		booking.Attended,
		formatTime(booking.CreatedAt),
		formatTime(booking.UpdatedAt),
		booking.Version,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateActive
	}
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	booking.ID = id
	return nil
}

// stamp is the updated_at value for a change made at at; zero means now.
func stamp(at time.Time) string {
	if at.IsZero() {
		at = time.Now()
	}
	return formatTime(at)
}

// UpdateBookingStatusWithVersion changes the status only if the row is still at version.
func (db *DB) UpdateBookingStatusWithVersion(ctx context.Context, id, version int64, status models.BookingStatus, cancelledByMember bool, at time.Time) error {
	query := `UPDATE bookings SET status = ?, cancelled_by_member = ?, version = version + 1, updated_at = ?
	          WHERE id = ? AND version = ?`
	result, err := db.ExecContext(ctx, query, status, cancelledByMember, stamp(at), id, version)
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// ExpirePendingBooking moves one booking to EXPIRED only if it is still PENDING.
func (db *DB) ExpirePendingBooking(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `UPDATE bookings SET status = ?, version = version + 1, updated_at = ?
	          WHERE id = ? AND status = ?`
	result, err := db.ExecContext(ctx, query, models.StatusExpired, stamp(at), id, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to expire booking %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows == 1, nil
}

func (db *DB) GetPendingBookingsBefore(ctx context.Context, threshold time.Time) ([]*models.Booking, error) {
	bookings, err := db.selectBookings(ctx, `WHERE b.status = ? AND b.created_at < ? ORDER BY b.created_at`,
		models.StatusPending, formatTime(threshold))
	if err != nil {
		return nil, fmt.Errorf("failed to get stale pending bookings: %w", err)
	}
	return bookings, nil
}

func (db *DB) SetAttended(ctx context.Context, id int64, attended bool, at time.Time) error {
	query := `UPDATE bookings SET attended = ?, version = version + 1, updated_at = ? WHERE id = ?`
	result, err := db.ExecContext(ctx, query, attended, stamp(at), id)
	if err != nil {
		return fmt.Errorf("failed to set attendance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) GetMemberBookings(ctx context.Context, memberID int64) ([]*models.Booking, error) {
	bookings, err := db.selectBookings(ctx, `WHERE b.member_id = ? ORDER BY b.booking_date DESC, c.start_time DESC`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to get member bookings: %w", err)
	}
	return bookings, nil
}

// GetClassBookings lists every booking of one occurrence in arrival order.
func (db *DB) GetClassBookings(ctx context.Context, classID int64, date time.Time) ([]*models.Booking, error) {
	bookings, err := db.selectBookings(ctx, `WHERE b.training_class_id = ? AND b.booking_date = ? ORDER BY b.created_at, b.id`,
		classID, formatDate(date))
	if err != nil {
		return nil, fmt.Errorf("failed to get class bookings: %w", err)
	}
	return bookings, nil
}

func (db *DB) GetBookingsByDateRange(ctx context.Context, start, end time.Time) ([]*models.Booking, error) {
	bookings, err := db.selectBookings(ctx, `WHERE b.booking_date >= ? AND b.booking_date <= ? ORDER BY b.booking_date, b.id`,
		formatDate(start), formatDate(end))
	if err != nil {
		return nil, fmt.Errorf("failed to get bookings by date range: %w", err)
	}
	return bookings, nil
}

// DeleteTerminalBookings removes CANCELLED and EXPIRED rows last touched before the cutoff.
func (db *DB) DeleteTerminalBookings(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM bookings WHERE status IN (?, ?) AND updated_at < ?`
	result, err := db.ExecContext(ctx, query, models.StatusCancelled, models.StatusExpired, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge bookings: %w", err)
	}
	return result.RowsAffected()
}
