package domain

import (
	"context"
	"time"

	"gymbook/internal/models"
)

// AdmitFunc decides the status of a new booking from the current occupancy.
type AdmitFunc func(occupancy int) models.BookingStatus

type BookingRepository interface {
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	FindActiveBooking(ctx context.Context, memberID, classID int64, date time.Time) (*models.Booking, error)
	CountOccupancy(ctx context.Context, classID int64, date time.Time) (int, error)
	CreateBookingAdmitted(ctx context.Context, booking *models.Booking, admit AdmitFunc) error
	CreatePendingBooking(ctx context.Context, booking *models.Booking) error
	UpdateBookingStatusWithVersion(ctx context.Context, id, version int64, status models.BookingStatus, cancelledByMember bool, at time.Time) error
	ExpirePendingBooking(ctx context.Context, id int64, at time.Time) (bool, error)
	GetPendingBookingsBefore(ctx context.Context, threshold time.Time) ([]*models.Booking, error)
	SetAttended(ctx context.Context, id int64, attended bool, at time.Time) error
	GetMemberBookings(ctx context.Context, memberID int64) ([]*models.Booking, error)
	GetClassBookings(ctx context.Context, classID int64, date time.Time) ([]*models.Booking, error)
	GetBookingsByDateRange(ctx context.Context, start, end time.Time) ([]*models.Booking, error)
	DeleteTerminalBookings(ctx context.Context, before time.Time) (int64, error)
}

type ClassRepository interface {
	GetClass(ctx context.Context, id int64) (*models.TrainingClass, error)
	ListClasses(ctx context.Context) ([]*models.TrainingClass, error)
	GetClassesByTrainer(ctx context.Context, trainerID int64) ([]*models.TrainingClass, error)
	GetClassesWithTrainerOn(ctx context.Context, day time.Weekday) ([]*models.TrainingClass, error)
	SearchClasses(ctx context.Context, text string) ([]*models.TrainingClass, error)
	CreateClass(ctx context.Context, class *models.TrainingClass) error
	UpdateClass(ctx context.Context, class *models.TrainingClass) error
	DeleteClass(ctx context.Context, id int64) error
}

type MemberRepository interface {
	GetMember(ctx context.Context, id int64) (*models.Member, error)
	GetMemberByUsername(ctx context.Context, username string) (*models.Member, error)
	CreateMember(ctx context.Context, member *models.Member) error
	ListMembers(ctx context.Context) ([]*models.Member, error)
}

type StatsRepository interface {
	CountBookingsByStatus(ctx context.Context) (map[models.BookingStatus]int64, error)
	CountCancelledByMember(ctx context.Context) (int64, error)
	MostPopularClass(ctx context.Context) (string, bool, error)
	ClassTotals(ctx context.Context) ([]models.ClassTotal, error)
	CountMembers(ctx context.Context) (int64, error)
	CountActiveMembers(ctx context.Context) (int64, error)
	MostActiveMemberID(ctx context.Context) (int64, error)
}

// ClassCatalog is the read side of the catalog the ledger depends on.
type ClassCatalog interface {
	GetClass(ctx context.Context, id int64) (*models.TrainingClass, error)
}

// MemberDirectory resolves member identity and the demo flag.
type MemberDirectory interface {
	GetMember(ctx context.Context, id int64) (*models.Member, error)
	IsDemoUser(ctx context.Context, memberID int64) bool
}

// Notifier delivers a message best-effort. Callers log and drop errors.
type Notifier interface {
	Notify(ctx context.Context, recipient, subject, body string) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// SyncWorker mirrors booking changes to the external roster sheet.
type SyncWorker interface {
	EnqueueTask(ctx context.Context, taskType string, booking *models.Booking) error
}

type RateLimitStore interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
