package models

import (
	"fmt"
	"strings"
	"time"
)

type BookingStatus string

const (
	StatusPending    BookingStatus = "PENDING"
	StatusConfirmed  BookingStatus = "CONFIRMED"
	StatusWaitlisted BookingStatus = "WAITLISTED"
	StatusCancelled  BookingStatus = "CANCELLED"
	StatusExpired    BookingStatus = "EXPIRED"
)

// PendingTTL is how long a booking may stay PENDING before the sweep expires it.
const PendingTTL = 30 * time.Minute

// DateLayout is the storage and wire format of a booking date.
const DateLayout = "2006-01-02"

// OccupyingStatuses count toward the capacity of an occurrence.
var OccupyingStatuses = []BookingStatus{StatusConfirmed, StatusWaitlisted}

// TerminalStatuses never transition again.
var TerminalStatuses = []BookingStatus{StatusCancelled, StatusExpired}

func (s BookingStatus) IsTerminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

func (s BookingStatus) OccupiesSlot() bool {
	return s == StatusConfirmed || s == StatusWaitlisted
}

func (s BookingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusWaitlisted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

func ParseBookingStatus(raw string) (BookingStatus, error) {
	s := BookingStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown booking status %q", raw)
	}
	return s, nil
}

type Booking struct {
	ID                int64         `json:"id"`
	MemberID          int64         `json:"member_id"`
	ClassID           int64         `json:"class_id"`
	ClassTitle        string        `json:"class_title,omitempty"`
	ClassCategory     string        `json:"class_category,omitempty"`
	Date              time.Time     `json:"date"`
	Status            BookingStatus `json:"status"`
	CancelledByMember bool          `json:"cancelled_by_member"`
	Attended          bool          `json:"attended"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	Version           int64         `json:"version"`
	// Simulated is set on results produced for demo accounts; nothing was stored.
	Simulated bool `json:"simulated,omitempty"`
}

// IsActive reports whether the booking still holds its (member, class, date) slot.
func (b *Booking) IsActive() bool {
	return !b.Status.IsTerminal()
}

// IsExpired reports whether a PENDING booking has outlived PendingTTL at now.
func (b *Booking) IsExpired(now time.Time) bool {
	return b.Status == StatusPending && b.CreatedAt.Before(now.Add(-PendingTTL))
}

func (b *Booking) DateString() string {
	return b.Date.Format(DateLayout)
}
