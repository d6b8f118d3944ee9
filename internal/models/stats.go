package models

import "time"

type BookingStats struct {
	Total             int64  `json:"total"`
	Confirmed         int64  `json:"confirmed"`
	Waitlisted        int64  `json:"waitlisted"`
	Cancelled         int64  `json:"cancelled"`
	CancelledByMember int64  `json:"cancelled_by_member"`
	Pending           int64  `json:"pending"`
	Expired           int64  `json:"expired"`
	MostPopularClass  string `json:"most_popular_class"`
	// Utilization is confirmed / (confirmed + waitlisted), as a decimal string.
	Utilization string `json:"utilization"`
}

type Breakdown struct {
	Window           string           `json:"window"`
	From             string           `json:"from"`
	To               string           `json:"to"`
	Total            int64            `json:"total"`
	ByWeekday        map[string]int64 `json:"by_weekday"`
	ByCategory       map[string]int64 `json:"by_category"`
	BusiestDay       string           `json:"busiest_day"`
	CancellationRate string           `json:"cancellation_rate"`
}

type MembershipStats struct {
	MemberID        int64  `json:"member_id"`
	TotalConfirmed  int    `json:"total_confirmed"`
	MostBookedClass string `json:"most_booked_class"`
	// AvgSessionsPerWeek is confirmed sessions per week of membership, as a decimal string.
	AvgSessionsPerWeek string         `json:"avg_sessions_per_week"`
	CurrentStreak      int            `json:"current_streak"`
	CategoryBreakdown  map[string]int `json:"category_breakdown"`
	MonthlyTrend       map[string]int `json:"monthly_trend"`
	MemberSince        *time.Time     `json:"member_since,omitempty"`
}

type MemberStats struct {
	TotalMembers       int64 `json:"total_members"`
	ActiveMembers      int64 `json:"active_members"`
	InactiveMembers    int64 `json:"inactive_members"`
	MostActiveMemberID int64 `json:"most_active_member_id"`
}

type ClassTotal struct {
	ClassID  int64  `json:"class_id" db:"class_id"`
	Title    string `json:"title" db:"title"`
	Bookings int64  `json:"bookings" db:"bookings"`
}

// ExpiryReport summarizes one pass of the stale PENDING sweep.
type ExpiryReport struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}
