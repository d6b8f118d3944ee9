package service

import (
	"context"
	"fmt"
	"time"

	"gymbook/internal/domain"
	"gymbook/internal/models"

	"github.com/shopspring/decimal"
)

// uncategorized labels classes without a category in breakdowns.
const uncategorized = "uncategorized"

// weekdayOrder is Monday first; busiest-day ties go to the earlier day.
var weekdayOrder = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday,
}

// StatsService derives read-only reports from ledger state.
type StatsService struct {
	stats    domain.StatsRepository
	bookings domain.BookingRepository
	members  domain.MemberRepository
	loc      *time.Location
	now      func() time.Time
}

func NewStatsService(stats domain.StatsRepository, bookings domain.BookingRepository, members domain.MemberRepository, loc *time.Location) *StatsService {
	if loc == nil {
		loc = time.Local
	}
	return &StatsService{
		stats:    stats,
		bookings: bookings,
		members:  members,
		loc:      loc,
		now:      time.Now,
	}
}

func (s *StatsService) WithClock(now func() time.Time) *StatsService {
	s.now = now
	return s
}

func (s *StatsService) today() time.Time {
	return s.calendarDay(s.now().In(s.loc))
}

// calendarDay re-anchors a stored date on the gym's time zone.
func (s *StatsService) calendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

func ratio(part, whole int64) string {
	if whole == 0 {
		return decimal.Zero.StringFixed(2)
	}
	return decimal.NewFromInt(part).Div(decimal.NewFromInt(whole)).StringFixed(2)
}

func (s *StatsService) BookingStats(ctx context.Context) (*models.BookingStats, error) {
	counts, err := s.stats.CountBookingsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count bookings: %w", err)
	}
	byMember, err := s.stats.CountCancelledByMember(ctx)
	if err != nil {
		return nil, fmt.Errorf("count member cancellations: %w", err)
	}
	popular, ok, err := s.stats.MostPopularClass(ctx)
	if err != nil {
		return nil, fmt.Errorf("most popular class: %w", err)
	}
	if !ok {
		popular = models.NoClassesBooked
	}

	out := &models.BookingStats{
		Confirmed:         counts[models.StatusConfirmed],
		Waitlisted:        counts[models.StatusWaitlisted],
		Cancelled:         counts[models.StatusCancelled],
		CancelledByMember: byMember,
		Pending:           counts[models.StatusPending],
		Expired:           counts[models.StatusExpired],
		MostPopularClass:  popular,
	}
	for _, n := range counts {
		out.Total += n
	}
	out.Utilization = ratio(out.Confirmed, out.Confirmed+out.Waitlisted)
	return out, nil
}

// Breakdown counts bookings dated within the rolling window that ends today.
func (s *StatsService) Breakdown(ctx context.Context, window string) (*models.Breakdown, error) {
	days, ok := models.WindowDays(window)
	if !ok {
		return nil, fmt.Errorf("%w: unknown window %q", domain.ErrValidation, window)
	}
	to := s.today()
	from := to.AddDate(0, 0, -(days - 1))

	bookings, err := s.bookings.GetBookingsByDateRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("bookings in window: %w", err)
	}

	out := &models.Breakdown{
		Window:     window,
		From:       from.Format(models.DateLayout),
		To:         to.Format(models.DateLayout),
		Total:      int64(len(bookings)),
		ByWeekday:  make(map[string]int64, len(weekdayOrder)),
		ByCategory: make(map[string]int64),
	}
	for _, d := range weekdayOrder {
		out.ByWeekday[d.String()] = 0
	}

	var cancelled int64
	for _, b := range bookings {
		out.ByWeekday[b.Date.Weekday().String()]++
		category := b.ClassCategory
		if category == "" {
			category = uncategorized
		}
		out.ByCategory[category]++
		if b.Status == models.StatusCancelled {
			cancelled++
		}
	}

	var best int64
	for _, d := range weekdayOrder {
		if n := out.ByWeekday[d.String()]; n > best {
			best = n
			out.BusiestDay = d.String()
		}
	}
	out.CancellationRate = ratio(cancelled, out.Total)
	return out, nil
}

// MembershipStats summarises one member's CONFIRMED bookings.
func (s *StatsService) MembershipStats(ctx context.Context, memberID int64) (*models.MembershipStats, error) {
	member, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("member %d: %w", memberID, mapStoreError(err))
	}
	all, err := s.bookings.GetMemberBookings(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("member bookings: %w", err)
	}

	today := s.today()
	trendFrom := today.AddDate(0, -models.TrendMonths, 0)

	out := &models.MembershipStats{
		MemberID:          memberID,
		MostBookedClass:   models.NoClassesBooked,
		CategoryBreakdown: make(map[string]int),
		MonthlyTrend:      make(map[string]int),
	}
	if !member.CreatedAt.IsZero() {
		since := member.CreatedAt
		out.MemberSince = &since
	}

	perClass := make(map[int64]int)
	titles := make(map[int64]string)
	weeks := make(map[[2]int]bool)
	for _, b := range all {
		if b.Status != models.StatusConfirmed {
			continue
		}
		out.TotalConfirmed++

		perClass[b.ClassID]++
		titles[b.ClassID] = b.ClassTitle

		category := b.ClassCategory
		if category == "" {
			category = uncategorized
		}
		out.CategoryBreakdown[category]++

		day := s.calendarDay(b.Date)
		year, week := day.ISOWeek()
		weeks[[2]int{year, week}] = true

		if day.After(trendFrom) {
			out.MonthlyTrend[day.Format("2006-01")]++
		}
	}

	var bestID int64
	best := 0
	for id, n := range perClass {
		if n > best || (n == best && id < bestID) {
			bestID, best = id, n
		}
	}
	if best > 0 {
		out.MostBookedClass = titles[bestID]
	}

	out.CurrentStreak = isoWeekStreak(weeks, today)
	out.AvgSessionsPerWeek = s.avgPerWeek(out.TotalConfirmed, member.CreatedAt, today)
	return out, nil
}

// isoWeekStreak counts consecutive ISO weeks present in weeks, going back from the week of today.
func isoWeekStreak(weeks map[[2]int]bool, today time.Time) int {
	streak := 0
	for cursor := today; ; cursor = cursor.AddDate(0, 0, -7) {
		year, week := cursor.ISOWeek()
		if !weeks[[2]int{year, week}] {
			return streak
		}
		streak++
	}
}

func (s *StatsService) avgPerWeek(total int, memberSince, today time.Time) string {
	avg := decimal.NewFromInt(int64(total))
	if !memberSince.IsZero() {
		weeks := int64(today.Sub(s.calendarDay(memberSince.In(s.loc))).Hours() / 24 / 7)
		if weeks > 0 {
			avg = avg.Div(decimal.NewFromInt(weeks))
		}
	}
	return avg.StringFixed(2)
}

func (s *StatsService) MemberStats(ctx context.Context) (*models.MemberStats, error) {
	total, err := s.stats.CountMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("count members: %w", err)
	}
	active, err := s.stats.CountActiveMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active members: %w", err)
	}
	mostActive, err := s.stats.MostActiveMemberID(ctx)
	if err != nil {
		return nil, fmt.Errorf("most active member: %w", err)
	}
	return &models.MemberStats{
		TotalMembers:       total,
		ActiveMembers:      active,
		InactiveMembers:    total - active,
		MostActiveMemberID: mostActive,
	}, nil
}

func (s *StatsService) ClassTotals(ctx context.Context) ([]models.ClassTotal, error) {
	return s.stats.ClassTotals(ctx)
}
