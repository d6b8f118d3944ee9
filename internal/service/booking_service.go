package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gymbook/internal/database"
	"gymbook/internal/domain"
	"gymbook/internal/events"
	"gymbook/internal/metrics"
	"gymbook/internal/models"

	"github.com/rs/zerolog"
)

// DefaultNotifyTimeout bounds one notification delivery.
const DefaultNotifyTimeout = 10 * time.Second

const (
	ScopeUpcoming = "upcoming"
	ScopePast     = "past"
	ScopeAll      = "all"
)

// BookingService is the booking ledger: admission, transitions and the expiry sweep.
type BookingService struct {
	bookings   domain.BookingRepository
	catalog    domain.ClassCatalog
	members    domain.MemberDirectory
	notifier   domain.Notifier
	eventBus   domain.EventPublisher
	syncWorker domain.SyncWorker
	locks      *KeyedMutex
	loc        *time.Location
	now        func() time.Time
	logger     zerolog.Logger

	notifyTimeout time.Duration
	inflight      sync.WaitGroup
}

func NewBookingService(
	bookings domain.BookingRepository,
	catalog domain.ClassCatalog,
	members domain.MemberDirectory,
	notifier domain.Notifier,
	eventBus domain.EventPublisher,
	syncWorker domain.SyncWorker,
	loc *time.Location,
	logger *zerolog.Logger,
) *BookingService {
	if loc == nil {
		loc = time.Local
	}
	return &BookingService{
		bookings:   bookings,
		catalog:    catalog,
		members:    members,
		notifier:   notifier,
		eventBus:   eventBus,
		syncWorker: syncWorker,
		locks:      NewKeyedMutex(),
		loc:        loc,
		now:        time.Now,
		logger:     logger.With().Str("component", "ledger").Logger(),

		notifyTimeout: DefaultNotifyTimeout,
	}
}

// WithClock replaces the time source.
func (s *BookingService) WithClock(now func() time.Time) *BookingService {
	s.now = now
	return s
}

// WithNotifyTimeout bounds each notification delivery. Non-positive keeps the default.
func (s *BookingService) WithNotifyTimeout(d time.Duration) *BookingService {
	if d > 0 {
		s.notifyTimeout = d
	}
	return s
}

// Drain waits for notifications still being delivered.
func (s *BookingService) Drain() {
	s.inflight.Wait()
}

// Location is the gym's time zone used for dates and start times.
func (s *BookingService) Location() *time.Location {
	return s.loc
}

// Today is the current calendar day in the gym's time zone.
func (s *BookingService) Today() time.Time {
	return s.day(s.now().In(s.loc))
}

func (s *BookingService) day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

func occurrenceKey(classID int64, day time.Time) string {
	return strconv.FormatInt(classID, 10) + "|" + day.Format(models.DateLayout)
}

// Create admits a booking as CONFIRMED or WAITLISTED.
func (s *BookingService) Create(ctx context.Context, memberID, classID int64, date time.Time, isDemo bool) (*models.Booking, error) {
	start := time.Now()
	defer metrics.ObserveCreate(start)

	booking, err := s.create(ctx, memberID, classID, date, isDemo)
	if err != nil {
		metrics.IncAdmission(outcomeOf(err))
		return nil, err
	}
	metrics.IncAdmission(string(booking.Status))
	return booking, nil
}

func (s *BookingService) create(ctx context.Context, memberID, classID int64, date time.Time, isDemo bool) (*models.Booking, error) {
	class, err := s.catalog.GetClass(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("class %d: %w", classID, mapStoreError(err))
	}

	day := s.day(date)
	if isDemo {
		return s.simulated(memberID, class, day, models.StatusConfirmed), nil
	}

	member, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("member %d: %w", memberID, mapStoreError(err))
	}

	if err := s.checkSchedule(class, day); err != nil {
		return nil, err
	}

	booking := &models.Booking{
		MemberID:  memberID,
		ClassID:   class.ID,
		Date:      day,
		CreatedAt: s.now(),
	}
	if err := s.admit(ctx, booking, class); err != nil {
		return nil, fmt.Errorf("create booking: %w", mapStoreError(err))
	}
	booking.ClassTitle = class.Title
	booking.ClassCategory = class.Category

	s.logger.Info().
		Int64("booking_id", booking.ID).
		Int64("member_id", memberID).
		Int64("class_id", class.ID).
		Str("date", booking.DateString()).
		Str("status", string(booking.Status)).
		Msg("booking created")

	s.afterChange(ctx, booking, member, events.EventBookingCreated, models.SyncTaskUpsert)
	return booking, nil
}

// admit holds the occurrence lock only for the admission transaction.
func (s *BookingService) admit(ctx context.Context, booking *models.Booking, class *models.TrainingClass) error {
	unlock := s.locks.Lock(occurrenceKey(class.ID, booking.Date))
	defer unlock()

	return s.bookings.CreateBookingAdmitted(ctx, booking, func(occupancy int) models.BookingStatus {
		return Admit(occupancy, class.MaxCapacity)
	})
}

// checkSchedule rejects a date the class does not run on, or an occurrence that already began.
// Booking exactly at the start time is allowed.
func (s *BookingService) checkSchedule(class *models.TrainingClass, day time.Time) error {
	if !class.IsActive() {
		return fmt.Errorf("%w: class cancelled", domain.ErrSchedulingConflict)
	}
	if day.Weekday() != class.DayOfWeek {
		return fmt.Errorf("%w: class not on this day", domain.ErrSchedulingConflict)
	}

	now := s.now().In(s.loc)
	today := s.day(now)
	if day.Before(today) {
		return fmt.Errorf("%w: class already started", domain.ErrSchedulingConflict)
	}
	if day.Equal(today) {
		startsAt, err := class.StartsAt(day)
		if err != nil {
			return fmt.Errorf("class %d: %w", class.ID, err)
		}
		if startsAt.Before(now) {
			return fmt.Errorf("%w: class already started", domain.ErrSchedulingConflict)
		}
	}
	return nil
}

// CreatePending is the legacy direct path: no capacity or schedule checks, result is PENDING.
func (s *BookingService) CreatePending(ctx context.Context, memberID, classID int64, date time.Time, isDemo bool) (*models.Booking, error) {
	class, err := s.catalog.GetClass(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("class %d: %w", classID, mapStoreError(err))
	}

	day := s.day(date)
	if isDemo {
		return s.simulated(memberID, class, day, models.StatusPending), nil
	}

	member, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("member %d: %w", memberID, mapStoreError(err))
	}

	booking := &models.Booking{
		MemberID:  memberID,
		ClassID:   class.ID,
		Date:      day,
		CreatedAt: s.now(),
	}
	if err := s.insertPending(ctx, booking); err != nil {
		return nil, err
	}
	booking.ClassTitle = class.Title
	booking.ClassCategory = class.Category
	metrics.IncAdmission(string(models.StatusPending))

	s.afterChange(ctx, booking, member, events.EventBookingCreated, models.SyncTaskUpsert)
	return booking, nil
}

func (s *BookingService) insertPending(ctx context.Context, booking *models.Booking) error {
	unlock := s.locks.Lock(occurrenceKey(booking.ClassID, booking.Date))
	defer unlock()

	if _, err := s.bookings.FindActiveBooking(ctx, booking.MemberID, booking.ClassID, booking.Date); err == nil {
		return domain.ErrDuplicateBooking
	} else if !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("check duplicate: %w", err)
	}
	if err := s.bookings.CreatePendingBooking(ctx, booking); err != nil {
		return fmt.Errorf("create pending booking: %w", mapStoreError(err))
	}
	return nil
}

// Confirm moves a PENDING booking to CONFIRMED.
func (s *BookingService) Confirm(ctx context.Context, bookingID int64, isDemo bool) (*models.Booking, error) {
	booking, err := s.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: cannot confirm %s booking", domain.ErrInvalidState, booking.Status)
	}
	if isDemo {
		booking.Status = models.StatusConfirmed
		booking.Simulated = true
		return booking, nil
	}

	if err := s.transition(ctx, booking, models.StatusConfirmed, false); err != nil {
		return nil, fmt.Errorf("confirm booking %d: %w", bookingID, mapStoreError(err))
	}

	s.afterChange(ctx, booking, s.lookupMember(ctx, booking.MemberID), events.EventBookingConfirmed, models.SyncTaskUpdateStatus)
	return booking, nil
}

// Cancel moves a non-terminal booking to CANCELLED. Cancelling a CANCELLED booking
// returns it unchanged; an EXPIRED booking cannot be cancelled.
func (s *BookingService) Cancel(ctx context.Context, bookingID int64, byMember, isDemo bool) (*models.Booking, error) {
	booking, err := s.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch booking.Status {
	case models.StatusCancelled:
		return booking, nil
	case models.StatusExpired:
		return nil, fmt.Errorf("%w: cannot cancel expired booking", domain.ErrInvalidState)
	}
	if isDemo {
		booking.Status = models.StatusCancelled
		booking.CancelledByMember = byMember
		booking.Simulated = true
		return booking, nil
	}

	if err := s.transition(ctx, booking, models.StatusCancelled, byMember); err != nil {
		return nil, fmt.Errorf("cancel booking %d: %w", bookingID, mapStoreError(err))
	}

	s.afterChange(ctx, booking, s.lookupMember(ctx, booking.MemberID), events.EventBookingCancelled, models.SyncTaskUpdateStatus)
	return booking, nil
}

func (s *BookingService) transition(ctx context.Context, booking *models.Booking, to models.BookingStatus, byMember bool) error {
	now := s.now()
	if err := s.bookings.UpdateBookingStatusWithVersion(ctx, booking.ID, booking.Version, to, byMember, now); err != nil {
		return err
	}
	booking.Status = to
	booking.CancelledByMember = byMember
	booking.Version++
	booking.UpdatedAt = now
	metrics.IncTransition(string(to))
	return nil
}

// ExpireStalePending runs one sweep. Each row is expired with its own compare-and-set,
// so rows confirmed or cancelled meanwhile are skipped and a failing row does not stop the rest.
func (s *BookingService) ExpireStalePending(ctx context.Context) (models.ExpiryReport, error) {
	var report models.ExpiryReport

	now := s.now()
	threshold := now.Add(-models.PendingTTL)
	stale, err := s.bookings.GetPendingBookingsBefore(ctx, threshold)
	if err != nil {
		return report, fmt.Errorf("list stale pending bookings: %w", err)
	}
	report.Scanned = len(stale)

	for _, b := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		ok, err := s.bookings.ExpirePendingBooking(ctx, b.ID, now)
		if err != nil {
			report.Failed++
			s.logger.Error().Err(err).Int64("booking_id", b.ID).Msg("failed to expire booking")
			continue
		}
		if !ok {
			continue
		}
		report.Expired++
		b.Status = models.StatusExpired
		b.Version++
		b.UpdatedAt = now
		metrics.IncTransition(string(models.StatusExpired))
		s.publishEvent(events.EventBookingExpired, b, "system")
		s.enqueueSync(ctx, b, models.SyncTaskUpdateStatus)
	}

	metrics.AddSweep(report.Expired, report.Failed)
	if report.Scanned > 0 {
		s.logger.Info().
			Int("scanned", report.Scanned).
			Int("expired", report.Expired).
			Int("failed", report.Failed).
			Msg("expiry sweep finished")
	}
	return report, nil
}

// MarkAttended records post-class attendance on a CONFIRMED booking.
func (s *BookingService) MarkAttended(ctx context.Context, bookingID int64, attended, isDemo bool) (*models.Booking, error) {
	booking, err := s.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status != models.StatusConfirmed {
		return nil, fmt.Errorf("%w: attendance requires a confirmed booking", domain.ErrInvalidState)
	}
	booking.Attended = attended
	if isDemo {
		booking.Simulated = true
		return booking, nil
	}

	now := s.now()
	if err := s.bookings.SetAttended(ctx, bookingID, attended, now); err != nil {
		return nil, fmt.Errorf("mark attendance: %w", mapStoreError(err))
	}
	booking.Version++
	booking.UpdatedAt = now
	s.publishEvent(events.EventBookingAttendance, booking, "trainer")
	return booking, nil
}

func (s *BookingService) Get(ctx context.Context, bookingID int64) (*models.Booking, error) {
	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("booking %d: %w", bookingID, mapStoreError(err))
	}
	return booking, nil
}

// ListForMember returns the member's bookings. scope is upcoming, past or all.
func (s *BookingService) ListForMember(ctx context.Context, memberID int64, scope string) ([]*models.Booking, error) {
	if scope == "" {
		scope = ScopeAll
	}
	if scope != ScopeUpcoming && scope != ScopePast && scope != ScopeAll {
		return nil, fmt.Errorf("%w: unknown scope %q", domain.ErrValidation, scope)
	}

	all, err := s.bookings.GetMemberBookings(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("list member bookings: %w", err)
	}
	if scope == ScopeAll {
		return all, nil
	}

	today := s.Today().Format(models.DateLayout)
	out := make([]*models.Booking, 0, len(all))
	for _, b := range all {
		upcoming := b.DateString() >= today
		if upcoming == (scope == ScopeUpcoming) {
			out = append(out, b)
		}
	}
	return out, nil
}

// ListForClassDate is the roster of one occurrence, in arrival order.
func (s *BookingService) ListForClassDate(ctx context.Context, classID int64, date time.Time) ([]*models.Booking, error) {
	if _, err := s.catalog.GetClass(ctx, classID); err != nil {
		return nil, fmt.Errorf("class %d: %w", classID, mapStoreError(err))
	}
	roster, err := s.bookings.GetClassBookings(ctx, classID, s.day(date))
	if err != nil {
		return nil, fmt.Errorf("class roster: %w", err)
	}
	return roster, nil
}

// Occupancy is the current CONFIRMED plus WAITLISTED count of an occurrence.
func (s *BookingService) Occupancy(ctx context.Context, classID int64, date time.Time) (int, error) {
	n, err := s.bookings.CountOccupancy(ctx, classID, s.day(date))
	if err != nil {
		return 0, fmt.Errorf("occupancy: %w", err)
	}
	return n, nil
}

// CancelAllForClass cancels every active booking of an occurrence and notifies each member.
func (s *BookingService) CancelAllForClass(ctx context.Context, classID int64, date time.Time, isDemo bool) ([]*models.Booking, error) {
	class, err := s.catalog.GetClass(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("class %d: %w", classID, mapStoreError(err))
	}
	day := s.day(date)

	cancelled, err := s.cancelRoster(ctx, classID, day, isDemo)
	if err != nil {
		return nil, err
	}
	if isDemo {
		return cancelled, nil
	}

	for _, b := range cancelled {
		s.afterChange(ctx, b, s.lookupMember(ctx, b.MemberID), events.EventBookingCancelled, models.SyncTaskUpdateStatus)
	}

	if s.eventBus != nil {
		payload := events.ClassEventPayload{
			ClassID:  class.ID,
			Title:    class.Title,
			Date:     day.Format(models.DateLayout),
			Affected: len(cancelled),
		}
		if err := s.eventBus.PublishJSON(events.EventClassCancelled, payload); err != nil {
			s.logger.Error().Err(err).Int64("class_id", class.ID).Msg("publish event error")
		}
	}
	return cancelled, nil
}

// cancelRoster cancels the active rows of an occurrence under its lock.
func (s *BookingService) cancelRoster(ctx context.Context, classID int64, day time.Time, isDemo bool) ([]*models.Booking, error) {
	unlock := s.locks.Lock(occurrenceKey(classID, day))
	defer unlock()

	roster, err := s.bookings.GetClassBookings(ctx, classID, day)
	if err != nil {
		return nil, fmt.Errorf("class roster: %w", err)
	}

	var cancelled []*models.Booking
	for _, b := range roster {
		if !b.IsActive() {
			continue
		}
		if isDemo {
			b.Status = models.StatusCancelled
			b.Simulated = true
			cancelled = append(cancelled, b)
			continue
		}
		if err := s.transition(ctx, b, models.StatusCancelled, false); err != nil {
			s.logger.Error().Err(err).Int64("booking_id", b.ID).Msg("failed to cancel booking of cancelled class")
			continue
		}
		cancelled = append(cancelled, b)
	}
	return cancelled, nil
}

// PurgeTerminal deletes CANCELLED and EXPIRED bookings last changed before the cutoff.
func (s *BookingService) PurgeTerminal(ctx context.Context, before time.Time, isDemo bool) (int64, error) {
	if isDemo {
		return 0, domain.ErrDemoRestriction
	}
	n, err := s.bookings.DeleteTerminalBookings(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("purge bookings: %w", err)
	}
	s.logger.Info().Int64("deleted", n).Time("before", before).Msg("terminal bookings purged")
	return n, nil
}

func (s *BookingService) simulated(memberID int64, class *models.TrainingClass, day time.Time, status models.BookingStatus) *models.Booking {
	now := s.now()
	return &models.Booking{
		MemberID:      memberID,
		ClassID:       class.ID,
		ClassTitle:    class.Title,
		ClassCategory: class.Category,
		Date:          day,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
		Simulated:     true,
	}
}

func (s *BookingService) lookupMember(ctx context.Context, memberID int64) *models.Member {
	member, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("member_id", memberID).Msg("member lookup for notification failed")
		return nil
	}
	return member
}

// afterChange runs the best-effort side effects of a persisted change.
func (s *BookingService) afterChange(ctx context.Context, booking *models.Booking, member *models.Member, eventType, syncTask string) {
	s.notify(ctx, booking, member)
	s.publishEvent(eventType, booking, "member")
	s.enqueueSync(ctx, booking, syncTask)
}

func (s *BookingService) notify(ctx context.Context, booking *models.Booking, member *models.Member) {
	if s.notifier == nil || member == nil {
		return
	}
	recipient := member.Email
	if recipient == "" {
		recipient = member.Username
	}

	subject, body := notificationText(booking)
	bookingID := booking.ID

	// Delivery outlives the request and never holds up the caller.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()

		err := s.notifier.Notify(ctx, recipient, subject, body)
		metrics.IncNotification("ledger", err)
		if err != nil {
			s.logger.Warn().Err(err).Int64("booking_id", bookingID).Str("recipient", recipient).Msg("notification failed")
		}
	}()
}

func notificationText(b *models.Booking) (subject, body string) {
	title := b.ClassTitle
	if title == "" {
		title = fmt.Sprintf("class #%d", b.ClassID)
	}
	date := b.DateString()

	switch b.Status {
	case models.StatusConfirmed:
		return "Booking confirmed: " + title,
			fmt.Sprintf("Your spot in %s on %s is confirmed.", title, date)
	case models.StatusWaitlisted:
		return "Waitlisted: " + title,
			fmt.Sprintf("%s on %s is full. You are on the waitlist.", title, date)
	case models.StatusPending:
		return "Booking received: " + title,
			fmt.Sprintf("Your booking for %s on %s awaits confirmation.", title, date)
	case models.StatusCancelled:
		return "Booking cancelled: " + title,
			fmt.Sprintf("Your booking for %s on %s was cancelled.", title, date)
	}
	return "Booking update: " + title, fmt.Sprintf("Your booking for %s on %s is now %s.", title, date, b.Status)
}

func (s *BookingService) publishEvent(eventType string, booking *models.Booking, changedBy string) {
	if s.eventBus == nil {
		return
	}

	payload := events.BookingEventPayload{
		BookingID:         booking.ID,
		MemberID:          booking.MemberID,
		ClassID:           booking.ClassID,
		ClassTitle:        booking.ClassTitle,
		Date:              booking.DateString(),
		Status:            string(booking.Status),
		CancelledByMember: booking.CancelledByMember,
		Attended:          booking.Attended,
		ChangedBy:         changedBy,
	}

	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Int64("booking_id", booking.ID).Msg("publish event error")
	}
}

func (s *BookingService) enqueueSync(ctx context.Context, booking *models.Booking, taskType string) {
	if s.syncWorker == nil {
		return
	}
	if err := s.syncWorker.EnqueueTask(ctx, taskType, booking); err != nil {
		s.logger.Error().Err(err).Int64("booking_id", booking.ID).Str("task", taskType).Msg("roster sync enqueue error")
	}
}

// mapStoreError translates store sentinels into ledger errors.
func mapStoreError(err error) error {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return domain.ErrNotFound
	case errors.Is(err, database.ErrDuplicateActive):
		return domain.ErrDuplicateBooking
	case errors.Is(err, database.ErrConcurrentModification):
		return fmt.Errorf("%w: booking changed concurrently", domain.ErrInvalidState)
	case errors.Is(err, database.ErrUsernameTaken):
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return err
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrSchedulingConflict):
		return "scheduling_conflict"
	case errors.Is(err, domain.ErrDuplicateBooking):
		return "duplicate"
	}
	return "error"
}
