package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"gymbook/internal/database"
	"gymbook/internal/domain"
	"gymbook/internal/events"
	"gymbook/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, recipient, subject, body string) error {
	return m.Called(ctx, recipient, subject, body).Error(0)
}

type mockEventBus struct {
	mock.Mock
}

func (m *mockEventBus) PublishJSON(et string, p interface{}) error { return m.Called(et, p).Error(0) }

type mockWorker struct {
	mock.Mock
}

func (m *mockWorker) EnqueueTask(ctx context.Context, taskType string, b *models.Booking) error {
	return m.Called(ctx, taskType, b).Error(0)
}

// mockBookingRepo fails the test on any call without an expectation.
type mockBookingRepo struct {
	mock.Mock
}

func (m *mockBookingRepo) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Booking), args.Error(1)
}
func (m *mockBookingRepo) FindActiveBooking(ctx context.Context, memberID, classID int64, date time.Time) (*models.Booking, error) {
	args := m.Called(ctx, memberID, classID, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Booking), args.Error(1)
}
func (m *mockBookingRepo) CountOccupancy(ctx context.Context, classID int64, date time.Time) (int, error) {
	args := m.Called(ctx, classID, date)
	return args.Int(0), args.Error(1)
}
func (m *mockBookingRepo) CreateBookingAdmitted(ctx context.Context, b *models.Booking, admit domain.AdmitFunc) error {
	return m.Called(ctx, b, admit).Error(0)
}
func (m *mockBookingRepo) CreatePendingBooking(ctx context.Context, b *models.Booking) error {
	return m.Called(ctx, b).Error(0)
}
func (m *mockBookingRepo) UpdateBookingStatusWithVersion(ctx context.Context, id, v int64, s models.BookingStatus, byMember bool, at time.Time) error {
	return m.Called(ctx, id, v, s, byMember, at).Error(0)
}
func (m *mockBookingRepo) ExpirePendingBooking(ctx context.Context, id int64, at time.Time) (bool, error) {
	args := m.Called(ctx, id, at)
	return args.Bool(0), args.Error(1)
}
func (m *mockBookingRepo) GetPendingBookingsBefore(ctx context.Context, threshold time.Time) ([]*models.Booking, error) {
	args := m.Called(ctx, threshold)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Booking), args.Error(1)
}
func (m *mockBookingRepo) SetAttended(ctx context.Context, id int64, attended bool, at time.Time) error {
	return m.Called(ctx, id, attended, at).Error(0)
}
func (m *mockBookingRepo) GetMemberBookings(ctx context.Context, memberID int64) ([]*models.Booking, error) {
	args := m.Called(ctx, memberID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Booking), args.Error(1)
}
func (m *mockBookingRepo) GetClassBookings(ctx context.Context, classID int64, date time.Time) ([]*models.Booking, error) {
	args := m.Called(ctx, classID, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Booking), args.Error(1)
}
func (m *mockBookingRepo) GetBookingsByDateRange(ctx context.Context, s, e time.Time) ([]*models.Booking, error) {
	args := m.Called(ctx, s, e)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Booking), args.Error(1)
}
func (m *mockBookingRepo) DeleteTerminalBookings(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

type stubCatalog map[int64]*models.TrainingClass

func (c stubCatalog) GetClass(_ context.Context, id int64) (*models.TrainingClass, error) {
	if class, ok := c[id]; ok {
		cp := *class
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

type stubDirectory struct{}

func (stubDirectory) GetMember(_ context.Context, id int64) (*models.Member, error) {
	return &models.Member{ID: id, Username: "member", Email: "member@gym.test"}, nil
}
func (stubDirectory) IsDemoUser(context.Context, int64) bool { return false }

// 2025-03-10 is a Monday.
var monday = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return monday.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

type ledgerFixture struct {
	db       *database.DB
	ledger   *BookingService
	catalog  *CatalogService
	members  *MemberService
	notifier *mockNotifier
	bus      *mockEventBus
	worker   *mockWorker

	mu    sync.Mutex
	clock time.Time
}

func (f *ledgerFixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *ledgerFixture) setClock(t time.Time) {
	f.mu.Lock()
	f.clock = t
	f.mu.Unlock()
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &ledgerFixture{
		db:       db,
		notifier: new(mockNotifier),
		bus:      new(mockEventBus),
		worker:   new(mockWorker),
		clock:    at(17, 0),
	}
	f.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	f.bus.On("PublishJSON", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.worker.On("EnqueueTask", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	f.members = NewMemberService(db, models.DefaultDemoPrefix, &logger)
	f.catalog = NewCatalogService(db, time.UTC, &logger).WithClock(f.now)
	f.ledger = NewBookingService(db, f.catalog, f.members, f.notifier, f.bus, f.worker, time.UTC, &logger).WithClock(f.now)
	f.catalog.AttachLedger(f.ledger)
	t.Cleanup(f.ledger.Drain)
	return f
}

func (f *ledgerFixture) class(t *testing.T, title string, capacity int) *models.TrainingClass {
	t.Helper()
	trainer := int64(7)
	class, err := f.catalog.Create(context.Background(), &models.TrainingClass{
		Title:       title,
		Category:    "grappling",
		DayOfWeek:   time.Monday,
		StartTime:   "19:00",
		EndTime:     "20:00",
		TrainerID:   &trainer,
		MaxCapacity: capacity,
	}, false)
	require.NoError(t, err)
	return class
}

func (f *ledgerFixture) member(t *testing.T, username string) *models.Member {
	t.Helper()
	m, err := f.members.Create(context.Background(), &models.Member{
		Username: username,
		Email:    username + "@gym.test",
	}, false)
	require.NoError(t, err)
	return m
}

func TestCreate_CapacityThenWaitlist(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	bjj := f.class(t, "BJJ", 2)

	var (
		statuses []models.BookingStatus
		booked   []*models.Booking
	)
	for _, name := range []string{"anna", "boris", "carla"} {
		m := f.member(t, name)
		b, err := f.ledger.Create(ctx, m.ID, bjj.ID, monday, false)
		require.NoError(t, err)
		assert.NotZero(t, b.ID)
		assert.Equal(t, "BJJ", b.ClassTitle)
		statuses = append(statuses, b.Status)
		booked = append(booked, b)
	}
	assert.Equal(t, []models.BookingStatus{
		models.StatusConfirmed, models.StatusConfirmed, models.StatusWaitlisted,
	}, statuses)

	n, err := f.ledger.Occupancy(ctx, bjj.ID, monday)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	f.ledger.Drain()
	f.notifier.AssertNumberOfCalls(t, "Notify", 3)
	f.bus.AssertCalled(t, "PublishJSON", events.EventBookingCreated, mock.Anything)
	f.worker.AssertCalled(t, "EnqueueTask", mock.Anything, models.SyncTaskUpsert, mock.Anything)
	assert.Zero(t, f.ledger.locks.Len())

	// Waitlisted rows count toward occupancy.
	_, err = f.ledger.Cancel(ctx, booked[0].ID, true, false)
	require.NoError(t, err)
	n, err = f.ledger.Occupancy(ctx, bjj.ID, monday)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dave := f.member(t, "dave")
	d, err := f.ledger.Create(ctx, dave.ID, bjj.ID, monday, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitlisted, d.Status)

	rebooked, err := f.ledger.Create(ctx, booked[0].MemberID, bjj.ID, monday, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitlisted, rebooked.Status)

	f.setClock(at(19, 5))
	late := f.member(t, "erik")
	_, err = f.ledger.Create(ctx, late.ID, bjj.ID, monday, false)
	assert.ErrorIs(t, err, domain.ErrSchedulingConflict)
}

// blockingNotifier holds every delivery until released or its context ends.
type blockingNotifier struct {
	release chan struct{}

	mu    sync.Mutex
	calls int
	errs  []error
}

func (n *blockingNotifier) Notify(ctx context.Context, _, _, _ string) error {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()

	var err error
	select {
	case <-n.release:
	case <-ctx.Done():
		err = ctx.Err()
	}

	n.mu.Lock()
	n.errs = append(n.errs, err)
	n.mu.Unlock()
	return err
}

func (n *blockingNotifier) results() (int, []error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls, append([]error(nil), n.errs...)
}

func TestCreate_SlowNotifierDoesNotBlockOccurrence(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	slow := &blockingNotifier{release: make(chan struct{})}
	f.ledger.notifier = slow

	class := f.class(t, "BJJ", 2)
	anna := f.member(t, "anna")
	boris := f.member(t, "boris")

	done := make(chan error, 2)
	create := func(memberID int64) {
		_, err := f.ledger.Create(ctx, memberID, class.ID, monday, false)
		done <- err
	}

	go create(anna.ID)
	time.Sleep(50 * time.Millisecond)
	go create(boris.ID)

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Create waited for a notification delivery")
		}
	}
	assert.Zero(t, f.ledger.locks.Len())

	close(slow.release)
	f.ledger.Drain()
	calls, errs := slow.results()
	assert.Equal(t, 2, calls)
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestNotify_BoundedByTimeout(t *testing.T) {
	f := newLedgerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	slow := &blockingNotifier{release: make(chan struct{})}
	f.ledger.notifier = slow
	f.ledger.WithNotifyTimeout(20 * time.Millisecond)

	class := f.class(t, "BJJ", 2)
	m := f.member(t, "anna")

	b, err := f.ledger.Create(ctx, m.ID, class.ID, monday, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, b.Status)
	// The caller's context ending does not abort delivery early.
	cancel()

	drained := make(chan struct{})
	go func() {
		f.ledger.Drain()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("notification outlived its timeout")
	}

	calls, errs := slow.results()
	assert.Equal(t, 1, calls)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
}

func TestCreate_ConcurrentAdmissionNeverExceedsCapacity(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	const capacity = 3
	class := f.class(t, "Open Mat", capacity)

	memberIDs := make([]int64, capacity+1)
	for i := range memberIDs {
		memberIDs[i] = f.member(t, "racer"+string(rune('a'+i))).ID
	}

	var wg sync.WaitGroup
	results := make([]*models.Booking, len(memberIDs))
	errs := make([]error, len(memberIDs))
	for i, id := range memberIDs {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			results[i], errs[i] = f.ledger.Create(ctx, id, class.ID, monday, false)
		}(i, id)
	}
	wg.Wait()

	counts := map[models.BookingStatus]int{}
	for i := range results {
		require.NoError(t, errs[i])
		counts[results[i].Status]++
	}
	assert.Equal(t, capacity, counts[models.StatusConfirmed])
	assert.Equal(t, 1, counts[models.StatusWaitlisted])
}

func TestCreate_Scheduling(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	class := f.class(t, "BJJ", 2)
	m := f.member(t, "anna")

	t.Run("AfterStart", func(t *testing.T) {
		f.setClock(at(19, 5))
		_, err := f.ledger.Create(ctx, m.ID, class.ID, monday, false)
		assert.ErrorIs(t, err, domain.ErrSchedulingConflict)
		assert.Contains(t, err.Error(), "class already started")
	})

	t.Run("ExactlyAtStart", func(t *testing.T) {
		f.setClock(at(19, 0))
		b, err := f.ledger.Create(ctx, m.ID, class.ID, monday, false)
		require.NoError(t, err)
		assert.Equal(t, models.StatusConfirmed, b.Status)
	})

	t.Run("WrongWeekday", func(t *testing.T) {
		f.setClock(at(10, 0))
		_, err := f.ledger.Create(ctx, m.ID, class.ID, monday.AddDate(0, 0, 1), false)
		assert.ErrorIs(t, err, domain.ErrSchedulingConflict)
		assert.Contains(t, err.Error(), "class not on this day")
	})

	t.Run("PastDate", func(t *testing.T) {
		f.setClock(at(10, 0))
		_, err := f.ledger.Create(ctx, m.ID, class.ID, monday.AddDate(0, 0, -7), false)
		assert.ErrorIs(t, err, domain.ErrSchedulingConflict)
	})

	t.Run("FutureOccurrence", func(t *testing.T) {
		f.setClock(at(21, 0))
		b, err := f.ledger.Create(ctx, m.ID, class.ID, monday.AddDate(0, 0, 7), false)
		require.NoError(t, err)
		assert.Equal(t, "2025-03-17", b.DateString())
	})

	t.Run("CancelledClass", func(t *testing.T) {
		f.setClock(at(10, 0))
		yoga := f.class(t, "Yoga", 5)
		_, err := f.catalog.Cancel(ctx, yoga.ID, monday, false)
		require.NoError(t, err)

		_, err = f.ledger.Create(ctx, m.ID, yoga.ID, monday.AddDate(0, 0, 7), false)
		assert.ErrorIs(t, err, domain.ErrSchedulingConflict)
		assert.Contains(t, err.Error(), "class cancelled")
	})

	t.Run("UnknownClassAndMember", func(t *testing.T) {
		_, err := f.ledger.Create(ctx, m.ID, 999, monday, false)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = f.ledger.Create(ctx, 999, class.ID, monday.AddDate(0, 0, 7), false)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestCreate_Duplicate(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	class := f.class(t, "BJJ", 5)
	m := f.member(t, "anna")

	first, err := f.ledger.Create(ctx, m.ID, class.ID, monday, false)
	require.NoError(t, err)

	_, err = f.ledger.Create(ctx, m.ID, class.ID, monday, false)
	assert.ErrorIs(t, err, domain.ErrDuplicateBooking)

	_, err = f.ledger.CreatePending(ctx, m.ID, class.ID, monday, false)
	assert.ErrorIs(t, err, domain.ErrDuplicateBooking)

	_, err = f.ledger.Cancel(ctx, first.ID, true, false)
	require.NoError(t, err)

	again, err := f.ledger.Create(ctx, m.ID, class.ID, monday, false)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)
}

func TestCreate_NotificationFailureKeepsBooking(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	failing := new(mockNotifier)
	failing.On("Notify", mock.Anything, "anna@gym.test", mock.Anything, mock.Anything).Return(errors.New("smtp down"))
	f.ledger.notifier = failing

	class := f.class(t, "BJJ", 2)
	m := f.member(t, "anna")

	b, err := f.ledger.Create(ctx, m.ID, class.ID, monday, false)
	require.NoError(t, err)

	stored, err := f.ledger.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, stored.Status)
	f.ledger.Drain()
	failing.AssertExpectations(t)
}

func TestDemo_NoMutation(t *testing.T) {
	logger := zerolog.New(io.Discard)
	repo := new(mockBookingRepo)
	notifier := new(mockNotifier)
	catalog := stubCatalog{1: {ID: 1, Title: "BJJ", DayOfWeek: time.Monday, StartTime: "19:00", EndTime: "20:00"}}
	svc := NewBookingService(repo, catalog, stubDirectory{}, notifier, nil, nil, time.UTC, &logger).
		WithClock(func() time.Time { return at(17, 0) })
	ctx := context.Background()

	b, err := svc.Create(ctx, 5, 1, monday, true)
	require.NoError(t, err)
	assert.True(t, b.Simulated)
	assert.Zero(t, b.ID)
	assert.Equal(t, models.StatusConfirmed, b.Status)

	_, err = svc.Create(ctx, 5, 42, monday, true)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	repo.On("GetBooking", ctx, int64(9)).Return(&models.Booking{ID: 9, Status: models.StatusConfirmed, Version: 1}, nil).Once()
	cancelled, err := svc.Cancel(ctx, 9, true, true)
	require.NoError(t, err)
	assert.True(t, cancelled.Simulated)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	_, err = svc.PurgeTerminal(ctx, monday, true)
	assert.ErrorIs(t, err, domain.ErrDemoRestriction)

	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "UpdateBookingStatusWithVersion", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestConfirm(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	class := f.class(t, "BJJ", 2)
	m := f.member(t, "anna")

	pending, err := f.ledger.CreatePending(ctx, m.ID, class.ID, monday, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, pending.Status)

	confirmed, err := f.ledger.Confirm(ctx, pending.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, confirmed.Status)
	assert.Equal(t, int64(2), confirmed.Version)

	_, err = f.ledger.Confirm(ctx, pending.ID, false)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.ledger.Confirm(ctx, 404, false)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	other := f.member(t, "boris")
	direct, err := f.ledger.Create(ctx, other.ID, class.ID, monday, false)
	require.NoError(t, err)
	_, err = f.ledger.Confirm(ctx, direct.ID, false)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestConfirm_LostRaceIsInvalidState(t *testing.T) {
	logger := zerolog.New(io.Discard)
	repo := new(mockBookingRepo)
	svc := NewBookingService(repo, stubCatalog{}, stubDirectory{}, nil, nil, nil, time.UTC, &logger)
	ctx := context.Background()

	repo.On("GetBooking", ctx, int64(3)).Return(&models.Booking{ID: 3, Status: models.StatusPending, Version: 1}, nil).Once()
	repo.On("UpdateBookingStatusWithVersion", ctx, int64(3), int64(1), models.StatusConfirmed, false, mock.Anything).
		Return(database.ErrConcurrentModification).Once()

	_, err := svc.Confirm(ctx, 3, false)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	repo.AssertExpectations(t)
}

func TestCancel(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	class := f.class(t, "BJJ", 2)
	m := f.member(t, "anna")

	b, err := f.ledger.Create(ctx, m.ID, class.ID, monday, false)
	require.NoError(t, err)

	cancelled, err := f.ledger.Cancel(ctx, b.ID, true, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.True(t, cancelled.CancelledByMember)
	f.ledger.Drain()
	f.notifier.AssertNumberOfCalls(t, "Notify", 2)

	again, err := f.ledger.Cancel(ctx, b.ID, false, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, again.Status)
	assert.True(t, again.CancelledByMember)
	f.ledger.Drain()
	f.notifier.AssertNumberOfCalls(t, "Notify", 2)

	n, err := f.ledger.Occupancy(ctx, class.ID, monday)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.ledger.Cancel(ctx, 404, false, false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExpireStalePending(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	class := f.class(t, "BJJ", 5)
	anna := f.member(t, "anna")
	boris := f.member(t, "boris")

	t0 := at(9, 0)
	f.setClock(t0)
	stale, err := f.ledger.CreatePending(ctx, anna.ID, class.ID, monday, false)
	require.NoError(t, err)

	f.setClock(t0.Add(2 * time.Minute))
	fresh, err := f.ledger.CreatePending(ctx, boris.ID, class.ID, monday, false)
	require.NoError(t, err)

	// stale is 31 minutes old, fresh 29.
	f.setClock(t0.Add(31 * time.Minute))
	report, err := f.ledger.ExpireStalePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ExpiryReport{Scanned: 1, Expired: 1}, report)

	got, err := f.ledger.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)

	got, err = f.ledger.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	_, err = f.ledger.Cancel(ctx, stale.ID, true, false)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	f.bus.AssertCalled(t, "PublishJSON", events.EventBookingExpired, mock.Anything)
}

func TestExpireStalePending_PartialFailure(t *testing.T) {
	logger := zerolog.New(io.Discard)
	repo := new(mockBookingRepo)
	bus := new(mockEventBus)
	now := at(12, 0)
	svc := NewBookingService(repo, stubCatalog{}, stubDirectory{}, nil, bus, nil, time.UTC, &logger).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	rows := []*models.Booking{
		{ID: 1, Status: models.StatusPending},
		{ID: 2, Status: models.StatusPending},
		{ID: 3, Status: models.StatusPending},
	}
	repo.On("GetPendingBookingsBefore", ctx, now.Add(-models.PendingTTL)).Return(rows, nil).Once()
	repo.On("ExpirePendingBooking", ctx, int64(1), now).Return(false, errors.New("disk I/O error")).Once()
	repo.On("ExpirePendingBooking", ctx, int64(2), now).Return(false, nil).Once()
	repo.On("ExpirePendingBooking", ctx, int64(3), now).Return(true, nil).Once()
	bus.On("PublishJSON", events.EventBookingExpired, mock.Anything).Return(nil).Once()

	report, err := svc.ExpireStalePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ExpiryReport{Scanned: 3, Expired: 1, Failed: 1}, report)
	repo.AssertExpectations(t)
	bus.AssertExpectations(t)

	repo.On("GetPendingBookingsBefore", ctx, mock.Anything).Return(nil, errors.New("locked")).Once()
	_, err = svc.ExpireStalePending(ctx)
	assert.Error(t, err)
}

func TestMarkAttended(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	class := f.class(t, "BJJ", 2)
	anna := f.member(t, "anna")
	boris := f.member(t, "boris")

	b, err := f.ledger.Create(ctx, anna.ID, class.ID, monday, false)
	require.NoError(t, err)

	marked, err := f.ledger.MarkAttended(ctx, b.ID, true, false)
	require.NoError(t, err)
	assert.True(t, marked.Attended)

	got, err := f.ledger.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Attended)

	p, err := f.ledger.CreatePending(ctx, boris.ID, class.ID, monday, false)
	require.NoError(t, err)
	_, err = f.ledger.MarkAttended(ctx, p.ID, true, false)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestListForMember(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	class := f.class(t, "BJJ", 5)
	m := f.member(t, "anna")

	f.setClock(monday.AddDate(0, 0, -14).Add(10 * time.Hour))
	_, err := f.ledger.Create(ctx, m.ID, class.ID, monday.AddDate(0, 0, -7), false)
	require.NoError(t, err)
	_, err = f.ledger.Create(ctx, m.ID, class.ID, monday.AddDate(0, 0, 7), false)
	require.NoError(t, err)

	f.setClock(at(10, 0))

	upcoming, err := f.ledger.ListForMember(ctx, m.ID, ScopeUpcoming)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, "2025-03-17", upcoming[0].DateString())

	past, err := f.ledger.ListForMember(ctx, m.ID, ScopePast)
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.Equal(t, "2025-03-03", past[0].DateString())

	all, err := f.ledger.ListForMember(ctx, m.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.ledger.ListForMember(ctx, m.ID, "someday")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCancelAllForClass(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	class := f.class(t, "BJJ", 1)

	for _, name := range []string{"anna", "boris"} {
		m := f.member(t, name)
		_, err := f.ledger.Create(ctx, m.ID, class.ID, monday, false)
		require.NoError(t, err)
	}

	affected, err := f.catalog.Cancel(ctx, class.ID, monday, false)
	require.NoError(t, err)
	assert.Len(t, affected, 2)

	roster, err := f.ledger.ListForClassDate(ctx, class.ID, monday)
	require.NoError(t, err)
	for _, b := range roster {
		assert.Equal(t, models.StatusCancelled, b.Status)
		assert.False(t, b.CancelledByMember)
	}

	got, err := f.catalog.FindByID(ctx, class.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClassCancelled, got.Status)

	f.bus.AssertCalled(t, "PublishJSON", events.EventClassCancelled, mock.Anything)
}

func TestCancelAllForClass_SlowNotifier(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	class := f.class(t, "BJJ", 2)
	m := f.member(t, "anna")

	_, err := f.ledger.Create(ctx, m.ID, class.ID, monday, false)
	require.NoError(t, err)
	f.ledger.Drain()

	slow := &blockingNotifier{release: make(chan struct{})}
	f.ledger.notifier = slow

	done := make(chan error, 1)
	go func() {
		_, err := f.ledger.CancelAllForClass(ctx, class.ID, monday, false)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("CancelAllForClass waited for a notification delivery")
	}
	assert.Zero(t, f.ledger.locks.Len())

	close(slow.release)
	f.ledger.Drain()
	calls, _ := slow.results()
	assert.Equal(t, 1, calls)
}

func TestPurgeTerminal(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	class := f.class(t, "BJJ", 2)
	m := f.member(t, "anna")

	b, err := f.ledger.Create(ctx, m.ID, class.ID, monday, false)
	require.NoError(t, err)
	f.setClock(at(18, 0))
	cancelled, err := f.ledger.Cancel(ctx, b.ID, true, false)
	require.NoError(t, err)
	assert.Equal(t, at(18, 0), cancelled.UpdatedAt)

	stored, err := f.ledger.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, stored.UpdatedAt.Equal(at(18, 0)))

	n, err := f.ledger.PurgeTerminal(ctx, at(18, 0), false)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.ledger.PurgeTerminal(ctx, at(18, 1), false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.ledger.Get(ctx, b.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdmit(t *testing.T) {
	tests := []struct {
		occupancy, capacity int
		want                models.BookingStatus
	}{
		{0, 2, models.StatusConfirmed},
		{1, 2, models.StatusConfirmed},
		{2, 2, models.StatusWaitlisted},
		{5, 2, models.StatusWaitlisted},
		{19, 0, models.StatusConfirmed},
		{20, 0, models.StatusWaitlisted},
		{20, -3, models.StatusWaitlisted},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Admit(tt.occupancy, tt.capacity), "occupancy=%d capacity=%d", tt.occupancy, tt.capacity)
	}

	unset := &models.TrainingClass{}
	assert.Equal(t, models.StatusConfirmed, Admit(unset.EffectiveCapacity()-1, unset.MaxCapacity))
	assert.Equal(t, models.StatusWaitlisted, Admit(unset.EffectiveCapacity(), unset.MaxCapacity))
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("1|2025-03-10")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, k.Len())

	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.Len())
	unlockA()
	unlockB()
	assert.Zero(t, k.Len())
}
