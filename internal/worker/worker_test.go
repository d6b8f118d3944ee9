package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gymbook/internal/database"
	"gymbook/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessTaskSuccess(t *testing.T) {
	db := newTestDB(t)
	roster := &fakeRoster{}
	worker := NewRosterSyncWorker(db, roster, nil, RetryPolicy{}, discardLogger())

	booking := testBooking(1)
	ctx := context.Background()
	require.NoError(t, worker.EnqueueTask(ctx, models.SyncTaskUpsert, booking))

	task, ok := worker.tryLocalQueue()
	require.True(t, ok, "expected task in local queue")
	worker.processTask(ctx, &task)

	status, retryCount, nextRetry := loadTaskStatus(t, db, task.ID)
	assert.Equal(t, models.SyncStatusCompleted, status)
	assert.Zero(t, retryCount)
	assert.False(t, nextRetry.Valid)
	assert.Equal(t, 1, roster.upsertCalls)
	assert.Equal(t, "BJJ", roster.lastBooking.ClassTitle)
}

func TestProcessTaskRetry(t *testing.T) {
	db := newTestDB(t)
	roster := &fakeRoster{err: errors.New("quota exceeded")}
	worker := NewRosterSyncWorker(db, roster, nil, RetryPolicy{MaxRetries: 3, InitialDelay: time.Second}, discardLogger())

	ctx := context.Background()
	require.NoError(t, worker.EnqueueTask(ctx, models.SyncTaskUpsert, testBooking(2)))

	task, ok := worker.tryLocalQueue()
	require.True(t, ok)
	worker.processTask(ctx, &task)

	status, retryCount, nextRetry := loadTaskStatus(t, db, task.ID)
	assert.Equal(t, models.SyncStatusRetry, status)
	assert.Equal(t, 1, retryCount)
	require.True(t, nextRetry.Valid)
	assert.True(t, nextRetry.Time.After(time.Now().UTC().Add(-time.Second)))

	// Not due yet, so polling finds nothing.
	assert.False(t, worker.processOnce(ctx))
}

func TestProcessTaskFail_DeadLetters(t *testing.T) {
	db := newTestDB(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	roster := &fakeRoster{err: errors.New("sheet deleted")}
	worker := NewRosterSyncWorker(db, roster, rdb, RetryPolicy{MaxRetries: 1}, discardLogger())

	ctx := context.Background()
	require.NoError(t, worker.EnqueueTask(ctx, models.SyncTaskUpdateStatus, testBooking(3)))

	// With redis available the task travels through the list, not the local channel.
	_, ok := worker.tryLocalQueue()
	assert.False(t, ok)

	require.True(t, worker.processOnce(ctx))
	assert.Equal(t, 1, roster.statusCalls)

	failed, err := db.GetFailedSyncTasks(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].LastError)
	assert.Equal(t, "sheet deleted", *failed[0].LastError)

	items, err := mr.List(rosterDeadLetterKey)
	require.NoError(t, err)
	require.Len(t, items, 1)
	var dead models.SyncTask
	require.NoError(t, json.Unmarshal([]byte(items[0]), &dead))
	assert.Equal(t, int64(3), dead.BookingID)
}

func TestProcessOnce_PollsPersistedTasks(t *testing.T) {
	db := newTestDB(t)
	roster := &fakeRoster{}
	worker := NewRosterSyncWorker(db, roster, nil, RetryPolicy{}, discardLogger())
	ctx := context.Background()

	require.NoError(t, worker.EnqueueTask(ctx, models.SyncTaskUpsert, testBooking(4)))
	// Simulate a restart: the local channel is gone, the table is not.
	worker.queue = make(chan models.SyncTask, 1)

	assert.True(t, worker.processOnce(ctx))
	assert.Equal(t, 1, roster.upsertCalls)

	pending, err := db.GetPendingSyncTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApply(t *testing.T) {
	roster := &fakeRoster{}
	worker := NewRosterSyncWorker(nil, roster, nil, RetryPolicy{}, discardLogger())
	ctx := context.Background()

	require.NoError(t, worker.apply(ctx, models.SyncTaskUpsert, rosterPayload{Booking: testBooking(1)}))
	assert.Equal(t, 1, roster.upsertCalls)

	require.NoError(t, worker.apply(ctx, models.SyncTaskUpdateStatus, rosterPayload{BookingID: 1, Status: models.StatusCancelled}))
	assert.Equal(t, 1, roster.statusCalls)

	assert.Error(t, worker.apply(ctx, models.SyncTaskUpsert, rosterPayload{}))
	assert.Error(t, worker.apply(ctx, models.SyncTaskUpdateStatus, rosterPayload{BookingID: 1}))
	assert.Error(t, worker.apply(ctx, "delete", rosterPayload{BookingID: 1}))
}

func TestEnqueueTask_Validation(t *testing.T) {
	db := newTestDB(t)
	worker := NewRosterSyncWorker(db, &fakeRoster{}, nil, RetryPolicy{}, discardLogger())
	ctx := context.Background()

	assert.Error(t, worker.EnqueueTask(ctx, "", testBooking(1)))
	assert.Error(t, worker.EnqueueTask(ctx, models.SyncTaskUpsert, nil))
	assert.Error(t, worker.EnqueueTask(ctx, models.SyncTaskUpsert, &models.Booking{}))
}

func TestRetryPolicyNextDelay(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, policy.NextDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextDelay(2))
	assert.Equal(t, 5*time.Second, policy.NextDelay(5))
	assert.Equal(t, time.Second, RetryPolicy{}.NextDelay(0))
}

func TestRetryPolicy_RosterDefaults(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3}.withDefaults()
	assert.Equal(t, 3, policy.MaxRetries)
	assert.Equal(t, DefaultRosterRetry.InitialDelay, policy.InitialDelay)
	assert.Equal(t, DefaultRosterRetry.MaxDelay, policy.MaxDelay)

	assert.False(t, policy.Exhausted(2))
	assert.True(t, policy.Exhausted(3))

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(4*time.Second), policy.RetryAt(now, 2))
	assert.Equal(t, now.Add(time.Minute), policy.RetryAt(now, 10))

	assert.Equal(t, DefaultRosterRetry, RetryPolicy{}.withDefaults())
}

type countingSweeper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *countingSweeper) ExpireStalePending(context.Context) (models.ExpiryReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return models.ExpiryReport{}, s.err
}

func (s *countingSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestExpiryScheduler(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("database is locked")}
	scheduler := NewExpiryScheduler(sweeper, 10*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return sweeper.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, time.Minute, NewExpiryScheduler(sweeper, 0, discardLogger()).interval)
}

// Helpers

type fakeRoster struct {
	err         error
	upsertCalls int
	statusCalls int
	lastBooking *models.Booking
}

func (f *fakeRoster) UpsertBooking(_ context.Context, b *models.Booking) error {
	f.upsertCalls++
	f.lastBooking = b
	return f.err
}

func (f *fakeRoster) UpdateBookingStatus(context.Context, int64, models.BookingStatus) error {
	f.statusCalls++
	return f.err
}

func testBooking(id int64) *models.Booking {
	now := time.Now()
	return &models.Booking{
		ID:         id,
		MemberID:   1,
		ClassID:    10,
		ClassTitle: "BJJ",
		Date:       time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Status:     models.StatusConfirmed,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
}

func discardLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.db")
	db, err := database.NewDB(path, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func loadTaskStatus(t *testing.T, db *database.DB, id int64) (status string, retryCount int, nextRetry sql.NullTime) {
	t.Helper()
	row := db.QueryRowContext(context.Background(), `SELECT status, retry_count, next_retry_at FROM sync_queue WHERE id = ?`, id)
	require.NoError(t, row.Scan(&status, &retryCount, &nextRetry))
	return status, retryCount, nextRetry
}
