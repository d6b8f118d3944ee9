package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gymbook/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	rosterQueueKey      = "gymbook:roster:queue"
	rosterDeadLetterKey = "gymbook:roster:deadletter"
)

// RosterClient applies booking changes to the external roster sheet.
type RosterClient interface {
	UpsertBooking(ctx context.Context, b *models.Booking) error
	UpdateBookingStatus(ctx context.Context, bookingID int64, status models.BookingStatus) error
}

// SyncStore persists roster tasks so nothing is lost when redis or the process goes away.
type SyncStore interface {
	CreateSyncTask(ctx context.Context, task *models.SyncTask) error
	GetPendingSyncTasks(ctx context.Context, limit int) ([]models.SyncTask, error)
	UpdateSyncTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error
}

// rosterPayload is stored in SyncTask.Payload as JSON.
type rosterPayload struct {
	BookingID int64                `json:"booking_id"`
	Booking   *models.Booking      `json:"booking,omitempty"`
	Status    models.BookingStatus `json:"status,omitempty"`
}

// RosterSyncWorker consumes sync_queue tasks. Delivery order of preference is the
// in-process channel, then the redis list, then polling the table for due retries.
type RosterSyncWorker struct {
	store        SyncStore
	roster       RosterClient
	redis        *redis.Client
	retryPolicy  RetryPolicy
	queue        chan models.SyncTask
	pollInterval time.Duration
	batchSize    int
	logger       zerolog.Logger
}

func NewRosterSyncWorker(store SyncStore, roster RosterClient, redisClient *redis.Client, retry RetryPolicy, logger *zerolog.Logger) *RosterSyncWorker {
	return &RosterSyncWorker{
		store:        store,
		roster:       roster,
		redis:        redisClient,
		retryPolicy:  retry.withDefaults(),
		queue:        make(chan models.SyncTask, models.WorkerQueueSize),
		pollInterval: 2 * time.Second,
		batchSize:    20,
		logger:       logger.With().Str("component", "roster_sync").Logger(),
	}
}

// EnqueueTask persists the task, then hands it to redis or the local channel.
func (w *RosterSyncWorker) EnqueueTask(ctx context.Context, taskType string, booking *models.Booking) error {
	if taskType == "" {
		return errors.New("task type is required")
	}
	if booking == nil || booking.ID == 0 {
		return errors.New("booking id is required")
	}

	payload := rosterPayload{BookingID: booking.ID, Booking: booking, Status: booking.Status}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	task := models.SyncTask{
		TaskType:  taskType,
		BookingID: booking.ID,
		Payload:   string(payloadBytes),
		Status:    models.SyncStatusPending,
	}
	if err := w.store.CreateSyncTask(ctx, &task); err != nil {
		return fmt.Errorf("persist sync task: %w", err)
	}

	if w.redis != nil {
		err := w.pushRedis(ctx, rosterQueueKey, task)
		if err == nil {
			return nil
		}
		w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("redis push failed, using local queue")
	}

	select {
	case w.queue <- task:
	default:
		w.logger.Warn().Int64("task_id", task.ID).Msg("local queue full, task left to polling")
	}
	return nil
}

func (w *RosterSyncWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("roster sync started")
	defer w.logger.Info().Msg("roster sync stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if w.processOnce(ctx) {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// processOnce handles one batch from the first source that has work and reports whether any was found.
func (w *RosterSyncWorker) processOnce(ctx context.Context) bool {
	if t, ok := w.tryLocalQueue(); ok {
		w.processTask(ctx, &t)
		return true
	}

	if t, ok := w.tryRedis(ctx); ok {
		w.processTask(ctx, &t)
		return true
	}

	tasks, err := w.store.GetPendingSyncTasks(ctx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("fetch pending sync tasks")
		return false
	}
	for i := range tasks {
		w.processTask(ctx, &tasks[i])
	}
	return len(tasks) > 0
}

func (w *RosterSyncWorker) tryLocalQueue() (models.SyncTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.SyncTask{}, false
	}
}

func (w *RosterSyncWorker) tryRedis(ctx context.Context) (models.SyncTask, bool) {
	if w.redis == nil {
		return models.SyncTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, rosterQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("redis BRPOP")
		}
		return models.SyncTask{}, false
	}
	if len(res) != 2 {
		return models.SyncTask{}, false
	}
	var task models.SyncTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("decode redis task")
		return models.SyncTask{}, false
	}
	return task, true
}

func (w *RosterSyncWorker) processTask(ctx context.Context, task *models.SyncTask) {
	var payload rosterPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		w.failTask(ctx, task, fmt.Errorf("decode payload: %w", err))
		return
	}

	if err := w.apply(ctx, task.TaskType, payload); err != nil {
		w.retryOrFail(ctx, task, err)
		return
	}

	if err := w.store.UpdateSyncTaskStatus(ctx, task.ID, models.SyncStatusCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark completed")
	}
}

func (w *RosterSyncWorker) apply(ctx context.Context, taskType string, payload rosterPayload) error {
	switch taskType {
	case models.SyncTaskUpsert:
		if payload.Booking == nil {
			return errors.New("booking payload missing")
		}
		return w.roster.UpsertBooking(ctx, payload.Booking)
	case models.SyncTaskUpdateStatus:
		if payload.BookingID == 0 || payload.Status == "" {
			return errors.New("booking id or status missing")
		}
		return w.roster.UpdateBookingStatus(ctx, payload.BookingID, payload.Status)
	default:
		return fmt.Errorf("unknown task type: %s", taskType)
	}
}

func (w *RosterSyncWorker) retryOrFail(ctx context.Context, task *models.SyncTask, cause error) {
	attempt := task.RetryCount + 1
	if w.retryPolicy.Exhausted(attempt) {
		w.failTask(ctx, task, cause)
		return
	}

	next := w.retryPolicy.RetryAt(time.Now(), attempt)
	if err := w.store.UpdateSyncTaskStatus(ctx, task.ID, models.SyncStatusRetry, cause.Error(), &next); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark retry")
	}
	w.logger.Warn().Err(cause).Int64("task_id", task.ID).Int("attempt", attempt).Time("next_retry_at", next).Msg("roster sync will retry")
}

func (w *RosterSyncWorker) failTask(ctx context.Context, task *models.SyncTask, cause error) {
	if err := w.store.UpdateSyncTaskStatus(ctx, task.ID, models.SyncStatusFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark failed")
	}
	w.logger.Error().Err(cause).Int64("task_id", task.ID).Msg("roster sync task failed")
	if w.redis == nil {
		return
	}
	if err := w.pushRedis(ctx, rosterDeadLetterKey, *task); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("dead-letter push")
	}
}

func (w *RosterSyncWorker) pushRedis(ctx context.Context, key string, task models.SyncTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, key, data).Err()
}
