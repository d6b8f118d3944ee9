package database

import (
	"context"
	"testing"
	"time"

	"gymbook/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncQueueCRUD(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	task := &models.SyncTask{
		TaskType:  "upsert",
		BookingID: 100,
		Payload:   `{"id": 100}`,
	}

	require.NoError(t, db.CreateSyncTask(ctx, task))
	assert.Equal(t, models.SyncStatusPending, task.Status)

	tasks, err := db.GetPendingSyncTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(100), tasks[0].BookingID)

	require.NoError(t, db.UpdateSyncTaskStatus(ctx, tasks[0].ID, models.SyncStatusCompleted, "", nil))

	tasks, err = db.GetPendingSyncTasks(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 0)

	errMsg := "sheet unavailable"
	failed := &models.SyncTask{TaskType: "update_status", BookingID: 101, Status: models.SyncStatusFailed, LastError: &errMsg}
	require.NoError(t, db.CreateSyncTask(ctx, failed))

	dead, err := db.GetFailedSyncTasks(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.NotNil(t, dead[0].LastError)
	assert.Equal(t, errMsg, *dead[0].LastError)
}

func TestSyncQueue_RetryIsDeferred(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	task := &models.SyncTask{TaskType: "upsert", BookingID: 5}
	require.NoError(t, db.CreateSyncTask(ctx, task))

	later := time.Now().Add(time.Hour)
	require.NoError(t, db.UpdateSyncTaskStatus(ctx, task.ID, models.SyncStatusRetry, "timeout", &later))

	tasks, err := db.GetPendingSyncTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks, "task scheduled in the future must not be picked up")

	past := time.Now().Add(-time.Minute)
	require.NoError(t, db.UpdateSyncTaskStatus(ctx, task.ID, models.SyncStatusRetry, "timeout", &past))

	tasks, err = db.GetPendingSyncTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 2, tasks[0].RetryCount)
}
