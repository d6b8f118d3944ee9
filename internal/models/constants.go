package models

const (
	WindowWeek  = "week"
	WindowMonth = "month"
	WindowYear  = "year"
)

const (
	// NoClassesBooked is reported as the most popular class when nothing was booked.
	NoClassesBooked = "No classes booked"

	// TrendMonths is how many months the membership trend covers.
	TrendMonths = 6

	// WorkerQueueSize is the buffer of in-process worker queues.
	WorkerQueueSize = 128
)

// Roster sync task types.
const (
	SyncTaskUpsert       = "upsert"
	SyncTaskUpdateStatus = "update_status"
)

const (
	SyncStatusPending   = "pending"
	SyncStatusRetry     = "retry"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
)

// WindowDays maps a rolling window name to its length in days.
func WindowDays(window string) (int, bool) {
	switch window {
	case WindowWeek:
		return 7, true
	case WindowMonth:
		return 30, true
	case WindowYear:
		return 365, true
	}
	return 0, false
}
