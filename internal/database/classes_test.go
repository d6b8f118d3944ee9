package database

import (
	"context"
	"testing"
	"time"

	"gymbook/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassCRUD(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	class := createTestClass(t, db, 0)
	assert.Equal(t, models.ClassActive, class.Status)

	got, err := db.GetClass(ctx, class.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimeOfDay("19:00"), got.StartTime)
	assert.Equal(t, time.Monday, got.DayOfWeek)
	require.NotNil(t, got.TrainerID)
	assert.Equal(t, int64(7), *got.TrainerID)
	assert.Equal(t, models.DefaultMaxCapacity, got.EffectiveCapacity())

	got.Title = "BJJ Advanced"
	got.TrainerID = nil
	require.NoError(t, db.UpdateClass(ctx, got))

	got, err = db.GetClass(ctx, class.ID)
	require.NoError(t, err)
	assert.Equal(t, "BJJ Advanced", got.Title)
	assert.Nil(t, got.TrainerID)

	assert.ErrorIs(t, db.UpdateClass(ctx, &models.TrainingClass{ID: 999, Title: "x"}), ErrNotFound)

	_, err = db.GetClass(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateClass_KeepsSeedID(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	class := &models.TrainingClass{ID: 42, Title: "Yoga", DayOfWeek: time.Friday, StartTime: "08:00", EndTime: "09:00"}
	require.NoError(t, db.CreateClass(context.Background(), class))
	assert.Equal(t, int64(42), class.ID)
}

func TestDeleteClass_CascadesBookings(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	class := createTestClass(t, db, 5)
	b := &models.Booking{MemberID: 1, ClassID: class.ID, Date: monday}
	require.NoError(t, db.CreateBookingAdmitted(ctx, b, capacityAdmit(5)))

	require.NoError(t, db.DeleteClass(ctx, class.ID))
	_, err := db.GetBooking(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, db.DeleteClass(ctx, class.ID), ErrNotFound)
}

func TestClassQueries(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	trainer := int64(3)
	classes := []*models.TrainingClass{
		{Title: "Morning Yoga", Description: "Slow flow", DayOfWeek: time.Tuesday, StartTime: "07:00", EndTime: "08:00", TrainerID: &trainer},
		{Title: "Boxing", Description: "Pads and 100%_effort", DayOfWeek: time.Tuesday, StartTime: "18:00", EndTime: "19:00"},
		{Title: "Kettlebells", Description: "Yoga-adjacent mobility", DayOfWeek: time.Wednesday, StartTime: "18:00", EndTime: "19:00", TrainerID: &trainer},
		{Title: "Cancelled Flow", DayOfWeek: time.Tuesday, StartTime: "20:00", EndTime: "21:00", TrainerID: &trainer, Status: models.ClassCancelled},
	}
	for _, c := range classes {
		require.NoError(t, db.CreateClass(ctx, c))
	}

	byTrainer, err := db.GetClassesByTrainer(ctx, trainer)
	require.NoError(t, err)
	assert.Len(t, byTrainer, 3)

	tuesday, err := db.GetClassesWithTrainerOn(ctx, time.Tuesday)
	require.NoError(t, err)
	require.Len(t, tuesday, 1)
	assert.Equal(t, "Morning Yoga", tuesday[0].Title)

	found, err := db.SearchClasses(ctx, "YOGA")
	require.NoError(t, err)
	assert.Len(t, found, 2)

	literal, err := db.SearchClasses(ctx, "100%_")
	require.NoError(t, err)
	require.Len(t, literal, 1)
	assert.Equal(t, "Boxing", literal[0].Title)

	all, err := db.ListClasses(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
