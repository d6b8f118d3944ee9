package models

import (
	"fmt"
	"time"
)

type ClassStatus string

const (
	ClassActive    ClassStatus = "ACTIVE"
	ClassCancelled ClassStatus = "CANCELLED"
)

// DefaultMaxCapacity applies when a class has no capacity configured.
const DefaultMaxCapacity = 20

// TimeOfDay is a wall-clock time in HH:MM form.
type TimeOfDay string

func (t TimeOfDay) parse() (time.Time, error) {
	parsed, err := time.Parse("15:04", string(t))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time of day %q: %w", string(t), err)
	}
	return parsed, nil
}

func (t TimeOfDay) Valid() bool {
	_, err := t.parse()
	return err == nil
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() (int, error) {
	parsed, err := t.parse()
	if err != nil {
		return 0, err
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// On places the time of day on the calendar day of date, in date's location.
func (t TimeOfDay) On(date time.Time) (time.Time, error) {
	parsed, err := t.parse()
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, parsed.Hour(), parsed.Minute(), 0, 0, date.Location()), nil
}

type TrainingClass struct {
	ID          int64        `json:"id" yaml:"id"`
	Title       string       `json:"title" yaml:"title"`
	Description string       `json:"description" yaml:"description"`
	Category    string       `json:"category" yaml:"category"`
	DayOfWeek   time.Weekday `json:"day_of_week" yaml:"day_of_week"`
	StartTime   TimeOfDay    `json:"start_time" yaml:"start_time"`
	EndTime     TimeOfDay    `json:"end_time" yaml:"end_time"`
	TrainerID   *int64       `json:"trainer_id,omitempty" yaml:"trainer_id"`
	MaxCapacity int          `json:"max_capacity" yaml:"max_capacity"`
	Status      ClassStatus  `json:"status" yaml:"status"`
	CreatedAt   time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time    `json:"updated_at" yaml:"-"`
}

// EffectiveCapacity maps an unset or non-positive capacity to the default.
func EffectiveCapacity(maxCapacity int) int {
	if maxCapacity <= 0 {
		return DefaultMaxCapacity
	}
	return maxCapacity
}

func (c *TrainingClass) EffectiveCapacity() int {
	return EffectiveCapacity(c.MaxCapacity)
}

func (c *TrainingClass) HasTrainer() bool {
	return c.TrainerID != nil && *c.TrainerID > 0
}

func (c *TrainingClass) IsActive() bool {
	return c.Status == "" || c.Status == ClassActive
}

// StartsAt returns the start instant of the occurrence on date.
func (c *TrainingClass) StartsAt(date time.Time) (time.Time, error) {
	return c.StartTime.On(date)
}

// Validate checks the fields an admin or trainer can set.
func (c *TrainingClass) Validate() error {
	if c.Title == "" {
		return fmt.Errorf("title is required")
	}
	if c.DayOfWeek < time.Sunday || c.DayOfWeek > time.Saturday {
		return fmt.Errorf("invalid day_of_week %d", c.DayOfWeek)
	}
	start, err := c.StartTime.Minutes()
	if err != nil {
		return err
	}
	end, err := c.EndTime.Minutes()
	if err != nil {
		return err
	}
	if end <= start {
		return fmt.Errorf("end_time %s must be after start_time %s", c.EndTime, c.StartTime)
	}
	if c.MaxCapacity < 0 {
		return fmt.Errorf("max_capacity must not be negative")
	}
	switch c.Status {
	case "", ClassActive, ClassCancelled:
	default:
		return fmt.Errorf("unknown class status %q", c.Status)
	}
	return nil
}
