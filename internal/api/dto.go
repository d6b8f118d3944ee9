package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"gymbook/internal/models"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type createBookingRequest struct {
	MemberID int64  `json:"member_id" validate:"required,gt=0"`
	ClassID  int64  `json:"class_id" validate:"required,gt=0"`
	Date     string `json:"date" validate:"required,datetime=2006-01-02"`
	Pending  bool   `json:"pending"`
}

type cancelBookingRequest struct {
	ByMember bool `json:"by_member"`
}

type attendanceRequest struct {
	Attended *bool `json:"attended" validate:"required"`
}

type classRequest struct {
	Title       string `json:"title" validate:"required,max=120"`
	Description string `json:"description" validate:"max=2000"`
	Category    string `json:"category" validate:"max=60"`
	DayOfWeek   *int   `json:"day_of_week" validate:"required,min=0,max=6"`
	StartTime   string `json:"start_time" validate:"required,datetime=15:04"`
	EndTime     string `json:"end_time" validate:"required,datetime=15:04"`
	TrainerID   *int64 `json:"trainer_id" validate:"omitempty,gt=0"`
	MaxCapacity int    `json:"max_capacity" validate:"min=0"`
	Status      string `json:"status" validate:"omitempty,oneof=ACTIVE CANCELLED"`
}

func (c classRequest) toModel() *models.TrainingClass {
	return &models.TrainingClass{
		Title:       strings.TrimSpace(c.Title),
		Description: c.Description,
		Category:    strings.TrimSpace(c.Category),
		DayOfWeek:   time.Weekday(*c.DayOfWeek),
		StartTime:   models.TimeOfDay(c.StartTime),
		EndTime:     models.TimeOfDay(c.EndTime),
		TrainerID:   c.TrainerID,
		MaxCapacity: c.MaxCapacity,
		Status:      models.ClassStatus(c.Status),
	}
}

type trainerRequest struct {
	TrainerID int64 `json:"trainer_id" validate:"required,gt=0"`
}

type createMemberRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"omitempty,email"`
	Role     string `json:"role" validate:"omitempty,oneof=member trainer admin"`
}

// decodeJSON reads one JSON object into dst and validates its tags.
func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "datetime":
		return field + " must match " + fe.Param()
	case "oneof":
		return field + " must be one of " + fe.Param()
	case "min":
		return field + " must be at least " + fe.Param()
	case "gt":
		return field + " must be greater than " + fe.Param()
	case "max":
		return field + " must be at most " + fe.Param()
	}
	return field + " is invalid"
}
