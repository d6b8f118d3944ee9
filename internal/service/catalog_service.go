package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gymbook/internal/domain"
	"gymbook/internal/models"

	"github.com/rs/zerolog"
)

// CatalogService owns training class definitions.
type CatalogService struct {
	repo   domain.ClassRepository
	ledger *BookingService
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger
}

func NewCatalogService(repo domain.ClassRepository, loc *time.Location, logger *zerolog.Logger) *CatalogService {
	if loc == nil {
		loc = time.Local
	}
	return &CatalogService{
		repo:   repo,
		loc:    loc,
		now:    time.Now,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
}

// AttachLedger wires the ledger used when a class occurrence is cancelled.
// The ledger itself reads classes through this service, hence the two-step wiring.
func (s *CatalogService) AttachLedger(ledger *BookingService) {
	s.ledger = ledger
}

func (s *CatalogService) WithClock(now func() time.Time) *CatalogService {
	s.now = now
	return s
}

// GetClass satisfies domain.ClassCatalog.
func (s *CatalogService) GetClass(ctx context.Context, id int64) (*models.TrainingClass, error) {
	return s.FindByID(ctx, id)
}

func (s *CatalogService) FindByID(ctx context.Context, id int64) (*models.TrainingClass, error) {
	class, err := s.repo.GetClass(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return class, nil
}

func (s *CatalogService) List(ctx context.Context) ([]*models.TrainingClass, error) {
	return s.repo.ListClasses(ctx)
}

func (s *CatalogService) FindByTrainer(ctx context.Context, trainerID int64) ([]*models.TrainingClass, error) {
	return s.repo.GetClassesByTrainer(ctx, trainerID)
}

// FindAvailable lists today's ACTIVE classes with a trainer that have not started yet.
func (s *CatalogService) FindAvailable(ctx context.Context) ([]*models.TrainingClass, error) {
	now := s.now().In(s.loc)
	classes, err := s.repo.GetClassesWithTrainerOn(ctx, now.Weekday())
	if err != nil {
		return nil, err
	}

	available := make([]*models.TrainingClass, 0, len(classes))
	for _, c := range classes {
		startsAt, err := c.StartsAt(now)
		if err != nil {
			s.logger.Warn().Err(err).Int64("class_id", c.ID).Msg("skipping class with bad start time")
			continue
		}
		if startsAt.After(now) {
			available = append(available, c)
		}
	}
	return available, nil
}

// Search matches title and description case-insensitively. An empty query lists everything.
func (s *CatalogService) Search(ctx context.Context, text string) ([]*models.TrainingClass, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return s.repo.ListClasses(ctx)
	}
	return s.repo.SearchClasses(ctx, text)
}

func (s *CatalogService) Create(ctx context.Context, class *models.TrainingClass, isDemo bool) (*models.TrainingClass, error) {
	if isDemo {
		return nil, domain.ErrDemoRestriction
	}
	if class.Status == "" {
		class.Status = models.ClassActive
	}
	if err := class.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := s.repo.CreateClass(ctx, class); err != nil {
		return nil, fmt.Errorf("create class: %w", err)
	}
	s.logger.Info().Int64("class_id", class.ID).Str("title", class.Title).Msg("class created")
	return class, nil
}

func (s *CatalogService) Update(ctx context.Context, class *models.TrainingClass, isDemo bool) (*models.TrainingClass, error) {
	if isDemo {
		return nil, domain.ErrDemoRestriction
	}
	if _, err := s.FindByID(ctx, class.ID); err != nil {
		return nil, err
	}
	if class.Status == "" {
		class.Status = models.ClassActive
	}
	if err := class.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := s.repo.UpdateClass(ctx, class); err != nil {
		return nil, fmt.Errorf("update class %d: %w", class.ID, mapStoreError(err))
	}
	return class, nil
}

// Delete removes the class and, through the foreign key, all of its bookings.
func (s *CatalogService) Delete(ctx context.Context, id int64, isDemo bool) error {
	if isDemo {
		return domain.ErrDemoRestriction
	}
	if err := s.repo.DeleteClass(ctx, id); err != nil {
		return fmt.Errorf("delete class %d: %w", id, mapStoreError(err))
	}
	s.logger.Info().Int64("class_id", id).Msg("class deleted")
	return nil
}

func (s *CatalogService) AssignTrainer(ctx context.Context, classID, trainerID int64, isDemo bool) (*models.TrainingClass, error) {
	return s.setTrainer(ctx, classID, &trainerID, isDemo)
}

func (s *CatalogService) RemoveTrainer(ctx context.Context, classID int64, isDemo bool) (*models.TrainingClass, error) {
	return s.setTrainer(ctx, classID, nil, isDemo)
}

func (s *CatalogService) setTrainer(ctx context.Context, classID int64, trainerID *int64, isDemo bool) (*models.TrainingClass, error) {
	if isDemo {
		return nil, domain.ErrDemoRestriction
	}
	class, err := s.FindByID(ctx, classID)
	if err != nil {
		return nil, err
	}
	class.TrainerID = trainerID
	if err := s.repo.UpdateClass(ctx, class); err != nil {
		return nil, fmt.Errorf("update class %d: %w", classID, mapStoreError(err))
	}
	return class, nil
}

// Cancel marks the class CANCELLED and cancels every active booking of the given occurrence.
func (s *CatalogService) Cancel(ctx context.Context, classID int64, date time.Time, isDemo bool) ([]*models.Booking, error) {
	if isDemo {
		return nil, domain.ErrDemoRestriction
	}
	class, err := s.FindByID(ctx, classID)
	if err != nil {
		return nil, err
	}
	if class.Status != models.ClassCancelled {
		class.Status = models.ClassCancelled
		if err := s.repo.UpdateClass(ctx, class); err != nil {
			return nil, fmt.Errorf("cancel class %d: %w", classID, mapStoreError(err))
		}
	}
	if s.ledger == nil {
		return nil, nil
	}
	return s.ledger.CancelAllForClass(ctx, classID, date, false)
}
