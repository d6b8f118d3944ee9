package service

import (
	"context"
	"fmt"
	"strings"

	"gymbook/internal/domain"
	"gymbook/internal/models"

	"github.com/rs/zerolog"
)

// MemberService is the membership directory. Demo accounts are flagged explicitly
// or recognised by a username prefix.
type MemberService struct {
	repo       domain.MemberRepository
	demoPrefix string
	logger     zerolog.Logger
}

func NewMemberService(repo domain.MemberRepository, demoPrefix string, logger *zerolog.Logger) *MemberService {
	return &MemberService{
		repo:       repo,
		demoPrefix: demoPrefix,
		logger:     logger.With().Str("component", "members").Logger(),
	}
}

func (s *MemberService) GetMember(ctx context.Context, id int64) (*models.Member, error) {
	member, err := s.repo.GetMember(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return member, nil
}

// IsDemoUser reports false for unknown members; the ledger surfaces NotFound on its own.
func (s *MemberService) IsDemoUser(ctx context.Context, memberID int64) bool {
	member, err := s.repo.GetMember(ctx, memberID)
	if err != nil {
		return false
	}
	return member.Demo(s.demoPrefix)
}

func (s *MemberService) Create(ctx context.Context, member *models.Member, isDemo bool) (*models.Member, error) {
	if isDemo {
		return nil, domain.ErrDemoRestriction
	}
	member.Username = strings.TrimSpace(member.Username)
	if member.Username == "" {
		return nil, fmt.Errorf("%w: username is required", domain.ErrValidation)
	}
	switch member.Role {
	case "", models.RoleMember, models.RoleTrainer, models.RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", domain.ErrValidation, member.Role)
	}
	if !member.IsDemo {
		member.IsDemo = member.Demo(s.demoPrefix)
	}

	if err := s.repo.CreateMember(ctx, member); err != nil {
		return nil, fmt.Errorf("create member: %w", mapStoreError(err))
	}
	s.logger.Info().Int64("member_id", member.ID).Str("username", member.Username).Bool("demo", member.IsDemo).Msg("member created")
	return member, nil
}

func (s *MemberService) List(ctx context.Context) ([]*models.Member, error) {
	return s.repo.ListMembers(ctx)
}
