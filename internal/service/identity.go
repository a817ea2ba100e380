package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/iliyamo/live-tours/internal/model"
	"github.com/iliyamo/live-tours/internal/repository"
)

// Identities resolves authenticated users into role-carrying identities.
// The guide link is read from the profile record, never inferred from
// other fields.
type Identities struct {
	profiles repository.ProfileRepository
	log      *slog.Logger
}

// NewIdentities returns an Identities over profiles.
func NewIdentities(profiles repository.ProfileRepository, log *slog.Logger) *Identities {
	if log == nil {
		log = slog.Default()
	}
	return &Identities{profiles: profiles, log: log}
}

// Resolve loads the profile of userID.  Users without a profile are viewers.
func (s *Identities) Resolve(ctx context.Context, userID, name string) (model.Identity, error) {
	p, err := s.profiles.FindIdentityProfile(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.IdentityFromProfile(userID, name, nil), nil
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("resolve identity: %w", err)
	}
	return model.IdentityFromProfile(userID, name, p), nil
}

// LinkGuide makes userID the guide guideID.  Only admins may link.
func (s *Identities) LinkGuide(ctx context.Context, actor model.Identity, userID, displayName, guideID string) (*model.IdentityProfile, error) {
	const op = "service.identities.link_guide"
	if actor.Role != model.RoleAdmin {
		return nil, repository.ErrForbidden
	}
	userID = strings.TrimSpace(userID)
	guideID = strings.TrimSpace(guideID)
	if userID == "" || guideID == "" {
		return nil, fmt.Errorf("%w: user id and guide id are required", ErrInvalidRequest)
	}
	p := &model.IdentityProfile{
		UserID:      userID,
		DisplayName: strings.TrimSpace(displayName),
		Role:        model.RoleGuide,
		GuideID:     &guideID,
	}
	if err := s.profiles.UpsertIdentityProfile(ctx, p); err != nil {
		return nil, err
	}
	s.log.Info("guide linked", slog.String("op", op), slog.String("user_id", userID), slog.String("guide_id", guideID))
	return p, nil
}
