package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/iliyamo/live-tours/internal/model"
)

const (
	getProfileQuery = `SELECT user_id, display_name, role, guide_id FROM identity_profiles WHERE user_id = ?`

	upsertProfileQuery = `INSERT INTO identity_profiles (user_id, display_name, role, guide_id) VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE display_name = VALUES(display_name), role = VALUES(role), guide_id = VALUES(guide_id)`
)

// ProfileRepo stores identity profiles.  The role and guide link are
// written once when a profile is linked and read on every request.
type ProfileRepo struct {
	db *sql.DB
}

// NewProfileRepo returns a ProfileRepo bound to db.
func NewProfileRepo(db *sql.DB) *ProfileRepo { return &ProfileRepo{db: db} }

// FindIdentityProfile loads the profile of userID or returns ErrNotFound.
func (r *ProfileRepo) FindIdentityProfile(ctx context.Context, userID string) (*model.IdentityProfile, error) {
	var (
		p       model.IdentityProfile
		role    string
		guideID sql.NullString
	)
	err := r.db.QueryRowContext(ctx, getProfileQuery, userID).Scan(&p.UserID, &p.DisplayName, &role, &guideID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p.Role = model.Role(role)
	p.GuideID = nullString(guideID)
	return &p, nil
}

// UpsertIdentityProfile creates or replaces the profile of p.UserID.
func (r *ProfileRepo) UpsertIdentityProfile(ctx context.Context, p *model.IdentityProfile) error {
	var guideID any
	if p.GuideID != nil {
		guideID = *p.GuideID
	}
	if _, err := r.db.ExecContext(ctx, upsertProfileQuery, p.UserID, p.DisplayName, string(p.Role), guideID); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}
