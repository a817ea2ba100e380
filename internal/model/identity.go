package model

// Role is the capability of an identity, resolved once when a profile is
// linked and carried on the identity record from then on.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleGuide  Role = "guide"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleGuide, RoleAdmin:
		return true
	}
	return false
}

// IdentityProfile is the persisted profile of an authenticated user.
// GuideID is set only when Role is RoleGuide.
type IdentityProfile struct {
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	Role        Role    `json:"role"`
	GuideID     *string `json:"guide_id,omitempty"`
}

// Identity is the caller of a request: the stable user id and display name
// from the identity provider plus the role and guide link from the profile.
type Identity struct {
	UserID  string
	Name    string
	Role    Role
	GuideID string
}

// IsGuideOf reports whether the identity is the guide linked to guideID.
func (i Identity) IsGuideOf(guideID string) bool {
	return i.Role == RoleGuide && i.GuideID != "" && i.GuideID == guideID
}

// IdentityFromProfile merges the identity provider's claims with a profile.
// A nil profile yields a plain viewer.
func IdentityFromProfile(userID, name string, p *IdentityProfile) Identity {
	id := Identity{UserID: userID, Name: name, Role: RoleViewer}
	if p == nil {
		return id
	}
	if id.Name == "" {
		id.Name = p.DisplayName
	}
	if p.Role.Valid() {
		id.Role = p.Role
	}
	if p.Role == RoleGuide && p.GuideID != nil {
		id.GuideID = *p.GuideID
	}
	return id
}
