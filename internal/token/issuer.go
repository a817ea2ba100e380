// Package token mints the scoped, time-limited capability tokens that the
// media transport checks before letting a client publish or subscribe on a
// channel.  The issuer is a pure function of its inputs and the process-wide
// signing credentials; it never stores or verifies tokens for access control.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens
)

// ErrConfiguration is returned when the channel signing credentials are
// absent.  It is a startup error: callers must refuse to serve token
// endpoints rather than retry.
var ErrConfiguration = errors.New("media channel signing credentials are not configured")

// DefaultTTL is the credential lifetime used when the caller passes zero.
const DefaultTTL = 24 * time.Hour

// AnonymousSubject is the subject used for viewer credentials requested
// without an identity.
const AnonymousSubject = "0"

// Role selects the privilege set baked into a token.
type Role string

const (
	Publisher  Role = "publisher"
	Subscriber Role = "subscriber"
)

// Privilege is a single capability on a media channel.
type Privilege string

const (
	PrivJoin           Privilege = "join"
	PrivPublishAudio   Privilege = "publish_audio"
	PrivPublishVideo   Privilege = "publish_video"
	PrivPublishData    Privilege = "publish_data"
	PrivSubscribeAudio Privilege = "subscribe_audio"
	PrivSubscribeVideo Privilege = "subscribe_video"
)

// Privileges returns the capability set of the role, or nil for an
// unknown role.
func (r Role) Privileges() []Privilege {
	switch r {
	case Publisher:
		return []Privilege{PrivJoin, PrivPublishAudio, PrivPublishVideo, PrivPublishData}
	case Subscriber:
		return []Privilege{PrivJoin, PrivSubscribeAudio, PrivSubscribeVideo}
	}
	return nil
}

// AccessToken is a signed credential together with the values it encodes.
// Token is opaque to callers.
type AccessToken struct {
	Token      string
	AppID      string
	Channel    string
	Subject    string
	Role       Role
	Privileges []Privilege
	Exp        time.Time
}

// Claims is the payload of a channel token.  Every privilege carries its
// own expiry so the transport can revoke publish rights independently.
type Claims struct {
	AppID      string              `json:"app_id"`
	Channel    string              `json:"channel"`
	Role       Role                `json:"role"`
	Privileges map[Privilege]int64 `json:"privileges"`
	jwt.RegisteredClaims
}

// Issuer signs channel tokens with the application certificate.
type Issuer struct {
	appID  string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer builds an Issuer.  It fails with ErrConfiguration when either
// the app id or the certificate is empty.  A non-positive ttl selects
// DefaultTTL.
func NewIssuer(appID, certificate string, ttl time.Duration) (*Issuer, error) {
	appID = strings.TrimSpace(appID)
	certificate = strings.TrimSpace(certificate)
	if appID == "" || certificate == "" {
		return nil, ErrConfiguration
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		appID:  appID,
		secret: []byte(certificate),
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// AppID returns the application identity clients pass to the transport.
func (i *Issuer) AppID() string { return i.appID }

// Issue mints a token for subject on channel with the privileges of role.
// A zero ttl uses the issuer default.
func (i *Issuer) Issue(channel, subject string, role Role, ttl time.Duration) (AccessToken, error) {
	if i == nil || len(i.secret) == 0 {
		return AccessToken{}, ErrConfiguration
	}
	if channel == "" {
		return AccessToken{}, errors.New("token: channel name is required")
	}
	privs := role.Privileges()
	if privs == nil {
		return AccessToken{}, fmt.Errorf("token: unknown role %q", role)
	}
	if subject == "" {
		subject = AnonymousSubject
	}
	if ttl <= 0 {
		ttl = i.ttl
	}
	// Truncate to whole seconds so the returned expiry matches the encoded one.
	now := i.now().Truncate(time.Second)
	exp := now.Add(ttl)

	grants := make(map[Privilege]int64, len(privs))
	for _, p := range privs {
		grants[p] = exp.Unix()
	}
	claims := Claims{
		AppID:      i.appID,
		Channel:    channel,
		Role:       role,
		Privileges: grants,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.appID,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(i.secret)
	if err != nil {
		return AccessToken{}, fmt.Errorf("token: sign: %w", err)
	}
	return AccessToken{
		Token:      signed,
		AppID:      i.appID,
		Channel:    channel,
		Subject:    subject,
		Role:       role,
		Privileges: privs,
		Exp:        exp,
	}, nil
}

// Parse verifies the signature and expiry of raw and returns its claims.
func (i *Issuer) Parse(raw string) (*Claims, error) {
	if i == nil || len(i.secret) == 0 {
		return nil, ErrConfiguration
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

// Validate is a local sanity check: signature, expiry and shape.  It is not
// a substitute for the transport's own verification.
func (i *Issuer) Validate(raw string) bool {
	claims, err := i.Parse(raw)
	if err != nil {
		return false
	}
	if claims.Channel == "" || claims.AppID != i.appID || claims.Subject == "" {
		return false
	}
	want := claims.Role.Privileges()
	if want == nil || len(want) != len(claims.Privileges) {
		return false
	}
	for _, p := range want {
		if _, ok := claims.Privileges[p]; !ok {
			return false
		}
	}
	return true
}
