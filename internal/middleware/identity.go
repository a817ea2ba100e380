package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/live-tours/internal/model"
)

// Context keys set by the identity middleware.  user_id and role are kept
// as plain strings for middleware that does not know the model package.
const (
	ctxIdentity = "identity"
	ctxUserID   = "user_id"
	ctxRole     = "role"
)

// IdentityResolver turns verified token claims into an Identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, userID, name string) (model.Identity, error)
}

var errNoToken = errors.New("missing bearer token")

// IdentityAuth validates the identity provider's HS256 bearer token,
// resolves the caller's profile once and stores the resulting Identity in
// the request context.  Browsers cannot set headers on a websocket
// handshake, so the access_token query parameter is accepted too.
func IdentityAuth(secret string, resolver IdentityResolver) echo.MiddlewareFunc {
	return identity(secret, resolver, false)
}

// OptionalIdentity is IdentityAuth for endpoints that also serve guests.
// A request without a token passes through anonymously; a request with a
// bad token is still rejected.
func OptionalIdentity(secret string, resolver IdentityResolver) echo.MiddlewareFunc {
	return identity(secret, resolver, true)
}

func identity(secret string, resolver IdentityResolver, optional bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, err := bearer(c)
			if errors.Is(err, errNoToken) && optional {
				return next(c)
			}
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": err.Error()})
			}

			tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.ErrUnauthorized
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !tok.Valid {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}
			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
			}
			sub, _ := claims["sub"].(string)
			if sub == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token has no subject"})
			}
			name, _ := claims["name"].(string)

			ident, err := resolver.Resolve(c.Request().Context(), sub, name)
			if err != nil {
				c.Logger().Errorf("resolve identity %s: %v", sub, err)
				return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not load profile"})
			}
			c.Set(ctxIdentity, ident)
			c.Set(ctxUserID, ident.UserID)
			c.Set(ctxRole, string(ident.Role))
			return next(c)
		}
	}
}

func bearer(c echo.Context) (string, error) {
	auth := c.Request().Header.Get("Authorization")
	if auth == "" {
		if q := c.QueryParam("access_token"); q != "" {
			return q, nil
		}
		return "", errNoToken
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", errors.New("authorization must be a bearer token")
	}
	return strings.TrimPrefix(auth, "Bearer "), nil
}

// IdentityFrom returns the identity stored by IdentityAuth.
func IdentityFrom(c echo.Context) (model.Identity, bool) {
	ident, ok := c.Get(ctxIdentity).(model.Identity)
	return ident, ok
}

// currentUserID is the rate limit subject: the caller's user id or "anon".
func currentUserID(c echo.Context) string {
	if s, ok := c.Get(ctxUserID).(string); ok && s != "" {
		return s
	}
	return "anon"
}
