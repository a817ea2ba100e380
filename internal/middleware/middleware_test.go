package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/live-tours/internal/config"
	"github.com/iliyamo/live-tours/internal/model"
)

const secret = "test-secret"

type resolverFunc func(ctx context.Context, userID, name string) (model.Identity, error)

func (f resolverFunc) Resolve(ctx context.Context, userID, name string) (model.Identity, error) {
	return f(ctx, userID, name)
}

var guideResolver = resolverFunc(func(_ context.Context, userID, name string) (model.Identity, error) {
	if userID == "g1" {
		return model.Identity{UserID: userID, Name: name, Role: model.RoleGuide, GuideID: "guide-1"}, nil
	}
	return model.Identity{UserID: userID, Name: name, Role: model.RoleViewer}, nil
})

func sign(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return raw
}

func whoAmI(c echo.Context) error {
	ident, ok := IdentityFrom(c)
	if !ok {
		return c.String(http.StatusOK, "guest")
	}
	return c.String(http.StatusOK, ident.UserID+"/"+string(ident.Role)+"/"+ident.Name)
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestIdentityAuth(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoAmI, IdentityAuth(secret, guideResolver))
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{"bearer header", "Bearer " + sign(t, secret, jwt.MapClaims{"sub": "g1", "name": "Gia", "exp": exp}), "", http.StatusOK, "g1/guide/Gia"},
		{"query param", "", sign(t, secret, jwt.MapClaims{"sub": "v1", "exp": exp}), http.StatusOK, "v1/viewer/"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic abc", "", http.StatusUnauthorized, ""},
		{"bad signature", "Bearer " + sign(t, "other", jwt.MapClaims{"sub": "g1", "exp": exp}), "", http.StatusUnauthorized, ""},
		{"expired", "Bearer " + sign(t, secret, jwt.MapClaims{"sub": "g1", "exp": time.Now().Add(-time.Minute).Unix()}), "", http.StatusUnauthorized, ""},
		{"no subject", "Bearer " + sign(t, secret, jwt.MapClaims{"exp": exp}), "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/me"
			if tt.query != "" {
				target += "?access_token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := serve(e, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestIdentityAuth_ResolverFailure(t *testing.T) {
	e := echo.New()
	failing := resolverFunc(func(context.Context, string, string) (model.Identity, error) {
		return model.Identity{}, errors.New("db down")
	})
	e.GET("/me", whoAmI, IdentityAuth(secret, failing))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, jwt.MapClaims{"sub": "v1"}))
	assert.Equal(t, http.StatusInternalServerError, serve(e, req).Code)
}

func TestOptionalIdentity(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoAmI, OptionalIdentity(secret, guideResolver))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "guest", rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, serve(e, req).Code)
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	e.GET("/guides", whoAmI, IdentityAuth(secret, guideResolver), RequireRole(model.RoleGuide, model.RoleAdmin))

	req := httptest.NewRequest(http.MethodGet, "/guides", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, jwt.MapClaims{"sub": "g1"}))
	assert.Equal(t, http.StatusOK, serve(e, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/guides", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, jwt.MapClaims{"sub": "v1"}))
	assert.Equal(t, http.StatusForbidden, serve(e, req).Code)
}

func rateConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:        true,
		Capacity:       60,
		RefillTokens:   1,
		RefillInterval: time.Second,
		TTL:            10 * time.Minute,
		KeyStrategy:    "user_route",
		Prefix:         "rl",
	}
}

func TestTokenBucket(t *testing.T) {
	fixed := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	key := "rl:user:anon:route:POST /v1/bookings"
	expect := func(mock redismock.ClientMock) *redismock.ExpectedCmd {
		return mock.ExpectEvalSha(tokenBucket.Hash(), []string{key},
			fixed.UnixMilli(), 60, 1, int64(1000), int64(600))
	}

	tests := []struct {
		name      string
		setup     func(mock redismock.ClientMock)
		status    int
		remaining string
		retry     string
	}{
		{"allowed", func(m redismock.ClientMock) {
			expect(m).SetVal([]interface{}{int64(1), int64(59), int64(0)})
		}, http.StatusOK, "59", ""},
		{"blocked", func(m redismock.ClientMock) {
			expect(m).SetVal([]interface{}{int64(0), int64(0), int64(1500)})
		}, http.StatusTooManyRequests, "0", "2"},
		{"redis down fails open", func(m redismock.ClientMock) {
			expect(m).SetErr(errors.New("connection refused"))
		}, http.StatusOK, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rdb, mock := redismock.NewClientMock()
			tt.setup(mock)

			e := echo.New()
			e.POST("/v1/bookings", func(c echo.Context) error { return c.NoContent(http.StatusOK) },
				newTokenBucket(rateConfig(), rdb, func() time.Time { return fixed }))

			rec := serve(e, httptest.NewRequest(http.MethodPost, "/v1/bookings", nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.remaining, rec.Header().Get("X-RateLimit-Remaining"))
			assert.Equal(t, tt.retry, rec.Header().Get("Retry-After"))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTokenBucket_DisabledPassesThrough(t *testing.T) {
	cfg := rateConfig()
	cfg.Enabled = false
	e := echo.New()
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, NewTokenBucket(cfg, nil))

	assert.Equal(t, http.StatusNoContent, serve(e, httptest.NewRequest(http.MethodGet, "/x", nil)).Code)
}

func TestBuildRateKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/tours/t1/slots", nil)
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.7")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/tours/:tourId/slots")
	c.Set(ctxUserID, "u1")

	cfg := rateConfig()
	for strategy, want := range map[string]string{
		"ip":         "rl:ip:10.0.0.7",
		"user":       "rl:user:u1",
		"user_route": "rl:user:u1:route:GET /v1/tours/:tourId/slots",
		"":           "rl:ip:10.0.0.7:user:u1:route:GET /v1/tours/:tourId/slots",
	} {
		cfg.KeyStrategy = strategy
		assert.Equal(t, want, buildRateKey(cfg, c), strategy)
	}
}
