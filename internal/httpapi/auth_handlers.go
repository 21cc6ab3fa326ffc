package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"horse.fit/clearoid/internal/auth"
	"horse.fit/clearoid/internal/db"
	"horse.fit/clearoid/internal/globaltime"
)

const (
	defaultSessionTouchInterval = time.Minute
	principalContextKey         = "auth.principal"
)

type authPrincipal struct {
	SessionID string
	UserID    int64
	Username  string
	IsAdmin   bool
	ExpiresAt time.Time
}

type authUserResponse struct {
	UserID             int64      `json:"user_id"`
	Username           string     `json:"username"`
	IsAdmin            bool       `json:"is_admin"`
	MustChangePassword bool       `json:"must_change_password"`
	CreatedAt          time.Time  `json:"created_at"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type signupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// AuthStore is the user and session persistence the auth routes need.
type AuthStore interface {
	CountUsers(ctx context.Context) (int64, error)
	CreateUser(ctx context.Context, username, passwordHash string, isAdmin, mustChangePassword bool) (*db.AuthUser, error)
	GetSession(ctx context.Context, sessionID string) (*db.AuthSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
	TouchSession(ctx context.Context, sessionID string, seenAt time.Time) error
	GetUserByUsername(ctx context.Context, username string) (*db.AuthUser, error)
	GetUserByID(ctx context.Context, userID int64) (*db.AuthUser, error)
	CreateSession(ctx context.Context, userID int64, expiresAt, now time.Time) (string, error)
	SetUserLastLogin(ctx context.Context, userID int64, loginAt time.Time) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	SetUserPasswordHash(ctx context.Context, userID int64, passwordHash string, mustChangePassword bool) error
}

var _ AuthStore = (*db.Pool)(nil)

func (s *Server) requireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c == nil {
				return unauthorizedResponse(c)
			}
			if s.authStore == nil {
				return internalError(c, "Failed to authorize request")
			}

			principal, found, err := s.resolvePrincipal(c)
			if err != nil {
				s.logger.Error().Err(err).Msg("session lookup failed")
				return internalError(c, "Failed to authorize request")
			}
			if !found {
				return unauthorizedResponse(c)
			}

			c.Set(principalContextKey, principal)
			return next(c)
		}
	}
}

// resolvePrincipal loads the session named by the request cookie. Expired
// and unknown sessions clear the cookie and report found=false.
func (s *Server) resolvePrincipal(c echo.Context) (authPrincipal, bool, error) {
	sessionID, found := s.sessionIDFromCookie(c)
	if !found {
		return authPrincipal{}, false, nil
	}

	ctx := c.Request().Context()
	session, err := s.authStore.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			s.clearSessionCookie(c)
			return authPrincipal{}, false, nil
		}
		return authPrincipal{}, false, err
	}

	now := globaltime.UTC()
	if !session.ExpiresAt.After(now) {
		_ = s.authStore.DeleteSession(ctx, session.SessionID)
		s.clearSessionCookie(c)
		return authPrincipal{}, false, nil
	}

	if now.Sub(session.LastSeenAt) >= defaultSessionTouchInterval {
		_ = s.authStore.TouchSession(ctx, session.SessionID, now)
	}

	return authPrincipal{
		SessionID: session.SessionID,
		UserID:    session.UserID,
		Username:  session.Username,
		IsAdmin:   session.IsAdmin,
		ExpiresAt: session.ExpiresAt.UTC(),
	}, true, nil
}

func (s *Server) handleLogin(c echo.Context) error {
	store := s.authStore
	if store == nil {
		return internalError(c, "Failed to process login")
	}

	var req loginRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	username := auth.NormalizeUsername(req.Username)
	if username == "" {
		return failValidation(c, map[string]string{"username": "is required"})
	}

	user, err := store.GetUserByUsername(c.Request().Context(), username)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return fail(c, http.StatusUnauthorized, "Invalid username or password", nil)
		}
		s.logger.Error().Err(err).Str("username", username).Msg("login lookup failed")
		return internalError(c, "Failed to process login")
	}
	if !auth.VerifyPassword(req.Password, user.PasswordHash) {
		return fail(c, http.StatusUnauthorized, "Invalid username or password", nil)
	}

	now := globaltime.UTC()
	if _, cleanupErr := store.DeleteExpiredSessions(c.Request().Context(), now); cleanupErr != nil {
		s.logger.Warn().Err(cleanupErr).Msg("delete expired sessions failed")
	}

	expiresAt := s.sessionExpiry(now)
	sessionID, err := store.CreateSession(c.Request().Context(), user.UserID, expiresAt, now)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", user.UserID).Msg("create session failed")
		return internalError(c, "Failed to process login")
	}

	if err := store.SetUserLastLogin(c.Request().Context(), user.UserID, now); err != nil {
		s.logger.Error().Err(err).Int64("user_id", user.UserID).Msg("update last login failed")
	}
	nowCopy := now
	user.LastLoginAt = &nowCopy

	s.setSessionCookie(c, sessionID, expiresAt)
	return success(c, map[string]any{
		"user": buildAuthUserResponse(user),
		"session": map[string]any{
			"session_id": sessionID,
			"expires_at": expiresAt.UTC(),
		},
	})
}

func (s *Server) handleLogout(c echo.Context) error {
	if sessionID, found := s.sessionIDFromCookie(c); found {
		if s.authStore != nil {
			_ = s.authStore.DeleteSession(c.Request().Context(), sessionID)
		}
	}
	s.clearSessionCookie(c)
	return success(c, map[string]any{"logged_out": true})
}

// handleSignup creates a user. It is open while no user exists, and the
// first user becomes an admin. After that only admins may add users.
func (s *Server) handleSignup(c echo.Context) error {
	store := s.authStore
	if store == nil {
		return internalError(c, "Failed to create user")
	}

	var req signupRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	username := auth.NormalizeUsername(req.Username)
	fieldErrors := map[string]string{}
	if err := auth.ValidateUsername(username); err != nil {
		fieldErrors["username"] = err.Error()
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		fieldErrors["password"] = err.Error()
	}
	if len(fieldErrors) > 0 {
		return failValidation(c, fieldErrors)
	}

	ctx := c.Request().Context()
	users, err := store.CountUsers(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("count users failed")
		return internalError(c, "Failed to create user")
	}

	isAdmin := users == 0
	if users > 0 {
		principal, found, err := s.resolvePrincipal(c)
		if err != nil {
			s.logger.Error().Err(err).Msg("session lookup failed")
			return internalError(c, "Failed to create user")
		}
		if !found {
			return unauthorizedResponse(c)
		}
		if !principal.IsAdmin {
			return fail(c, http.StatusForbidden, "Only admins can create users", nil)
		}
		isAdmin = req.IsAdmin
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		return internalError(c, "Failed to create user")
	}
	user, err := store.CreateUser(ctx, username, passwordHash, isAdmin, false)
	if err != nil {
		if errors.Is(err, db.ErrUserExists) {
			return fail(c, http.StatusConflict, "Username is already taken", nil)
		}
		s.logger.Error().Err(err).Str("username", username).Msg("create user failed")
		return internalError(c, "Failed to create user")
	}

	s.logger.Info().
		Int64("user_id", user.UserID).
		Str("username", user.Username).
		Bool("is_admin", user.IsAdmin).
		Msg("user created")
	return successWithStatus(c, http.StatusCreated, map[string]any{
		"user": buildAuthUserResponse(user),
	})
}

func (s *Server) handleMe(c echo.Context) error {
	store := s.authStore
	if store == nil {
		return internalError(c, "Failed to load user")
	}

	principal, ok := principalFromContext(c)
	if !ok {
		return unauthorizedResponse(c)
	}

	user, err := store.GetUserByID(c.Request().Context(), principal.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return unauthorizedResponse(c)
		}
		s.logger.Error().Err(err).Int64("user_id", principal.UserID).Msg("load me user failed")
		return internalError(c, "Failed to load user")
	}

	return success(c, map[string]any{
		"user": buildAuthUserResponse(user),
		"session": map[string]any{
			"expires_at": principal.ExpiresAt,
		},
	})
}

func (s *Server) handleChangePassword(c echo.Context) error {
	store := s.authStore
	if store == nil {
		return internalError(c, "Failed to update password")
	}

	principal, ok := principalFromContext(c)
	if !ok {
		return unauthorizedResponse(c)
	}

	var req changePasswordRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	if err := auth.ValidatePassword(req.NewPassword); err != nil {
		return failValidation(c, map[string]string{"new_password": err.Error()})
	}

	ctx := c.Request().Context()
	user, err := store.GetUserByID(ctx, principal.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return unauthorizedResponse(c)
		}
		s.logger.Error().Err(err).Int64("user_id", principal.UserID).Msg("load user failed")
		return internalError(c, "Failed to update password")
	}
	if !auth.VerifyPassword(req.CurrentPassword, user.PasswordHash) {
		return fail(c, http.StatusUnauthorized, "Current password is incorrect", nil)
	}

	passwordHash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		return internalError(c, "Failed to update password")
	}
	if err := store.SetUserPasswordHash(ctx, principal.UserID, passwordHash, false); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return unauthorizedResponse(c)
		}
		s.logger.Error().Err(err).Int64("user_id", principal.UserID).Msg("update user password failed")
		return internalError(c, "Failed to update password")
	}
	return success(c, map[string]any{"password_changed": true})
}

func unauthorizedResponse(c echo.Context) error {
	if c == nil {
		return fmt.Errorf("authentication required")
	}
	return fail(c, http.StatusUnauthorized, "Authentication required", nil)
}

func buildAuthUserResponse(row *db.AuthUser) authUserResponse {
	if row == nil {
		return authUserResponse{}
	}
	return authUserResponse{
		UserID:             row.UserID,
		Username:           row.Username,
		IsAdmin:            row.IsAdmin,
		MustChangePassword: row.MustChangePassword,
		CreatedAt:          row.CreatedAt.UTC(),
		LastLoginAt:        row.LastLoginAt,
	}
}

func principalFromContext(c echo.Context) (authPrincipal, bool) {
	if c == nil {
		return authPrincipal{}, false
	}
	principal, ok := c.Get(principalContextKey).(authPrincipal)
	return principal, ok
}

func (s *Server) sessionIDFromCookie(c echo.Context) (string, bool) {
	if c == nil {
		return "", false
	}

	cookie, err := c.Cookie(s.opts.SessionCookie)
	if err != nil || cookie == nil {
		return "", false
	}

	sessionID := strings.TrimSpace(cookie.Value)
	if sessionID == "" {
		return "", false
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		s.clearSessionCookie(c)
		return "", false
	}
	return sessionID, true
}

func (s *Server) setSessionCookie(c echo.Context, sessionID string, expiresAt time.Time) {
	if c == nil {
		return
	}

	maxAge := int(expiresAt.Sub(globaltime.UTC()).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}

	c.SetCookie(&http.Cookie{
		Name:     s.opts.SessionCookie,
		Value:    strings.TrimSpace(sessionID),
		Path:     "/",
		HttpOnly: true,
		Secure:   s.opts.SessionSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt.UTC(),
		MaxAge:   maxAge,
	})
}

func (s *Server) clearSessionCookie(c echo.Context) {
	if c == nil {
		return
	}

	c.SetCookie(&http.Cookie{
		Name:     s.opts.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.opts.SessionSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  globaltime.UTC().Add(-1 * time.Hour),
	})
}

func (s *Server) sessionExpiry(now time.Time) time.Time {
	if s == nil {
		return now.UTC()
	}
	ttl := s.opts.SessionTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return now.UTC().Add(ttl)
}
