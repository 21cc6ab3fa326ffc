package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/clearoid/internal/auth"
	"horse.fit/clearoid/internal/config"
	"horse.fit/clearoid/internal/db"
)

// adminSeeder is the slice of db.Pool needed to seed the first account.
type adminSeeder interface {
	CountUsers(ctx context.Context) (int64, error)
	CreateUser(ctx context.Context, username, passwordHash string, isAdmin, mustChangePassword bool) (*db.AuthUser, error)
}

// ensureDefaultAdmin creates DEFAULT_ADMIN_USER when the user table is
// empty. Without DEFAULT_ADMIN_PASSWORD the first account comes from signup.
func ensureDefaultAdmin(ctx context.Context, store adminSeeder, cfg *config.Config, logger zerolog.Logger) error {
	if store == nil || cfg == nil {
		return fmt.Errorf("ensure default admin: missing dependencies")
	}

	userCount, err := store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if userCount > 0 {
		return nil
	}

	username := auth.NormalizeUsername(cfg.DefaultAdminUser)
	password := strings.TrimSpace(cfg.DefaultAdminPassword)
	if password == "" {
		logger.Info().Msg("no users and no DEFAULT_ADMIN_PASSWORD; the first signup becomes admin")
		return nil
	}
	if err := auth.ValidateUsername(username); err != nil {
		return fmt.Errorf("DEFAULT_ADMIN_USER %w", err)
	}
	if err := auth.ValidatePassword(password); err != nil {
		return fmt.Errorf("DEFAULT_ADMIN_PASSWORD %w", err)
	}

	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash default admin password: %w", err)
	}

	if _, err := store.CreateUser(ctx, username, passwordHash, true, false); err != nil {
		if errors.Is(err, db.ErrUserExists) {
			return nil
		}
		return err
	}

	logger.Warn().
		Str("username", username).
		Msg("created default admin user")
	return nil
}
