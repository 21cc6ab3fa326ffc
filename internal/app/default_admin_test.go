package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"horse.fit/clearoid/internal/auth"
	"horse.fit/clearoid/internal/config"
	"horse.fit/clearoid/internal/db"
)

type fakeSeeder struct {
	count     int64
	createErr error
	created   []db.AuthUser
}

func (f *fakeSeeder) CountUsers(context.Context) (int64, error) {
	return f.count, nil
}

func (f *fakeSeeder) CreateUser(_ context.Context, username, passwordHash string, isAdmin, mustChange bool) (*db.AuthUser, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	user := db.AuthUser{
		UserID:             int64(len(f.created) + 1),
		Username:           username,
		PasswordHash:       passwordHash,
		IsAdmin:            isAdmin,
		MustChangePassword: mustChange,
	}
	f.created = append(f.created, user)
	return &user, nil
}

func TestEnsureDefaultAdminCreatesAdmin(t *testing.T) {
	t.Parallel()

	seeder := &fakeSeeder{}
	cfg := &config.Config{DefaultAdminUser: " Admin ", DefaultAdminPassword: "correct-horse"}

	if err := ensureDefaultAdmin(context.Background(), seeder, cfg, zerolog.Nop()); err != nil {
		t.Fatalf("ensureDefaultAdmin failed: %v", err)
	}
	if len(seeder.created) != 1 {
		t.Fatalf("expected one user, got %d", len(seeder.created))
	}
	user := seeder.created[0]
	if user.Username != "admin" || !user.IsAdmin {
		t.Fatalf("unexpected user: %+v", user)
	}
	if !auth.VerifyPassword("correct-horse", user.PasswordHash) {
		t.Fatalf("stored hash does not verify")
	}
}

func TestEnsureDefaultAdminSkips(t *testing.T) {
	t.Parallel()

	existing := &fakeSeeder{count: 2}
	cfg := &config.Config{DefaultAdminUser: "admin", DefaultAdminPassword: "correct-horse"}
	if err := ensureDefaultAdmin(context.Background(), existing, cfg, zerolog.Nop()); err != nil {
		t.Fatalf("ensureDefaultAdmin failed: %v", err)
	}
	if len(existing.created) != 0 {
		t.Fatalf("expected no user when users exist")
	}

	noPassword := &fakeSeeder{}
	cfg = &config.Config{DefaultAdminUser: "admin"}
	if err := ensureDefaultAdmin(context.Background(), noPassword, cfg, zerolog.Nop()); err != nil {
		t.Fatalf("ensureDefaultAdmin without password failed: %v", err)
	}
	if len(noPassword.created) != 0 {
		t.Fatalf("expected no user without a password")
	}

	raced := &fakeSeeder{createErr: fmt.Errorf("user %q: %w", "admin", db.ErrUserExists)}
	cfg = &config.Config{DefaultAdminUser: "admin", DefaultAdminPassword: "correct-horse"}
	if err := ensureDefaultAdmin(context.Background(), raced, cfg, zerolog.Nop()); err != nil {
		t.Fatalf("expected a concurrent create to be ignored, got %v", err)
	}
}

func TestEnsureDefaultAdminRejectsWeakPassword(t *testing.T) {
	t.Parallel()

	seeder := &fakeSeeder{}
	cfg := &config.Config{DefaultAdminUser: "admin", DefaultAdminPassword: "short"}
	err := ensureDefaultAdmin(context.Background(), seeder, cfg, zerolog.Nop())
	if !errors.Is(err, auth.ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
}
