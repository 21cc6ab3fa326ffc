package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("changeme123")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected non-empty hash")
	}
	if !VerifyPassword("changeme123", hash) {
		t.Fatalf("expected password verification to succeed")
	}
	if VerifyPassword("wrong-password", hash) {
		t.Fatalf("did not expect wrong password to verify")
	}
}

func TestNormalizeUsername(t *testing.T) {
	t.Parallel()

	if got := NormalizeUsername(" Admin "); got != "admin" {
		t.Fatalf("unexpected normalized username: %q", got)
	}
}

func TestValidatePassword(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		password string
		wantErr  error
	}{
		{name: "too short", password: "short", wantErr: ErrPasswordTooShort},
		{name: "padding does not count", password: "   abc   ", wantErr: ErrPasswordTooShort},
		{name: "too long", password: strings.Repeat("a", 73), wantErr: ErrPasswordTooLong},
		{name: "ok", password: "correct horse"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidatePassword(tc.password)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ValidatePassword(%q) = %v, want %v", tc.password, err, tc.wantErr)
			}
		})
	}
}

func TestValidateUsername(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"admin", "ops.team", "jane_doe-2"} {
		if err := ValidateUsername(ok); err != nil {
			t.Fatalf("ValidateUsername(%q) returned %v", ok, err)
		}
	}
	for _, bad := range []string{"", "with space", "semi;colon", strings.Repeat("u", MaxUsernameLength+1)} {
		if err := ValidateUsername(bad); err == nil {
			t.Fatalf("ValidateUsername(%q) expected an error", bad)
		}
	}
}
