package app

import (
	"errors"
	"strings"
	"testing"

	"horse.fit/clearoid/internal/dedup"
)

func TestParseIDs(t *testing.T) {
	t.Parallel()

	ids, err := parseIDs([]string{"3,1", " 7 ", ""})
	if err != nil {
		t.Fatalf("parseIDs failed: %v", err)
	}
	want := []int64{3, 1, 7}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}

	for _, bad := range []string{"abc", "0", "-4", "1,x"} {
		if _, err := parseIDs([]string{bad}); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestParseExportScope(t *testing.T) {
	t.Parallel()

	scope, err := parseExportScope("Duplicates", "")
	if err != nil {
		t.Fatalf("parseExportScope failed: %v", err)
	}
	if scope.Kind != dedup.ScopeDuplicates || len(scope.IDs) != 0 {
		t.Fatalf("unexpected scope: %+v", scope)
	}

	scope, err = parseExportScope("ids", "4,2,4")
	if err != nil {
		t.Fatalf("parseExportScope(ids) failed: %v", err)
	}
	if scope.Kind != dedup.ScopeIDs || len(scope.IDs) != 3 {
		t.Fatalf("unexpected ids scope: %+v", scope)
	}

	if _, err := parseExportScope("ids", ""); err == nil {
		t.Fatalf("expected ids scope without ids to fail")
	}
	if _, err := parseExportScope("all", "1"); err == nil {
		t.Fatalf("expected ids with scope all to fail")
	}
	if _, err := parseExportScope("everything", ""); err == nil {
		t.Fatalf("expected unknown scope to fail")
	}
}

func TestParseOutputFormat(t *testing.T) {
	t.Parallel()

	format, err := parseOutputFormat(" JSON ", outputFormatTable)
	if err != nil || format != outputFormatJSON {
		t.Fatalf("expected json, got %q (%v)", format, err)
	}
	format, err = parseOutputFormat("", outputFormatTable)
	if err != nil || format != outputFormatTable {
		t.Fatalf("expected table default, got %q (%v)", format, err)
	}
	if _, err := parseOutputFormat("yaml", outputFormatTable); err == nil {
		t.Fatalf("expected yaml to be rejected")
	}
}

func TestTruncateForTable(t *testing.T) {
	t.Parallel()

	if got := truncateForTable("  short  ", 10); got != "short" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	if got := truncateForTable("Überraschung im Stadtrat", 10); got != "Überras..." {
		t.Fatalf("unexpected truncation: %q", got)
	}
}

func TestConfirmFrom(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"y\n":   true,
		"YES\n": true,
		"n\n":   false,
		"":      false,
		"maybe": false,
	}
	for input, want := range cases {
		got, err := confirmFrom(strings.NewReader(input), "Proceed?")
		if err != nil {
			t.Fatalf("confirmFrom(%q) failed: %v", input, err)
		}
		if got != want {
			t.Fatalf("confirmFrom(%q) = %t, want %t", input, got, want)
		}
	}

	if _, err := confirmFrom(failingReader{}, "Proceed?"); err == nil {
		t.Fatalf("expected read error to surface")
	}
}

func TestBuildUnitFile(t *testing.T) {
	t.Parallel()

	unit := buildUnitFile(unitSpec{
		Description: "clearoid batch worker",
		After:       "network.target",
		User:        "clearoid",
		WorkDir:     "/srv/clearoid",
		ExecStart:   "/usr/local/bin/clearoid worker --env /srv/clearoid/.env",
		EnvFile:     "/srv/clearoid/.env",
	})

	for _, want := range []string{
		"Description=clearoid batch worker",
		"User=clearoid",
		"WorkingDirectory=/srv/clearoid",
		"EnvironmentFile=-/srv/clearoid/.env",
		"ExecStart=/usr/local/bin/clearoid worker --env /srv/clearoid/.env",
		"WantedBy=multi-user.target",
	} {
		if !strings.Contains(unit, want) {
			t.Fatalf("unit file missing %q:\n%s", want, unit)
		}
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if code := Run([]string{"frobnicate"}); code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if code := Run(nil); code != 2 {
		t.Fatalf("expected exit code 2 without args, got %d", code)
	}
	if code := Run([]string{"delete", "--all"}); code != 2 {
		t.Fatalf("expected --all without --force to be a usage error, got %d", code)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("stdin closed") }
