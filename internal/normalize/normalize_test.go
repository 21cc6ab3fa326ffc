package normalize

import "testing"

func TestNormalizeFoldsCasePunctuationAndNumbers(t *testing.T) {
	t.Parallel()

	n := Default()
	cases := map[string]string{
		"Annual Report 2022":    "annual report",
		"annual report, 2022!!": "annual report",
		"  Hello,   World!  ":   "hello world",
		"Title 1":               "title",
		"Title 2":               "title",
		"COVID-19 update":       "covid update",
		"version v2 released":   "version v2 released",
		"room101 booking":       "room101 booking",
		"snake_case_title":      "snake case title",
		"Ｆｕｌｌｗｉｄｔｈ Ｔｅｘｔ":    "fullwidth text",
		"Crème   brûlée":    "crème brûlée",
		"tab\tand\nnewline": "tab and newline",
		"":                  "",
		"   ":               "",
		"!!! ???":           "",
		"2022":              "",
	}
	for input, want := range cases {
		if got := n.Normalize(input); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNormalizeKeepsNumbersWhenDisabled(t *testing.T) {
	t.Parallel()

	n := New(Options{IgnoreNumbers: false})
	if n.IgnoresNumbers() {
		t.Fatalf("expected digits to be kept")
	}

	if got := n.Normalize("Report 2023"); got != "report 2023" {
		t.Fatalf("unexpected normalization: %q", got)
	}
	if n.Normalize("Report 2023") == n.Normalize("Report 2024") {
		t.Fatalf("different years should stay distinct when digits are kept")
	}
	if got := n.Normalize("COVID-19 update"); got != "covid 19 update" {
		t.Fatalf("unexpected normalization: %q", got)
	}
}

func TestNormalizeDigitInsensitivityWhenEnabled(t *testing.T) {
	t.Parallel()

	n := New(Options{IgnoreNumbers: true})
	if !n.IgnoresNumbers() {
		t.Fatalf("expected digits to be ignored")
	}
	if a, b := n.Normalize("Report 2023"), n.Normalize("Report 2024"); a != b {
		t.Fatalf("expected equal normalization, got %q and %q", a, b)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"Annual Report 2022",
		"a_1 b-2 c.3",
		"½ price sale",
		"é 5́",
		"ℌello Ⅻ chapters",
		"मानक हिन्दी 2024",
		"x--12--y",
		"   ",
		"İstanbul Ǆ titles",
	}
	for _, ignore := range []bool{true, false} {
		n := New(Options{IgnoreNumbers: ignore})
		for _, input := range inputs {
			once := n.Normalize(input)
			if twice := n.Normalize(once); twice != once {
				t.Fatalf("not idempotent for %q (ignoreNumbers=%v): %q -> %q", input, ignore, once, twice)
			}
		}
	}
}

func FuzzNormalizeIdempotent(f *testing.F) {
	for _, seed := range []string{"Annual Report 2022", "a_1", "v2.0-beta", "  "} {
		f.Add(seed, true)
		f.Add(seed, false)
	}
	f.Fuzz(func(t *testing.T, input string, ignore bool) {
		n := New(Options{IgnoreNumbers: ignore})
		once := n.Normalize(input)
		if twice := n.Normalize(once); twice != once {
			t.Fatalf("not idempotent for %q: %q -> %q", input, once, twice)
		}
	})
}
