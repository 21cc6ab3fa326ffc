// Package normalize canonicalizes title text before embedding and clustering.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Options controls optional normalization steps.
type Options struct {
	// IgnoreNumbers removes standalone digit runs, so "Title 1" and
	// "Title 2" normalize identically.
	IgnoreNumbers bool
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	ignoreNumbers bool
}

func New(opts Options) Normalizer {
	return Normalizer{ignoreNumbers: opts.IgnoreNumbers}
}

// Default strips standalone numbers.
func Default() Normalizer {
	return New(Options{IgnoreNumbers: true})
}

// IgnoresNumbers reports whether standalone digit runs are stripped.
func (n Normalizer) IgnoresNumbers() bool {
	return n.ignoreNumbers
}

// Normalize folds text to its cluster-comparable form: NFKC, lowercase,
// optional standalone-number removal, punctuation to spaces, collapsed
// whitespace. Blank input yields "". Normalize(Normalize(x)) == Normalize(x).
func (n Normalizer) Normalize(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	runes := []rune(strings.ToLower(norm.NFKC.String(text)))

	var b strings.Builder
	b.Grow(len(runes))
	for i := 0; i < len(runes); {
		r := runes[i]
		if unicode.IsDigit(r) {
			j := i
			for j < len(runes) && unicode.IsDigit(runes[j]) {
				j++
			}
			if n.ignoreNumbers && isStandalone(runes, i, j) {
				b.WriteByte(' ')
			} else {
				b.WriteString(string(runes[i:j]))
			}
			i = j
			continue
		}

		if isWordRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
		i++
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// Normalize applies the default normalizer.
func Normalize(text string) string {
	return Default().Normalize(text)
}

// isStandalone reports whether runes[start:end] is bounded by non-word runes
// or the ends of the text.
func isStandalone(runes []rune, start, end int) bool {
	if start > 0 && isWordRune(runes[start-1]) {
		return false
	}
	if end < len(runes) && isWordRune(runes[end]) {
		return false
	}
	return true
}

// Marks stay attached to their letters so scripts with combining vowel
// signs survive. Underscore is punctuation.
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsMark(r)
}
