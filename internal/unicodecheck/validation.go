// Package unicodecheck rejects identifiers carrying Unicode that renders
// deceptively or breaks key construction: zero-width characters, bidi
// overrides, control characters and non-NFC text.
package unicodecheck

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MaxIdentifierLength bounds user, device, session, tab and room ids
const MaxIdentifierLength = 256

// ErrInvalidIdentifier is returned by CheckIdentifier
var ErrInvalidIdentifier = errors.New("invalid identifier")

var zeroWidthChars = []rune{
	'\u200B', // zero width space
	'\u200C', // zero width non-joiner
	'\u200D', // zero width joiner
	'\u200E', // left-to-right mark
	'\u200F', // right-to-left mark
	'\u2060', // word joiner
	'\uFEFF', // byte order mark
}

var bidiOverrideChars = []rune{
	'\u202A', '\u202B', '\u202C', '\u202D', '\u202E',
	'\u2066', '\u2067', '\u2068', '\u2069',
}

// ContainsZeroWidthChars reports zero-width characters used for spoofing
func ContainsZeroWidthChars(s string) bool {
	return strings.ContainsFunc(s, func(r rune) bool { return slices.Contains(zeroWidthChars, r) })
}

// ContainsBidiOverrides reports characters that reorder displayed text
func ContainsBidiOverrides(s string) bool {
	return strings.ContainsFunc(s, func(r rune) bool { return slices.Contains(bidiOverrideChars, r) })
}

// ContainsControlChars reports any control character, whitespace controls included
func ContainsControlChars(s string) bool {
	return strings.ContainsFunc(s, unicode.IsControl)
}

// ContainsProblematicCategories reports private use, surrogate and non-character code points
func ContainsProblematicCategories(s string) bool {
	return strings.ContainsFunc(s, func(r rune) bool {
		return unicode.Is(unicode.Co, r) ||
			unicode.Is(unicode.Cs, r) ||
			(r >= 0xFDD0 && r <= 0xFDEF) ||
			r&0xFFFF == 0xFFFE || r&0xFFFF == 0xFFFF
	})
}

// IsNFCNormalized reports whether s is in canonical composition form
func IsNFCNormalized(s string) bool {
	return norm.NFC.IsNormalString(s)
}

// CheckIdentifier validates an externally supplied id. Empty ids are accepted;
// callers decide which ids are required.
func CheckIdentifier(field, s string) error {
	switch {
	case s == "":
		return nil
	case len(s) > MaxIdentifierLength:
		return fmt.Errorf("%w: %s longer than %d bytes", ErrInvalidIdentifier, field, MaxIdentifierLength)
	case strings.ContainsAny(s, ": "):
		return fmt.Errorf("%w: %s contains a colon or space", ErrInvalidIdentifier, field)
	case ContainsControlChars(s):
		return fmt.Errorf("%w: %s contains control characters", ErrInvalidIdentifier, field)
	case ContainsZeroWidthChars(s), ContainsBidiOverrides(s):
		return fmt.Errorf("%w: %s contains invisible formatting characters", ErrInvalidIdentifier, field)
	case ContainsProblematicCategories(s):
		return fmt.Errorf("%w: %s contains reserved code points", ErrInvalidIdentifier, field)
	case !IsNFCNormalized(s):
		return fmt.Errorf("%w: %s is not NFC normalized", ErrInvalidIdentifier, field)
	}
	return nil
}

// SanitizeForLogging replaces control and zero-width characters before logging
func SanitizeForLogging(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsControl(r):
			b.WriteString("[CTRL]")
		case slices.Contains(zeroWidthChars, r):
			b.WriteString("[ZW]")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
