// Package handle generates and formats participant handles.
package handle

import (
	"math/rand/v2"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/gookit/color"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nfrund/roomsync/internal/domain"
)

var (
	adjectives = []string{
		"brave", "calm", "clever", "eager", "fancy", "gentle", "happy", "jolly",
		"kind", "lively", "lucky", "mellow", "nimble", "proud", "quick", "quiet",
		"shy", "silly", "swift", "witty",
	}
	nouns = []string{
		"badger", "beaver", "falcon", "ferret", "gecko", "heron", "koala", "lemur",
		"lynx", "marten", "newt", "otter", "panda", "puffin", "quokka", "raven",
		"seal", "tapir", "walrus", "yak",
	}
	palette = []color.Color{
		color.FgRed, color.FgGreen, color.FgYellow, color.FgBlue,
		color.FgMagenta, color.FgCyan, color.FgLightRed, color.FgLightGreen,
		color.FgLightBlue, color.FgLightMagenta,
	}
)

// Random returns a handle such as "SwiftOtter".
func Random() string {
	return Capitalize(adjectives[rand.IntN(len(adjectives))]) + Capitalize(nouns[rand.IntN(len(nouns))])
}

// Capitalize upper-cases the first letter and leaves the rest untouched.
func Capitalize(s string) string {
	if s == "" {
		return ""
	}
	_, size := utf8.DecodeRuneInString(s)
	return cases.Upper(language.Und).String(s[:size]) + s[size:]
}

// IsAlphanumeric reports whether s is non-empty and made of ASCII letters and
// digits only.
func IsAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}

// Valid reports whether s can be used as a handle.
func Valid(s string) bool {
	return IsAlphanumeric(s) && len(s) <= domain.MaxHandleLength
}

// Modulus hashes s into [0, mod). The hash is the 32-bit h*31+c rolling hash
// over the leading UTF-16 unit of each rune, so every client maps a handle to
// the same bucket.
func Modulus(s string, mod int) int {
	if mod <= 0 {
		return 0
	}
	var h int32
	for _, r := range s {
		unit := r
		if r1, _ := utf16.EncodeRune(r); r1 != utf8.RuneError {
			unit = r1
		}
		h = (h << 5) - h + int32(unit)
	}
	abs := int64(h)
	if abs < 0 {
		abs = -abs
	}
	return int(abs % int64(mod))
}

// Colorize renders h in its stable terminal color.
func Colorize(h string) string {
	return palette[Modulus(h, len(palette))].Sprint(h)
}
