package storage

import (
	"crypto/rand"
	"math/big"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	suffixAlphabet   = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	suffixLength     = 8
	placeholderName  = "file"
	maxSanitizedBase = 180
)

var (
	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	repeatedUnders  = regexp.MustCompile(`_+`)
)

// NameGenerator produces collision-resistant, filesystem-safe names.
type NameGenerator struct {
	now func() time.Time
}

// NewNameGenerator creates a NameGenerator using the wall clock.
func NewNameGenerator() *NameGenerator {
	return &NameGenerator{now: time.Now}
}

// NewNameGeneratorWithClock creates a NameGenerator reading time from now.
func NewNameGeneratorWithClock(now func() time.Time) *NameGenerator {
	return &NameGenerator{now: now}
}

// Generate returns {unixMillis}_{random}_{sanitizedBase}{lowercasedExt}.
// The result never exceeds MaxNameLength bytes: the base is shortened first,
// and an extension too long to fit is cut.
func (g *NameGenerator) Generate(original string) string {
	ext := path.Ext(original)
	base := SanitizeBaseName(strings.TrimSuffix(original, ext))
	ext = strings.ToLower(ext)

	prefix := strconv.FormatInt(g.now().UnixMilli(), 10) + "_" + randomSuffix(suffixLength) + "_"
	room := MaxNameLength - len(prefix) - len(placeholderName)
	if len(ext) > room {
		ext = truncateUTF8(ext, room)
	}
	if over := len(prefix) + len(base) + len(ext) - MaxNameLength; over > 0 {
		base = strings.TrimRight(base[:len(base)-over], "_")
		if base == "" {
			base = placeholderName
		}
	}
	return prefix + base + ext
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// UniqueName generates a unique name with the wall clock.
func UniqueName(original string) string {
	return NewNameGenerator().Generate(original)
}

// SanitizeBaseName replaces characters outside [A-Za-z0-9._-] with "_",
// collapses runs of "_" and trims them from both ends.
func SanitizeBaseName(base string) string {
	s := unsafeNameChars.ReplaceAllString(base, "_")
	s = repeatedUnders.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > maxSanitizedBase {
		s = strings.TrimRight(s[:maxSanitizedBase], "_")
	}
	if s == "" {
		return placeholderName
	}
	return s
}

func randomSuffix(n int) string {
	limit := big.NewInt(int64(len(suffixAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			panic("storage: crypto/rand unavailable: " + err.Error())
		}
		b[i] = suffixAlphabet[idx.Int64()]
	}
	return string(b)
}
