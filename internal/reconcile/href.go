package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	MaxHrefLength     = 64
	MaxHrefIterations = 100
	fallbackSlug      = "item"
	maxSlugBodyLength = 48
)

var (
	ErrInvalidHref  = errors.New("invalid href")
	ErrReservedHref = errors.New("reserved href")
)

var reservedHrefs = map[string]struct{}{
	"/api":           {},
	"/notifications": {},
}

// IsReservedHref reports whether href is owned by the application itself.
func IsReservedHref(href string) bool {
	_, ok := reservedHrefs[strings.ToLower(strings.TrimSpace(href))]
	return ok
}

// ValidateHref checks the syntax of an explicit navigation href.
func ValidateHref(href string) error {
	if href == "" || !strings.HasPrefix(href, "/") {
		return fmt.Errorf("%w: must start with /", ErrInvalidHref)
	}
	if len(href) > MaxHrefLength {
		return fmt.Errorf("%w: max %d characters", ErrInvalidHref, MaxHrefLength)
	}
	if href == "/" {
		return fmt.Errorf("%w: root path is not allowed", ErrInvalidHref)
	}
	for _, segment := range strings.Split(strings.TrimPrefix(href, "/"), "/") {
		if segment == "" {
			return fmt.Errorf("%w: empty path segment", ErrInvalidHref)
		}
		for _, r := range segment {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
				continue
			}
			return fmt.Errorf("%w: %q is not allowed", ErrInvalidHref, r)
		}
	}
	if IsReservedHref(href) {
		return fmt.Errorf("%w: %s", ErrReservedHref, href)
	}
	return nil
}

// Slugify turns a label into a lower-case, dash separated path segment.
func Slugify(label string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, label)
	if err != nil {
		stripped = label
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(stripped) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugBodyLength {
		slug = strings.Trim(slug[:maxSlugBodyLength], "-")
	}
	if slug == "" {
		return fallbackSlug
	}
	return slug
}

// UniqueHref derives an href from label that is not taken and not reserved.
// After MaxHrefIterations collisions it falls back to a timestamp suffix.
func UniqueHref(label string, taken func(string) bool, now time.Time) string {
	base := "/" + Slugify(label)
	inUse := func(href string) bool {
		return IsReservedHref(href) || taken(href)
	}
	if !inUse(base) {
		return base
	}
	for i := 1; i <= MaxHrefIterations; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !inUse(candidate) {
			return candidate
		}
	}
	return fmt.Sprintf("%s-%d", base, now.UnixMilli())
}

// SpaceNameFromHref derives a human readable space name from an href, or
// from the label when the href carries nothing usable.
func SpaceNameFromHref(href, label string) string {
	trimmed := strings.Trim(strings.TrimSpace(href), "/")
	if trimmed != "" {
		return strings.ReplaceAll(trimmed, "/", "-")
	}
	if name := strings.TrimSpace(label); name != "" {
		return name
	}
	return fallbackSlug
}
