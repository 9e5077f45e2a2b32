package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

const (
	MaxTabNameLength = 32
	MaxLabelLength   = 50
)

var (
	ErrEmptyName      = errors.New("name is empty")
	ErrNameTooLong    = errors.New("name is too long")
	ErrNameCharacters = errors.New("name contains disallowed characters")
)

// ValidateTabName reports whether name can be used as a tab name.
func ValidateTabName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ErrEmptyName
	}
	if utf8.RuneCountInString(trimmed) > MaxTabNameLength {
		return fmt.Errorf("%w: max %d characters", ErrNameTooLong, MaxTabNameLength)
	}
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			continue
		}
		return fmt.Errorf("%w: %q", ErrNameCharacters, r)
	}
	return nil
}

// ValidateLabel reports whether label can be shown as a navigation label.
func ValidateLabel(label string) error {
	trimmed := strings.TrimSpace(label)
	if trimmed == "" {
		return ErrEmptyName
	}
	if utf8.RuneCountInString(trimmed) > MaxLabelLength {
		return fmt.Errorf("%w: max %d characters", ErrNameTooLong, MaxLabelLength)
	}
	return nil
}

// UniqueName returns base, or the first of "base - 1", "base - 2", ... that
// is not taken. With maxLen > 0 the base is shortened so every candidate
// stays within maxLen runes.
func UniqueName(base string, maxLen int, taken func(string) bool) string {
	base = strings.TrimSpace(base)
	if !taken(base) {
		return base
	}
	for i := 1; ; i++ {
		suffix := fmt.Sprintf(" - %d", i)
		candidate := truncateRunes(base, maxLen-utf8.RuneCountInString(suffix), maxLen) + suffix
		if !taken(candidate) {
			return candidate
		}
	}
}

func truncateRunes(s string, n, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	if n < 1 {
		n = 1
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n]))
}

// FoldLabel returns the case-insensitive comparison key for a label.
func FoldLabel(label string) string {
	return cases.Fold().String(strings.TrimSpace(label))
}

// LabelTaken builds a case-insensitive membership test over labels.
func LabelTaken(labels []string) func(string) bool {
	folded := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		folded[FoldLabel(label)] = struct{}{}
	}
	return func(candidate string) bool {
		_, ok := folded[FoldLabel(candidate)]
		return ok
	}
}

// UniqueLabel is UniqueName with case-insensitive comparison, bounded by
// MaxLabelLength.
func UniqueLabel(label string, existing []string) string {
	return UniqueName(label, MaxLabelLength, LabelTaken(existing))
}
