package engine

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultMaxErrorLength bounds persisted error strings.
const DefaultMaxErrorLength = 1024

// Redact replaces every occurrence of a secret value in s with SecretMask.
// Longer secrets are replaced first so overlapping values mask fully.
func Redact(s string, secrets []string) string {
	if len(secrets) == 0 || s == "" {
		return s
	}
	sorted := make([]string, 0, len(secrets))
	for _, v := range secrets {
		if v != "" {
			sorted = append(sorted, v)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	for _, v := range sorted {
		s = strings.ReplaceAll(s, v, SecretMask)
	}
	return s
}

// Truncate shortens s to at most max bytes without splitting a rune.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	const suffix = "...(truncated)"
	cut := max - len(suffix)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}
