package oauth

import (
	"slices"
	"strings"
)

// ParseScope splits a space-delimited scope string into its labels.
func ParseScope(scope string) []string {
	return strings.Fields(scope)
}

// FormatScope joins scope labels, dropping duplicates while keeping order.
func FormatScope(labels []string) string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return strings.Join(out, " ")
}

// scopeCovers reports whether every label in required is present in granted.
// An empty granted scope places no restriction.
func scopeCovers(granted, required string) bool {
	grantedLabels := ParseScope(granted)
	if len(grantedLabels) == 0 {
		return true
	}
	for _, label := range ParseScope(required) {
		if !slices.Contains(grantedLabels, label) {
			return false
		}
	}
	return true
}

// VerifyScope reports whether the token grants every label in required.
func VerifyScope(token *Token, required string) bool {
	if token == nil {
		return false
	}
	return scopeCovers(token.Scope, required)
}
