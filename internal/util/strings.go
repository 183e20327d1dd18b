// Package util provides small shared utilities that don't fit into
// domain-specific packages.
package util

import "strings"

// SafeTruncate truncates a string to maxLen characters without panicking.
// Used when logging sensitive values like tokens, where only a prefix
// should ever appear.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by removing trailing
// slashes. Issuer identifiers with and without a trailing slash are
// considered equivalent.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
