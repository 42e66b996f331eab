// Package urlutil provides URL formatting helpers for callers of the fetch
// client. The client itself validates URLs but never rewrites them.
package urlutil

import "strings"

// DefaultScheme is prepended by EnsureScheme when a URL carries no scheme
const DefaultScheme = "https"

// HasScheme reports whether rawURL already declares a scheme
func HasScheme(rawURL string) bool {
	return strings.Contains(rawURL, "://")
}

// EnsureScheme prepends the default scheme when rawURL has none.
// Empty input is returned unchanged.
func EnsureScheme(rawURL string) string {
	if rawURL == "" || HasScheme(rawURL) {
		return rawURL
	}
	return DefaultScheme + "://" + rawURL
}
