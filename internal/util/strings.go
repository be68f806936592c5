package util

import "strings"

// DefaultString returns fallback when v is empty or whitespace only.
//
//	DefaultString("hello", "world") → "hello"
//	DefaultString("  ",    "world") → "world"
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash renders blank table cells as "-".
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// ShortID trims a UUID-like id to its first segment for table output.
func ShortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
