package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Upper bounds, in runes, for request-derived values written to logs and span attributes.
const (
	maxMethodRunes    = 10
	maxRouteRunes     = 180
	maxReferenceRunes = 64
	maxFreeformRunes  = 256
)

// sanitizeString drops control characters other than tab and line breaks, then truncates to limit runes.
// A non-positive limit falls back to maxFreeformRunes.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = maxFreeformRunes
	}
	var b strings.Builder
	b.Grow(min(len(value), limit*utf8.UTFMax))
	kept := 0
	for _, r := range value {
		if kept == limit {
			break
		}
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			continue
		}
		b.WriteRune(r)
		kept++
	}
	return b.String()
}

func SanitizeMethod(method string) string {
	return sanitizeString(method, maxMethodRunes)
}

// SanitizeRoute reports "/" for an empty route.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, maxRouteRunes)
}

// SanitizeReference bounds opaque identifiers such as buyer or payment references.
func SanitizeReference(ref string) string {
	return sanitizeString(ref, maxReferenceRunes)
}
