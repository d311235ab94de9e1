package state

import "strings"

// SanitizeSessionID converts an opaque session id into a filesystem-safe
// name: Windows-reserved punctuation and control characters become "_",
// underscore runs collapse to a single "_", and leading/trailing "_" and "."
// are stripped. An id that sanitises to nothing becomes "_". Idempotent.
func SanitizeSessionID(id string) string {
	mapped := strings.Map(func(r rune) rune {
		if r < 0x20 {
			return '_'
		}
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		return r
	}, id)

	var b strings.Builder
	b.Grow(len(mapped))
	lastUnderscore := false
	for _, r := range mapped {
		if r == '_' {
			if lastUnderscore {
				continue
			}
			lastUnderscore = true
		} else {
			lastUnderscore = false
		}
		b.WriteRune(r)
	}

	out := strings.Trim(b.String(), "_.")
	if out == "" {
		return "_"
	}
	return out
}
