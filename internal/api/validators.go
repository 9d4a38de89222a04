package api

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxTeamNameLength = 48

// normalizeTeamName trims surrounding whitespace and reports whether the
// result is usable as a team name: non-empty, valid UTF-8, at most
// maxTeamNameLength characters, no control characters.
func normalizeTeamName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" || !utf8.ValidString(name) {
		return "", false
	}
	if utf8.RuneCountInString(name) > maxTeamNameLength {
		return "", false
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", false
		}
	}
	return name, true
}
