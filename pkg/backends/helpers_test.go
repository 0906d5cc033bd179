package backends

import "strings"

func indexOf(s, sub string) int {
	return strings.Index(s, sub)
}

func containsLine(s, line string) bool {
	for _, l := range strings.Split(s, "\n") {
		if l == line {
			return true
		}
	}
	return false
}
