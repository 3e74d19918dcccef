package utils

import "strings"

// FirstNonEmpty returns the first value that is not blank once trimmed.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
