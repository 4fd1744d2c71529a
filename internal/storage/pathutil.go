package storage

import "strings"

// BrowserIDFromTargetID returns the first 8 chars of a CDP target ID, made
// safe for use as a directory name.
func BrowserIDFromTargetID(targetID string) string {
	if len(targetID) > 8 {
		targetID = targetID[:8]
	}
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, targetID)
	if id == "" {
		return "unknown"
	}
	return id
}
