package session

import (
	"fmt"
	"strings"
)

const maxSessionIDLen = 250

// ValidateSessionID checks a caller-supplied session ID. Every backend
// applies the same rules so histories stay portable between backends; the
// file backend, which maps IDs to file names, is the binding constraint.
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id cannot be empty", ErrInvalidSessionID)
	}
	if len(sessionID) > maxSessionIDLen {
		return fmt.Errorf("%w: session id exceeds %d bytes", ErrInvalidSessionID, maxSessionIDLen)
	}
	if strings.Contains(sessionID, "..") {
		return fmt.Errorf("%w: session id cannot contain '..'", ErrInvalidSessionID)
	}
	if strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("%w: session id cannot contain path separators", ErrInvalidSessionID)
	}
	for _, r := range sessionID {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: session id cannot contain control characters", ErrInvalidSessionID)
		}
	}
	return nil
}
