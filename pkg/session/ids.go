package session

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// NewSessionID generates a fresh session ID. Callers that do not bring
// their own ID use this; the result always passes ValidateSessionID.
func NewSessionID() string {
	id, err := gonanoid.New()
	if err != nil {
		// nanoid fails only when the OS entropy source does.
		panic(err)
	}
	return "sess_" + id
}
