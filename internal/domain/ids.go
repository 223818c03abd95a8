package domain

import "github.com/google/uuid"

// NewID returns a time-ordered identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
