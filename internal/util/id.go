package util

import "github.com/google/uuid"

// NewOperationID returns a globally unique id for a queued operation.
func NewOperationID() string {
	return uuid.NewString()
}
