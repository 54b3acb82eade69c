package common

import (
	"github.com/google/uuid"
)

// NewRequestID generates a unique correlation ID for request logging
// Format: req_<uuid>
func NewRequestID() string {
	return "req_" + uuid.New().String()
}
