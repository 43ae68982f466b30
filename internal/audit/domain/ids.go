package domain

import (
	"strings"

	"github.com/google/uuid"
)

// NewEventID returns an "audit_" prefixed identifier.
func NewEventID() string {
	return "audit_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}
