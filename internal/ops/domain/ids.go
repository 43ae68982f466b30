package domain

import (
	"strings"

	"github.com/google/uuid"
)

// NewPlanID returns an "ops_" prefixed identifier.
func NewPlanID() string {
	return "ops_" + hex12()
}

// NewExecutionID returns an "exec_" prefixed identifier.
func NewExecutionID() string {
	return "exec_" + hex12()
}

func hex12() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
