package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const executionIDPrefix = "exec_"

// ExecutionID identifies one root-level execution request and every event and
// sub-execution belonging to it.
type ExecutionID string

func NewExecutionID() ExecutionID {
	return ExecutionID(executionIDPrefix + uuid.NewString())
}

func (id ExecutionID) String() string {
	return string(id)
}

func ValidateExecutionID(id string) bool {
	rest, ok := strings.CutPrefix(id, executionIDPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil && len(rest) == 36
}

func ParseExecutionID(s string) (ExecutionID, error) {
	if !ValidateExecutionID(s) {
		return "", fmt.Errorf("invalid execution ID format: %s", s)
	}
	return ExecutionID(s), nil
}
