package inspection

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrIncomplete      = errors.New("inspection incomplete: every item must be checked before submission")
	ErrUnknownItem     = errors.New("unknown checklist item")
	ErrInvalidStatus   = errors.New("invalid item status")
	ErrFindingExists   = errors.New("finding already open for item")
	ErrFindingNotFound = errors.New("finding not found")
	ErrRecordMismatch  = errors.New("record does not match its checklist snapshot")
)

// ValidationError lists metadata fields that are missing or malformed.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing or invalid inspection metadata: %s", strings.Join(e.Fields, ", "))
}

// StructureError reports responses that do not match the checklist one-to-one.
// The session has to be rebuilt; it cannot be repaired in place.
type StructureError struct {
	Missing   []string
	Unknown   []string
	Duplicate []string
}

func (e *StructureError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing responses for "+strings.Join(e.Missing, ","))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "responses for unknown items "+strings.Join(e.Unknown, ","))
	}
	if len(e.Duplicate) > 0 {
		parts = append(parts, "duplicate responses for "+strings.Join(e.Duplicate, ","))
	}
	return "checklist structure mismatch: " + strings.Join(parts, "; ")
}

func (e *StructureError) empty() bool {
	return len(e.Missing) == 0 && len(e.Unknown) == 0 && len(e.Duplicate) == 0
}
