package domain

import (
	"fmt"
	"strings"
)

// ValidationError reports a violated field constraint.
type ValidationError struct {
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Rule)
}

// ErrNotFound is returned when a patient id is absent from the snapshot.
type ErrNotFound struct {
	ID string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("patient %s not found", e.ID)
}

// ErrConflict is returned when creating a patient whose id already exists.
type ErrConflict struct {
	ID string
}

func (e ErrConflict) Error() string {
	return fmt.Sprintf("patient %s already exists", e.ID)
}

// InvalidArgumentError reports an unsupported sort field or order.
type InvalidArgumentError struct {
	Argument string
	Value    string
	Allowed  []string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s %q: select from %s", e.Argument, e.Value, strings.Join(e.Allowed, ", "))
}
