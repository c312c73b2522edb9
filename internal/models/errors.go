package models

import "fmt"

// ValidationError reports malformed caller input. It is returned before any
// side effect, so a request that fails validation has touched nothing.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
