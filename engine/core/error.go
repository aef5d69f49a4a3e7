package core

import (
	"errors"
	"fmt"
)

// Error is the structured error payload surfaced to callers when a workflow
// instance or an individual action fails.
type Error struct {
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message"`
	Ref     string         `json:"ref,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func NewError(err error, code string, details map[string]any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: err.Error(),
		Details: details,
	}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// WithRef attaches the failing action ref to the error payload.
func (e *Error) WithRef(ref string) *Error {
	if e == nil {
		return nil
	}
	e.Ref = ref
	return e
}

// RootCause unwraps err down to the innermost error so callers see the
// meaningful message instead of an outer "activity task failed" wrapper.
func RootCause(err error) error {
	if err == nil {
		return nil
	}
	for {
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
}
