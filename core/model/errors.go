package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSuchKey is returned when a mandatory field is absent from a document.
	ErrNoSuchKey = errors.New("no such key")
	// ErrTypeMismatch is returned when a field is present with the wrong type.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrBadValue is returned when a field has the right type but an unusable value.
	ErrBadValue = errors.New("bad value")
	// ErrInvalidChunk wraps the first failing field reported by Chunk.Validate.
	ErrInvalidChunk = errors.New("invalid chunk")
)

// FieldError names the document field a parse or validation failure refers to.
type FieldError struct {
	Field  string
	Err    error
	Detail string
}

func (e *FieldError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v: %s", e.Field, e.Err, e.Detail)
	}

	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func missingField(name string) error {
	return &FieldError{Field: name, Err: ErrNoSuchKey}
}

func badValue(name, detail string) error {
	return &FieldError{Field: name, Err: ErrBadValue, Detail: detail}
}
