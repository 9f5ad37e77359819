package model

import "errors"

// Provider outcome classes. Provider implementations wrap API errors with
// these so callers never inspect provider-specific codes.
var (
	ErrNotFound            = errors.New("resource not found")
	ErrAlreadyExists       = errors.New("resource already exists")
	ErrDependencyViolation = errors.New("resource still referenced by a dependent")
)
