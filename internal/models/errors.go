package models

import (
	"fmt"
)

// ParseError represents a cell that could not be coerced to its column type.
// It is recovered as a null cell and only counted, never returned.
type ParseError struct {
	Column Column
	Value  string
	Row    int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("row %d: cannot parse %s value %q", e.Row, e.Column, e.Value)
}

// IsTransient returns false as parse errors are properties of the input
func (e *ParseError) IsTransient() bool {
	return false
}

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}

// EmptyGroupError is returned by aggregation queries over zero matching records
type EmptyGroupError struct {
	Column Column
}

func (e *EmptyGroupError) Error() string {
	if e.Column == "" {
		return "no records to aggregate"
	}
	return fmt.Sprintf("no records to aggregate by %s", e.Column)
}

// IsTransient returns false as an empty selection does not change on retry
func (e *EmptyGroupError) IsTransient() bool {
	return false
}

// IOError represents a persistence failure
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsTransient returns false; the pipeline never retries persistence
func (e *IOError) IsTransient() bool {
	return false
}
