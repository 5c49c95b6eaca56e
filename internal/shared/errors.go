package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrLocked indicates another worker holds the critical section.
	ErrLocked = errors.New("resource locked")
)
