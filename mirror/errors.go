package mirror

import (
	"errors"
	"fmt"

	"pagemirror/internal/store"
)

// Error kinds surfaced by the engine. Use errors.As / errors.Is.
type (
	FetchError      = store.FetchError
	FilesystemError = store.FilesystemError
)

// ErrCanceled is wrapped by errors caused by cancellation between fetches.
var ErrCanceled = store.ErrCanceled

// ErrInvalidURL rejects entry URLs that are not absolute http(s).
var ErrInvalidURL = errors.New("mirror: entry URL must start with http:// or https://")

// ParseError reports a document the HTML parser could not read at all.
// Malformed markup is otherwise tolerated.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
