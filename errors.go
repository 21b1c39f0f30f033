package mzdex

import "github.com/pkg/errors"

// Sentinel errors shared by all backends. Callers match them with errors.Is;
// backends attach context with github.com/pkg/errors wrapping.
var (
	// ErrParse indicates a malformed source record. It is a construction-time
	// error: the whole construction aborts and no dataset instance is returned.
	ErrParse = errors.New("malformed spectrum record")

	// ErrDuplicateID indicates two records share an id, including records from
	// different source files passed to the same backend. Construction-time and
	// fatal, like ErrParse.
	ErrDuplicateID = errors.New("duplicate spectrum id")

	// ErrOutOfRange indicates a positional access outside [0, Len()).
	// Per-call; the dataset remains valid for subsequent calls.
	ErrOutOfRange = errors.New("index out of range")

	// ErrNotFound indicates an id lookup for an absent id. Per-call.
	ErrNotFound = errors.New("spectrum not found")

	// ErrStorage indicates an I/O or store failure while reading. It is always
	// propagated to the caller and never retried internally; whether the
	// failure recurs depends on the underlying resource.
	ErrStorage = errors.New("storage failure")
)
