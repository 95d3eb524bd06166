package schema

import "errors"

var (
	// ErrSchemaUnavailable indicates the remote description could not be obtained.
	ErrSchemaUnavailable = errors.New("schema unavailable")

	// ErrUnsupportedKind indicates a remote scalar type with no local mapping.
	ErrUnsupportedKind = errors.New("unsupported attribute kind")

	// ErrUnknownTable indicates a table that is not part of the derived schema.
	ErrUnknownTable = errors.New("unknown table")
)
