package store

import "errors"

var (
	ErrNotFound        = errors.New("record not found")
	ErrNotOpen         = errors.New("store pair not open")
	ErrSchemaNotLoaded = errors.New("schema not loaded")
	ErrWriteInProgress = errors.New("write in progress")
	ErrUnknownTable    = errors.New("unknown table")
	ErrUnknownField    = errors.New("unknown field")
	ErrMissingKey      = errors.New("record has no primary key")
)
