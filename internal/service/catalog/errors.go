package catalog

import "errors"

var (
	ErrInvalidEvent  = errors.New("invalid event")
	ErrEventConflict = errors.New("event already exists")
)
