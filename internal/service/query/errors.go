package query

import (
	"errors"
)

var (
	ErrEventNotFound  = errors.New("event not found")
	ErrTicketNotFound = errors.New("ticket not found")
	ErrUserRequired   = errors.New("user_id is required")
)
