package saga

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidUser     = errors.New("user id is required")
	ErrNotFound        = errors.New("not found")
	ErrSoldOut         = errors.New("not enough tickets available")
	ErrOversold        = errors.New("inventory cannot cover confirmed quantity")
	ErrRateLimited     = errors.New("rate limited")
	ErrDeliveryFailed  = errors.New("validation request could not be delivered")
)

// RateLimitedError carries the time after which the caller may retry.
// It matches ErrRateLimited with errors.Is.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
