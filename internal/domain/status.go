package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TicketStatus is the tri-state outcome of a reservation.
//
// Storage codes are kept compatible with the legacy schema:
//
//	Rejected  = 0
//	Confirmed = 1
//	Pending   = 2
//
// Pending is the state every ticket is created in.
type TicketStatus int16

const (
	TicketRejected  TicketStatus = 0
	TicketConfirmed TicketStatus = 1
	TicketPending   TicketStatus = 2
)

var ErrInvalidTicketStatus = errors.New("invalid ticket status")

func (s TicketStatus) String() string {
	switch s {
	case TicketPending:
		return "pending"
	case TicketConfirmed:
		return "confirmed"
	case TicketRejected:
		return "rejected"
	}
	return fmt.Sprintf("TicketStatus(%d)", int16(s))
}

func (s TicketStatus) IsValid() bool {
	switch s {
	case TicketPending, TicketConfirmed, TicketRejected:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s TicketStatus) IsTerminal() bool {
	return s == TicketConfirmed || s == TicketRejected
}

// CanTransitionTo checks the Pending -> {Confirmed, Rejected} rule.
func (s TicketStatus) CanTransitionTo(target TicketStatus) bool {
	return s == TicketPending && target.IsTerminal()
}

// Code returns the storage code.
func (s TicketStatus) Code() int16 { return int16(s) }

// TicketStatusFromCode maps a storage code back to a status.
func TicketStatusFromCode(code int16) (TicketStatus, error) {
	s := TicketStatus(code)
	if !s.IsValid() {
		return 0, fmt.Errorf("%w: code %d", ErrInvalidTicketStatus, code)
	}
	return s, nil
}

// ParseTicketStatus accepts a status name or its numeric storage code.
func ParseTicketStatus(v string) (TicketStatus, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "pending":
		return TicketPending, nil
	case "confirmed":
		return TicketConfirmed, nil
	case "rejected":
		return TicketRejected, nil
	}

	code, err := strconv.ParseInt(v, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTicketStatus, v)
	}

	return TicketStatusFromCode(int16(code))
}

func (s TicketStatus) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("%w: code %d", ErrInvalidTicketStatus, int16(s))
	}
	return []byte(s.String()), nil
}

func (s *TicketStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseTicketStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
