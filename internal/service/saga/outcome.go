package saga

import (
	"fmt"
	"strings"
)

// Outcome is the result of a resolution or compensation.
type Outcome string

const (
	OutcomeConfirmed         Outcome = "confirmed"
	OutcomeConfirmedSilently Outcome = "confirmed_silently"
	OutcomeRejected          Outcome = "rejected"
	OutcomeAlreadyTerminal   Outcome = "already_terminal"
)

// GroupPolicy decides what a valid callback from a group other than the
// trusted one does.
type GroupPolicy string

const (
	// PolicyDebit debits inventory and confirms the ticket without
	// notifying the buyer.
	PolicyDebit GroupPolicy = "debit"
	// PolicyReject treats the callback as invalid.
	PolicyReject GroupPolicy = "reject"
)

func ParseGroupPolicy(s string) (GroupPolicy, error) {
	switch p := GroupPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyDebit, PolicyReject:
		return p, nil
	case "":
		return PolicyReject, nil
	}
	return "", fmt.Errorf("unknown group policy %q", s)
}

// Reasons a Pending ticket is rejected.
const (
	ReasonInvalid        = "invalid"
	ReasonUntrustedGroup = "untrusted_group"
	ReasonTimeout        = "timeout"
	ReasonDeliveryFailed = "delivery_failed"
)
