package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Event struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	CapacityRemaining int             `json:"capacity_remaining"`
	Held              int             `json:"held"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Available is the number of tickets that can still be put on hold.
func (e Event) Available() int {
	if n := e.CapacityRemaining - e.Held; n > 0 {
		return n
	}
	return 0
}

// Request is the audit record of one purchase intent. It is never
// mutated or deleted once written.
type Request struct {
	ID        string    `json:"request_id"`
	EventID   int64     `json:"event_id"`
	UserID    string    `json:"user_id"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

type Ticket struct {
	RequestID string       `json:"request_id"`
	EventID   int64        `json:"event_id"`
	UserID    string       `json:"user_id"`
	Quantity  int          `json:"quantity"`
	Status    TicketStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ValidationRequest is sent to the external validation authority.
type ValidationRequest struct {
	RequestID    string `json:"request_id"`
	GroupID      int    `json:"group_id"`
	EventID      int64  `json:"event_id"`
	DepositToken string `json:"deposit_token"`
	Quantity     int    `json:"quantity"`
	Seller       int    `json:"seller"`
}

// ValidationResult is the authority's asynchronous answer.
type ValidationResult struct {
	Valid     bool   `json:"valid"`
	RequestID string `json:"request_id"`
	GroupID   int    `json:"group_id"`
}

// Notification is handed to the notifier once a ticket is confirmed.
type Notification struct {
	Ticket      Ticket `json:"ticket"`
	Event       Event  `json:"event"`
	ArtifactURL string `json:"artifact_url"`
}
