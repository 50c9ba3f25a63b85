package httpgin

import (
	"github.com/shopspring/decimal"
)

type BuyTicketRequest struct {
	EventID  int64  `json:"event_id" binding:"required"`
	UserID   string `json:"user_id" binding:"required"`
	Quantity int    `json:"quantity" binding:"required"`
}

type BuyTicketResponse struct {
	RequestID string `json:"request_id"`
}

// ValidationCallbackRequest is posted by the validation authority.
// Valid is a pointer so that a missing field is rejected.
type ValidationCallbackRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Valid     *bool  `json:"valid" binding:"required"`
	GroupID   int    `json:"group_id"`
}

type ValidationCallbackResponse struct {
	RequestID string `json:"request_id"`
	Outcome   string `json:"outcome"`
}

type CreateEventRequest struct {
	Name     string          `json:"name" binding:"required"`
	Price    decimal.Decimal `json:"price" swaggertype:"string" example:"49.90"`
	Capacity int             `json:"capacity" binding:"gte=0"`
}

type CreateEventResponse struct {
	EventID int64 `json:"event_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
