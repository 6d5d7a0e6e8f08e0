package domain

import "time"

// Intent is what the requester wants done.
type Intent string

const (
	IntentVerifyAndFix Intent = "verify_and_fix"
)

// Request is one operational request. Each request runs its own state machine.
type Request struct {
	ID          string    `json:"id"`
	Description string    `json:"description" validate:"required"`
	Endpoints   []string  `json:"endpoints" validate:"min=2,dive,required"`
	Intent      Intent    `json:"intent" validate:"omitempty,oneof=verify_and_fix"`
	Requester   string    `json:"requester,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}
