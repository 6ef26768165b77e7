package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Gateway string

const (
	GatewayRedirect Gateway = "redirect"
	GatewayPushSTK  Gateway = "push_stk"
)

func (g Gateway) Valid() bool {
	return g == GatewayRedirect || g == GatewayPushSTK
}

type PaymentStatus string

const (
	PaymentStatusInitiated            PaymentStatus = "initiated"
	PaymentStatusAwaitingConfirmation PaymentStatus = "awaiting_confirmation"
	PaymentStatusSettled              PaymentStatus = "settled"
	PaymentStatusFailed               PaymentStatus = "failed"
	PaymentStatusTimedOut             PaymentStatus = "timed_out"
	PaymentStatusSuperseded           PaymentStatus = "superseded"
)

// Active attempts are the ones a reconciliation loop may still resolve.
func (s PaymentStatus) Active() bool {
	return s == PaymentStatusInitiated || s == PaymentStatusAwaitingConfirmation
}

type PaymentAttempt struct {
	ID                uuid.UUID     `json:"id"`
	AppointmentID     int64         `json:"appointment_id"`
	Gateway           Gateway       `json:"gateway"`
	Status            PaymentStatus `json:"status"`
	Amount            int64         `json:"amount"`
	Phone             *string       `json:"phone,omitempty"`
	CheckoutURL       *string       `json:"checkout_url,omitempty"`
	ExternalReference string        `json:"external_reference"`
	ProviderMessage   *string       `json:"provider_message,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	SettledAt         *time.Time    `json:"settled_at,omitempty"`
}

// Deadline is the absolute instant after which polling gives up.
func (p *PaymentAttempt) Deadline(timeout time.Duration) time.Time {
	return p.StartedAt.Add(timeout)
}

type Payer struct {
	Phone string `json:"phone,omitempty"`
}

type InitiatePaymentDTO struct {
	Gateway Gateway `json:"gateway" binding:"required,oneof=redirect push_stk"`
	Phone   string  `json:"phone" example:"0712345678"`
}

// StatusVerdict classifies a provider status into what reconciliation must do with it.
type StatusVerdict int

const (
	VerdictPending StatusVerdict = iota
	VerdictSettled
	VerdictFailed
)

func (v StatusVerdict) String() string {
	switch v {
	case VerdictSettled:
		return "settled"
	case VerdictFailed:
		return "failed"
	default:
		return "pending"
	}
}

// GatewayStatus is one provider status check.
type GatewayStatus struct {
	Code    string
	Message string
	Verdict StatusVerdict
	Raw     []byte
}

// StatusSet matches provider codes case-insensitively.
type StatusSet map[string]struct{}

func NewStatusSet(codes ...string) StatusSet {
	set := make(StatusSet, len(codes))
	for _, c := range codes {
		set[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	return set
}

func (s StatusSet) Has(code string) bool {
	_, ok := s[strings.ToLower(strings.TrimSpace(code))]
	return ok
}

// Session is what a gateway returns after accepting a payment request.
type Session struct {
	Reference   string
	CheckoutURL string
	Message     string
}

type PaymentEventType string

const (
	PaymentEventSettled    PaymentEventType = "payment.settled"
	PaymentEventFailed     PaymentEventType = "payment.failed"
	PaymentEventTimedOut   PaymentEventType = "payment.timed_out"
	PaymentEventSuperseded PaymentEventType = "payment.superseded"
)

type PaymentEvent struct {
	Type          PaymentEventType `json:"type"`
	AttemptID     uuid.UUID        `json:"attempt_id"`
	AppointmentID int64            `json:"appointment_id"`
	PatientID     int64            `json:"patient_id"`
	Gateway       Gateway          `json:"gateway"`
	Amount        int64            `json:"amount"`
	Message       string           `json:"message,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// Settlement is the result of the atomic settle step.
type Settlement struct {
	Attempt     *PaymentAttempt
	Appointment *Appointment
	// Duplicate is set when the appointment had been paid already or was cancelled,
	// so the money must be refunded by operations.
	Duplicate bool
	// Applied is false when the attempt was already terminal and nothing changed.
	Applied bool
}

// Receipt is the archived record of a settled attempt.
type Receipt struct {
	AttemptID       uuid.UUID `json:"attempt_id"`
	AppointmentID   int64     `json:"appointment_id"`
	Gateway         Gateway   `json:"gateway"`
	Amount          int64     `json:"amount"`
	Reference       string    `json:"reference"`
	SettledAt       time.Time `json:"settled_at"`
	Duplicate       bool      `json:"duplicate"`
	ProviderCode    string    `json:"provider_code,omitempty"`
	ProviderMessage string    `json:"provider_message,omitempty"`
	ProviderPayload []byte    `json:"provider_payload,omitempty"`
}
