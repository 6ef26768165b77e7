package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSlotUnavailable        = errors.New("time slot is not available")
	ErrInvalidDate            = errors.New("appointment date is in the past")
	ErrIllegalTransition      = errors.New("illegal appointment status transition")
	ErrAppointmentNotFound    = errors.New("appointment not found")
	ErrDoctorNotFound         = errors.New("doctor not found")
	ErrPaymentNotFound        = errors.New("payment attempt not found")
	ErrInvalidPhoneFormat     = errors.New("invalid phone number format")
	ErrGatewayRejected        = errors.New("payment gateway rejected the request")
	ErrReconciliationTimedOut = errors.New("payment was not confirmed in time")
	ErrTransientPoll          = errors.New("payment status check failed")
	ErrNothingDue             = errors.New("nothing due on appointment")
	ErrInvalidCharge          = errors.New("invalid charge")
	ErrUnsupportedGateway     = errors.New("unsupported payment gateway")
)

// PhoneFormatError reports the input that could not be normalized.
type PhoneFormatError struct {
	Input string
}

func (e *PhoneFormatError) Error() string {
	return fmt.Sprintf("%s: %q, expected a Kenyan mobile number such as 0712345678", ErrInvalidPhoneFormat, e.Input)
}

func (e *PhoneFormatError) Unwrap() error {
	return ErrInvalidPhoneFormat
}

// GatewayRejectedError carries the provider's message so the payer can self-correct.
type GatewayRejectedError struct {
	Gateway Gateway
	Code    string
	Message string
}

func (e *GatewayRejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s gateway rejected the request (%s): %s", e.Gateway, e.Code, e.Message)
	}
	return fmt.Sprintf("%s gateway rejected the request: %s", e.Gateway, e.Message)
}

func (e *GatewayRejectedError) Unwrap() error {
	return ErrGatewayRejected
}

// TransientPollError wraps a transport failure on a single status check.
// It is retried until the attempt deadline and never surfaced on its own.
type TransientPollError struct {
	AttemptID string
	Err       error
}

func (e *TransientPollError) Error() string {
	return fmt.Sprintf("%s for attempt %s: %v", ErrTransientPoll, e.AttemptID, e.Err)
}

func (e *TransientPollError) Unwrap() []error {
	return []error{ErrTransientPoll, e.Err}
}
