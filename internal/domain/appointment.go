package domain

import (
	"time"
)

type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "pending"
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentStatusPending, AppointmentStatusConfirmed, AppointmentStatusCancelled:
		return true
	}
	return false
}

// LifecycleEvent is any trigger that may move an appointment between states.
// Doctor actions and payment settlement are separate sources fed into Transition.
type LifecycleEvent string

const (
	EventConfirm        LifecycleEvent = "confirm"
	EventCancel         LifecycleEvent = "cancel"
	EventPaymentSettled LifecycleEvent = "payment_settled"
)

// Transition returns the status an appointment moves to when event arrives.
func Transition(from AppointmentStatus, event LifecycleEvent) (AppointmentStatus, error) {
	switch from {
	case AppointmentStatusPending:
		switch event {
		case EventConfirm, EventPaymentSettled:
			return AppointmentStatusConfirmed, nil
		case EventCancel:
			return AppointmentStatusCancelled, nil
		}
	case AppointmentStatusConfirmed:
		switch event {
		case EventPaymentSettled:
			return AppointmentStatusConfirmed, nil
		case EventCancel:
			return AppointmentStatusCancelled, nil
		}
	}
	return from, ErrIllegalTransition
}

// EventForStatus maps a requested status change onto the lifecycle event that produces it.
func EventForStatus(to AppointmentStatus) (LifecycleEvent, bool) {
	switch to {
	case AppointmentStatusConfirmed:
		return EventConfirm, true
	case AppointmentStatusCancelled:
		return EventCancel, true
	}
	return "", false
}

type Appointment struct {
	ID              int64             `json:"id"`
	DoctorID        int64             `json:"doctor_id"`
	PatientID       int64             `json:"patient_id"`
	AppointmentDate time.Time         `json:"appointment_date"`
	TimeSlot        string            `json:"time_slot"`
	Status          AppointmentStatus `json:"status"`
	BaseFee         int64             `json:"base_fee"`
	TotalAmount     int64             `json:"total_amount"`
	AmountPaid      int64             `json:"amount_paid"`
	PaidAt          *time.Time        `json:"paid_at,omitempty"`
	VideoURL        *string           `json:"video_url,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Charges         []Charge          `json:"charges,omitempty"`
}

func (a *Appointment) HasVideoLink() bool {
	return a.VideoURL != nil && *a.VideoURL != ""
}

func (a *Appointment) Paid() bool {
	return a.PaidAt != nil && a.AmountPaid > 0
}

// BalanceDue is what the patient still owes, recomputed from the attached charges.
func (a *Appointment) BalanceDue() int64 {
	return TotalDue(a.BaseFee, a.Charges) - a.AmountPaid
}

func (a *Appointment) Slot(duration time.Duration) TimeSlot {
	return TimeSlot{Date: a.AppointmentDate, StartTime: a.TimeSlot, Duration: duration}
}

type Charge struct {
	ID            string    `json:"id"`
	AppointmentID int64     `json:"appointment_id"`
	Amount        int64     `json:"amount"`
	CreatedAt     time.Time `json:"created_at"`
}

// TotalDue is always recomputed from the charges so edits are reflected without reconciliation.
func TotalDue(baseFee int64, charges []Charge) int64 {
	total := baseFee
	for _, c := range charges {
		total += c.Amount
	}
	return total
}

type CreateAppointmentDTO struct {
	DoctorID        int64  `json:"doctor_id" binding:"required"`
	AppointmentDate string `json:"appointment_date" binding:"required" example:"2026-10-19"`
	TimeSlot        string `json:"time_slot" binding:"required" example:"10:00"`
}

type UpdateStatusDTO struct {
	Status AppointmentStatus `json:"status" binding:"required,oneof=confirmed cancelled"`
}

type AttachChargeDTO struct {
	ChargeID string `json:"charge_id" binding:"required"`
	Amount   int64  `json:"amount" binding:"required,gt=0"`
}

type AppointmentView struct {
	*Appointment
	TotalDue   int64 `json:"total_due"`
	BalanceDue int64 `json:"balance_due"`
}

func NewAppointmentView(a *Appointment) AppointmentView {
	return AppointmentView{
		Appointment: a,
		TotalDue:    TotalDue(a.BaseFee, a.Charges),
		BalanceDue:  a.BalanceDue(),
	}
}
