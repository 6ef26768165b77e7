package domain

import "time"

// ConsultationAccess is the consultation gate evaluated for one appointment at one instant.
type ConsultationAccess struct {
	AppointmentID int64     `json:"appointment_id"`
	CanJoin       bool      `json:"can_join"`
	OpensAt       time.Time `json:"opens_at"`
	ClosesAt      time.Time `json:"closes_at"`
	Label         string    `json:"label"`
	VideoURL      *string   `json:"video_url,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}
