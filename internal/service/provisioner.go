package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"medbook/internal/domain"
	"medbook/internal/repository"
)

// RoomProvisioner issues call rooms on the signaling hub for confirmed, paid appointments.
type RoomProvisioner struct {
	appointments repository.AppointmentRepository
	baseURL      string
	logger       *zap.Logger
}

func NewRoomProvisioner(appointments repository.AppointmentRepository, publicBaseURL string, logger *zap.Logger) *RoomProvisioner {
	return &RoomProvisioner{
		appointments: appointments,
		baseURL:      publicBaseURL,
		logger:       logger,
	}
}

func (p *RoomProvisioner) RoomURL(room uuid.UUID) string {
	return fmt.Sprintf("%s/consultations/%s", p.baseURL, room)
}

// Ensure sets a video link if the appointment is confirmed, paid and has none yet.
// It returns the appointment as stored afterwards.
func (p *RoomProvisioner) Ensure(ctx context.Context, appointment *domain.Appointment) (*domain.Appointment, error) {
	if appointment.Status != domain.AppointmentStatusConfirmed || !appointment.Paid() || appointment.HasVideoLink() {
		return appointment, nil
	}

	url := p.RoomURL(uuid.New())
	set, err := p.appointments.SetVideoURL(ctx, appointment.ID, url)
	if err != nil {
		return nil, err
	}

	if !set {
		return p.appointments.GetByID(ctx, appointment.ID)
	}

	p.logger.Info("call link provisioned", zap.Int64("appointment_id", appointment.ID), zap.String("video_url", url))

	updated := *appointment
	updated.VideoURL = &url
	return &updated, nil
}
