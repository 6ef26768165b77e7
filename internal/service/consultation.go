package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"medbook/config"
	"medbook/internal/domain"
	"medbook/internal/repository"
)

// Gate is the video-call window around an appointment's slot start.
type Gate struct {
	OpensBefore  time.Duration
	ClosesAfter  time.Duration
	SlotDuration time.Duration
	Location     *time.Location
}

func NewGate(cfg config.ConsultationConfig, slotDuration time.Duration, loc *time.Location) Gate {
	return Gate{
		OpensBefore:  cfg.OpensBefore,
		ClosesAfter:  cfg.ClosesAfter,
		SlotDuration: slotDuration,
		Location:     loc,
	}
}

// Window returns the inclusive instants between which the call may be joined.
func (g Gate) Window(a *domain.Appointment) (time.Time, time.Time) {
	start := a.Slot(g.SlotDuration).StartsAt(g.Location)
	return start.Add(-g.OpensBefore), start.Add(g.ClosesAfter)
}

// CanJoin is true only for confirmed appointments with a call link, inside the window.
func (g Gate) CanJoin(a *domain.Appointment, now time.Time) bool {
	if a.Status != domain.AppointmentStatusConfirmed || !a.HasVideoLink() {
		return false
	}
	opens, closes := g.Window(a)
	return !now.Before(opens) && !now.After(closes)
}

// Label names the exact slot time, e.g. "Consultation starts at 10:00 on Mon 12 Oct".
func (g Gate) Label(a *domain.Appointment) string {
	start := a.Slot(g.SlotDuration).StartsAt(g.Location)
	return "Consultation starts at " + start.Format("15:04") + " on " + start.Format("Mon 2 Jan")
}

func (g Gate) Evaluate(a *domain.Appointment, now time.Time) domain.ConsultationAccess {
	opens, closes := g.Window(a)
	access := domain.ConsultationAccess{
		AppointmentID: a.ID,
		CanJoin:       g.CanJoin(a, now),
		OpensAt:       opens,
		ClosesAt:      closes,
		Label:         g.Label(a),
	}

	switch {
	case access.CanJoin:
		access.VideoURL = a.VideoURL
	case a.Status != domain.AppointmentStatusConfirmed:
		access.Reason = "appointment is " + string(a.Status)
	case !a.HasVideoLink():
		access.Reason = "payment has not been confirmed yet"
	case now.Before(opens):
		access.Reason = "consultation has not opened yet"
	default:
		access.Reason = "consultation window has closed"
	}

	return access
}

type ConsultationServiceImpl struct {
	appointments repository.AppointmentRepository
	gate         Gate
	logger       *zap.Logger
	now          func() time.Time
}

func NewConsultationService(appointments repository.AppointmentRepository, gate Gate, logger *zap.Logger, now func() time.Time) *ConsultationServiceImpl {
	return &ConsultationServiceImpl{
		appointments: appointments,
		gate:         gate,
		logger:       logger,
		now:          now,
	}
}

func (s *ConsultationServiceImpl) CanJoin(appointment *domain.Appointment, now time.Time) bool {
	return s.gate.CanJoin(appointment, now)
}

func (s *ConsultationServiceImpl) Evaluate(appointment *domain.Appointment, now time.Time) domain.ConsultationAccess {
	return s.gate.Evaluate(appointment, now)
}

func (s *ConsultationServiceImpl) Access(ctx context.Context, appointmentID int64) (*domain.Appointment, domain.ConsultationAccess, error) {
	appointment, err := s.appointments.GetByID(ctx, appointmentID)
	if err != nil {
		return nil, domain.ConsultationAccess{}, err
	}
	return appointment, s.gate.Evaluate(appointment, s.now()), nil
}
