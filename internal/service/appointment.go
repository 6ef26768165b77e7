package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"medbook/internal/domain"
	"medbook/internal/metrics"
	"medbook/internal/repository"
)

type AppointmentServiceImpl struct {
	repo        repository.AppointmentRepository
	calendar    *CalendarServiceImpl
	reconciler  *Reconciler
	provisioner *RoomProvisioner
	baseFee     int64
	metrics     *metrics.BookingMetrics
	logger      *zap.Logger
}

func NewAppointmentService(
	repo repository.AppointmentRepository,
	calendar *CalendarServiceImpl,
	reconciler *Reconciler,
	provisioner *RoomProvisioner,
	baseFee int64,
	metrics *metrics.BookingMetrics,
	logger *zap.Logger,
) *AppointmentServiceImpl {
	return &AppointmentServiceImpl{
		repo:        repo,
		calendar:    calendar,
		reconciler:  reconciler,
		provisioner: provisioner,
		baseFee:     baseFee,
		metrics:     metrics,
		logger:      logger,
	}
}

func (s *AppointmentServiceImpl) Book(ctx context.Context, patientID int64, dto domain.CreateAppointmentDTO) (*domain.Appointment, error) {
	appointment, err := s.book(ctx, patientID, dto)
	s.metrics.ObserveBooking(bookingResult(err))
	return appointment, err
}

func (s *AppointmentServiceImpl) book(ctx context.Context, patientID int64, dto domain.CreateAppointmentDTO) (*domain.Appointment, error) {
	date, err := domain.ParseDate(dto.AppointmentDate, s.calendar.Location())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidDate, err)
	}

	if domain.BeforeDate(date, s.calendar.today()) {
		return nil, fmt.Errorf("%s: %w", dto.AppointmentDate, domain.ErrInvalidDate)
	}

	slots, err := s.calendar.AvailableSlots(ctx, dto.DoctorID, date)
	if err != nil {
		return nil, err
	}

	if !containsSlot(slots, dto.TimeSlot) {
		s.logger.Info("requested slot is not available",
			zap.Int64("doctor_id", dto.DoctorID),
			zap.String("date", dto.AppointmentDate),
			zap.String("time_slot", dto.TimeSlot))
		return nil, fmt.Errorf("doctor %d at %s %s: %w", dto.DoctorID, dto.AppointmentDate, dto.TimeSlot, domain.ErrSlotUnavailable)
	}

	created, err := s.repo.Create(ctx, &domain.Appointment{
		DoctorID:        dto.DoctorID,
		PatientID:       patientID,
		AppointmentDate: date,
		TimeSlot:        dto.TimeSlot,
		BaseFee:         s.baseFee,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrSlotUnavailable) {
			s.logger.Error("failed to create appointment", zap.Int64("doctor_id", dto.DoctorID), zap.Error(err))
		}
		return nil, err
	}

	s.logger.Info("appointment booked",
		zap.Int64("appointment_id", created.ID),
		zap.Int64("doctor_id", created.DoctorID),
		zap.Int64("patient_id", created.PatientID),
		zap.String("date", dto.AppointmentDate),
		zap.String("time_slot", created.TimeSlot))

	return created, nil
}

func bookingResult(err error) string {
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, domain.ErrSlotUnavailable):
		return "slot_unavailable"
	case errors.Is(err, domain.ErrInvalidDate):
		return "invalid_date"
	case errors.Is(err, domain.ErrDoctorNotFound):
		return "doctor_not_found"
	}
	return "error"
}

func containsSlot(slots []domain.TimeSlot, start string) bool {
	for _, slot := range slots {
		if slot.StartTime == start {
			return true
		}
	}
	return false
}

func (s *AppointmentServiceImpl) Get(ctx context.Context, id int64) (*domain.Appointment, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *AppointmentServiceImpl) ListByDoctorDate(ctx context.Context, doctorID int64, date time.Time) ([]domain.Appointment, error) {
	return s.repo.ListByDoctorDate(ctx, doctorID, date)
}

// SetStatus applies a doctor or patient status change. Cancelling stops any payment polling
// for the appointment; confirming an already paid appointment provisions its call link.
func (s *AppointmentServiceImpl) SetStatus(ctx context.Context, id int64, status domain.AppointmentStatus) (*domain.Appointment, error) {
	event, ok := domain.EventForStatus(status)
	if !ok {
		return nil, fmt.Errorf("cannot move appointment %d to %q: %w", id, status, domain.ErrIllegalTransition)
	}

	updated, err := s.repo.Apply(ctx, id, event)
	if err != nil {
		return nil, err
	}

	s.logger.Info("appointment status changed",
		zap.Int64("appointment_id", id),
		zap.String("status", string(updated.Status)))

	switch updated.Status {
	case domain.AppointmentStatusCancelled:
		if s.reconciler.StopAppointment(id) {
			s.logger.Info("payment polling stopped for cancelled appointment", zap.Int64("appointment_id", id))
		}
	case domain.AppointmentStatusConfirmed:
		withLink, err := s.provisioner.Ensure(ctx, updated)
		if err != nil {
			s.logger.Error("failed to provision call link", zap.Int64("appointment_id", id), zap.Error(err))
			return updated, nil
		}
		updated = withLink
	}

	return updated, nil
}

// AttachCharge adds a prescription charge to a confirmed appointment. The bool reports whether
// the charge was new; re-sending the same charge id is a no-op.
func (s *AppointmentServiceImpl) AttachCharge(ctx context.Context, id int64, chargeID string, amount int64) (*domain.Appointment, bool, error) {
	updated, created, err := s.repo.AttachCharge(ctx, id, chargeID, amount)
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.Info("charge attached",
			zap.Int64("appointment_id", id),
			zap.String("charge_id", chargeID),
			zap.Int64("amount", amount),
			zap.Int64("balance_due", updated.BalanceDue()))
	}

	return updated, created, nil
}
