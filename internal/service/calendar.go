package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"medbook/internal/domain"
	"medbook/internal/repository"
)

// AvailableSlots lists the catalog slots still bookable for doctor on date, in chronological order.
// Past dates and days the doctor does not work yield an empty list. On today, slots starting at
// or before now are dropped. Slots held by non-cancelled appointments are removed.
func AvailableSlots(doctor domain.Doctor, date time.Time, existing []domain.Appointment, now time.Time, catalog domain.SlotCatalog, loc *time.Location) []domain.TimeSlot {
	slots := make([]domain.TimeSlot, 0, len(catalog.Starts))

	y, m, d := date.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, loc)
	if !doctor.AcceptsOn(day.Weekday()) {
		return slots
	}

	today := domain.CivilDate(now, loc)
	if domain.BeforeDate(day, today) {
		return slots
	}
	isToday := domain.SameDate(day, today)

	held := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		if a.DoctorID != doctor.ID || a.Status == domain.AppointmentStatusCancelled {
			continue
		}
		if !domain.SameDate(a.AppointmentDate, day) {
			continue
		}
		held[a.TimeSlot] = struct{}{}
	}

	for _, start := range catalog.Starts {
		if isToday && !domain.SlotStart(day, start, loc).After(now) {
			continue
		}
		if _, taken := held[start]; taken {
			continue
		}
		slots = append(slots, domain.TimeSlot{Date: day, StartTime: start, Duration: catalog.Duration})
	}

	return slots
}

type CalendarServiceImpl struct {
	doctors      repository.DoctorRepository
	appointments repository.AppointmentRepository
	catalog      domain.SlotCatalog
	loc          *time.Location
	logger       *zap.Logger
	now          func() time.Time
}

func NewCalendarService(
	doctors repository.DoctorRepository,
	appointments repository.AppointmentRepository,
	catalog domain.SlotCatalog,
	loc *time.Location,
	logger *zap.Logger,
	now func() time.Time,
) *CalendarServiceImpl {
	return &CalendarServiceImpl{
		doctors:      doctors,
		appointments: appointments,
		catalog:      catalog,
		loc:          loc,
		logger:       logger,
		now:          now,
	}
}

func (s *CalendarServiceImpl) AvailableSlots(ctx context.Context, doctorID int64, date time.Time) ([]domain.TimeSlot, error) {
	doctor, err := s.doctors.GetByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	existing, err := s.appointments.ListByDoctorDate(ctx, doctorID, date)
	if err != nil {
		s.logger.Error("failed to load booked slots", zap.Int64("doctor_id", doctorID), zap.Error(err))
		return nil, fmt.Errorf("failed to load booked slots: %w", err)
	}

	return AvailableSlots(*doctor, date, existing, s.now(), s.catalog, s.loc), nil
}

func (s *CalendarServiceImpl) Location() *time.Location {
	return s.loc
}

func (s *CalendarServiceImpl) SlotDuration() time.Duration {
	return s.catalog.Duration
}

// today returns the current clinic date.
func (s *CalendarServiceImpl) today() time.Time {
	return domain.CivilDate(s.now(), s.loc)
}
