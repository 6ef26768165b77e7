package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"medbook/config"
	"medbook/internal/domain"
	"medbook/internal/events"
	"medbook/internal/gateway"
	"medbook/internal/metrics"
	"medbook/internal/repository"
	"medbook/internal/storage"
	"medbook/pkg/auth"
)

type Deps struct {
	Repos    *repository.Repositories
	Gateways gateway.Registry
	Events   events.Publisher
	Receipts storage.ReceiptStore
	Metrics  *metrics.BookingMetrics
	Logger   *zap.Logger
	Config   *config.Config
	// Now defaults to time.Now.
	Now func() time.Time
}

type Services struct {
	Calendar     CalendarService
	Appointment  AppointmentService
	Payment      PaymentService
	Consultation ConsultationService
	Reconciler   *Reconciler
	Sweeper      *Sweeper
}

func NewServices(deps Deps) (*Services, error) {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if deps.Events == nil {
		deps.Events = events.NewMemoryBus(deps.Logger)
	}

	catalog, err := NewCatalog(deps.Config.Booking.Catalog, deps.Config.Booking.SlotDuration)
	if err != nil {
		return nil, err
	}
	loc := deps.Config.Booking.Location

	provisioner := NewRoomProvisioner(deps.Repos.Appointment, deps.Config.Consultation.PublicBaseURL, deps.Logger)
	ledger := newLedger(deps.Repos.Payment, deps.Repos.Appointment, provisioner, deps.Receipts, deps.Events, deps.Metrics, deps.Logger, now)
	reconciler := NewReconciler(deps.Gateways, ledger, deps.Config.Payment.PollInterval, deps.Config.Payment.Timeout, deps.Metrics, deps.Logger, now)
	calendar := NewCalendarService(deps.Repos.Doctor, deps.Repos.Appointment, catalog, loc, deps.Logger, now)

	return &Services{
		Calendar:     calendar,
		Appointment:  NewAppointmentService(deps.Repos.Appointment, calendar, reconciler, provisioner, deps.Config.Booking.BaseFee, deps.Metrics, deps.Logger),
		Payment:      NewPaymentService(deps.Repos.Payment, deps.Gateways, reconciler, ledger, deps.Receipts, deps.Metrics, deps.Logger),
		Consultation: NewConsultationService(deps.Repos.Appointment, NewGate(deps.Config.Consultation, catalog.Duration, loc), deps.Logger, now),
		Reconciler:   reconciler,
		Sweeper:      NewSweeper(deps.Repos.Payment, deps.Repos.Appointment, deps.Gateways, reconciler, ledger, provisioner, deps.Config.Payment, deps.Logger, now),
	}, nil
}

// NewCatalog builds the named static slot catalog.
func NewCatalog(name string, duration time.Duration) (domain.SlotCatalog, error) {
	switch name {
	case "standard", "":
		return domain.NewSlotCatalog("standard", duration, domain.StandardCatalogWindows...)
	case "extended":
		return domain.NewSlotCatalog("extended", duration, domain.ExtendedCatalogWindows...)
	}
	return domain.SlotCatalog{}, fmt.Errorf("unknown slot catalog %q", name)
}

type CalendarService interface {
	AvailableSlots(ctx context.Context, doctorID int64, date time.Time) ([]domain.TimeSlot, error)
	Location() *time.Location
	SlotDuration() time.Duration
}

type AppointmentService interface {
	Book(ctx context.Context, patientID int64, dto domain.CreateAppointmentDTO) (*domain.Appointment, error)
	Get(ctx context.Context, id int64) (*domain.Appointment, error)
	ListByDoctorDate(ctx context.Context, doctorID int64, date time.Time) ([]domain.Appointment, error)
	SetStatus(ctx context.Context, id int64, status domain.AppointmentStatus) (*domain.Appointment, error)
	AttachCharge(ctx context.Context, id int64, chargeID string, amount int64) (*domain.Appointment, bool, error)
}

type PaymentService interface {
	Initiate(ctx context.Context, appointmentID int64, gateway domain.Gateway, payer domain.Payer) (*domain.PaymentAttempt, error)
	Get(ctx context.Context, attemptID uuid.UUID) (*domain.PaymentAttempt, error)
	Watch(ctx context.Context, attemptID uuid.UUID) (*Watch, error)
	Cancel(attemptID uuid.UUID) bool
	Refresh(ctx context.Context, attemptID uuid.UUID) (*domain.PaymentAttempt, error)
	HandleRedirectCallback(ctx context.Context, sessionID string) (*domain.PaymentAttempt, error)
	HandleSTKCallback(ctx context.Context, callback gateway.STKCallback, raw []byte) (*domain.PaymentAttempt, error)
	ReceiptURL(ctx context.Context, attemptID uuid.UUID) (string, error)
}

type ConsultationService interface {
	CanJoin(appointment *domain.Appointment, now time.Time) bool
	Access(ctx context.Context, appointmentID int64) (*domain.Appointment, domain.ConsultationAccess, error)
	Evaluate(appointment *domain.Appointment, now time.Time) domain.ConsultationAccess
}

// Participant reports whether the caller may see the appointment.
// Doctor tokens carry the doctor id as their user id.
func Participant(id auth.Identity, a *domain.Appointment) bool {
	switch id.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleDoctor:
		return a.DoctorID == id.UserID
	case auth.RolePatient:
		return a.PatientID == id.UserID
	}
	return false
}
