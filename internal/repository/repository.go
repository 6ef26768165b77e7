package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"medbook/internal/domain"
)

// DB is satisfied by *pgxpool.Pool and by pgxmock pools in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// querier is the read/write surface shared by DB and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repositories struct {
	Doctor      DoctorRepository
	Appointment AppointmentRepository
	Payment     PaymentRepository
}

func NewRepositories(db DB, doctorTTL time.Duration) *Repositories {
	return &Repositories{
		Doctor:      NewCachedDoctorRepository(NewDoctorRepository(db), doctorTTL),
		Appointment: NewAppointmentRepository(db),
		Payment:     NewPaymentRepository(db),
	}
}

type DoctorRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Doctor, error)
}

type AppointmentRepository interface {
	Create(ctx context.Context, appointment *domain.Appointment) (*domain.Appointment, error)
	GetByID(ctx context.Context, id int64) (*domain.Appointment, error)
	ListByDoctorDate(ctx context.Context, doctorID int64, date time.Time) ([]domain.Appointment, error)
	Apply(ctx context.Context, id int64, event domain.LifecycleEvent) (*domain.Appointment, error)
	AttachCharge(ctx context.Context, id int64, chargeID string, amount int64) (*domain.Appointment, bool, error)
	SetVideoURL(ctx context.Context, id int64, videoURL string) (bool, error)
	ListAwaitingVideo(ctx context.Context, limit int) ([]domain.Appointment, error)
}

type PaymentRepository interface {
	// Create supersedes the appointment's active attempts and inserts a new one for the outstanding balance.
	Create(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.PaymentAttempt, []domain.PaymentAttempt, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error)
	GetByReference(ctx context.Context, gateway domain.Gateway, reference string) (*domain.PaymentAttempt, error)
	MarkAwaiting(ctx context.Context, id uuid.UUID, session domain.Session) (*domain.PaymentAttempt, error)
	// Finish moves an active attempt to a terminal status. It reports false if the attempt was no longer active.
	Finish(ctx context.Context, id uuid.UUID, status domain.PaymentStatus, message string) (bool, error)
	Settle(ctx context.Context, id uuid.UUID, message string, at time.Time) (*domain.Settlement, error)
	ListActive(ctx context.Context) ([]domain.PaymentAttempt, error)
	ListTimedOutSince(ctx context.Context, since time.Time) ([]domain.PaymentAttempt, error)
}
