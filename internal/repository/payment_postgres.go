package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"medbook/internal/domain"
	"medbook/pkg/database"
)

const (
	paymentColumns = `id, appointment_id, gateway, status, amount, phone, checkout_url, external_reference, provider_message, started_at, updated_at, settled_at`

	activeAttemptConstraint = "payment_attempts_one_active_uniq"
)

type PaymentRepo struct {
	db DB
}

func NewPaymentRepository(db DB) *PaymentRepo {
	return &PaymentRepo{db: db}
}

func scanAttempt(row pgx.Row) (*domain.PaymentAttempt, error) {
	var p domain.PaymentAttempt
	err := row.Scan(
		&p.ID,
		&p.AppointmentID,
		&p.Gateway,
		&p.Status,
		&p.Amount,
		&p.Phone,
		&p.CheckoutURL,
		&p.ExternalReference,
		&p.ProviderMessage,
		&p.StartedAt,
		&p.UpdatedAt,
		&p.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectAttempts(rows pgx.Rows) ([]domain.PaymentAttempt, error) {
	defer rows.Close()

	attempts := make([]domain.PaymentAttempt, 0)
	for rows.Next() {
		p, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment attempt: %w", err)
		}
		attempts = append(attempts, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment attempts: %w", err)
	}
	return attempts, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *PaymentRepo) Create(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.PaymentAttempt, []domain.PaymentAttempt, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	appointment, err := loadAppointment(ctx, tx, attempt.AppointmentID, true)
	if err != nil {
		return nil, nil, err
	}

	if appointment.Status == domain.AppointmentStatusCancelled {
		return nil, nil, fmt.Errorf("appointment %d is cancelled and cannot be paid: %w", appointment.ID, domain.ErrIllegalTransition)
	}

	due := appointment.BalanceDue()
	if due <= 0 {
		return nil, nil, fmt.Errorf("appointment %d: %w", appointment.ID, domain.ErrNothingDue)
	}

	now := time.Now()
	rows, err := tx.Query(ctx, `
		UPDATE payment_attempts
		SET status = 'superseded', updated_at = $1
		WHERE appointment_id = $2 AND status IN ('initiated', 'awaiting_confirmation')
		RETURNING `+paymentColumns,
		now, appointment.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to supersede payment attempts: %w", err)
	}
	superseded, err := collectAttempts(rows)
	if err != nil {
		return nil, nil, err
	}

	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}

	created, err := scanAttempt(tx.QueryRow(ctx, `
		INSERT INTO payment_attempts (id, appointment_id, gateway, status, amount, phone, external_reference, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, '', $7, $7)
		RETURNING `+paymentColumns,
		attempt.ID,
		appointment.ID,
		attempt.Gateway,
		domain.PaymentStatusInitiated,
		due,
		attempt.Phone,
		now,
	))
	if err != nil {
		if database.IsUniqueViolation(err, activeAttemptConstraint) {
			return nil, nil, fmt.Errorf("another payment for appointment %d started concurrently: %w", appointment.ID, domain.ErrIllegalTransition)
		}
		return nil, nil, fmt.Errorf("failed to create payment attempt: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return created, superseded, nil
}

func (r *PaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	attempt, err := scanAttempt(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_attempts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment attempt %s: %w", id, domain.ErrPaymentNotFound)
		}
		return nil, fmt.Errorf("failed to get payment attempt: %w", err)
	}
	return attempt, nil
}

func (r *PaymentRepo) GetByReference(ctx context.Context, gateway domain.Gateway, reference string) (*domain.PaymentAttempt, error) {
	attempt, err := scanAttempt(r.db.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payment_attempts
		WHERE gateway = $1 AND external_reference = $2
		ORDER BY started_at DESC
		LIMIT 1
	`, gateway, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment reference %s: %w", reference, domain.ErrPaymentNotFound)
		}
		return nil, fmt.Errorf("failed to get payment attempt by reference: %w", err)
	}
	return attempt, nil
}

// MarkAwaiting records the gateway session. If the attempt was superseded while the
// gateway call was in flight, the stored attempt is returned unchanged.
func (r *PaymentRepo) MarkAwaiting(ctx context.Context, id uuid.UUID, session domain.Session) (*domain.PaymentAttempt, error) {
	attempt, err := scanAttempt(r.db.QueryRow(ctx, `
		UPDATE payment_attempts
		SET status = 'awaiting_confirmation', external_reference = $1, checkout_url = $2, provider_message = $3, updated_at = $4
		WHERE id = $5 AND status = 'initiated'
		RETURNING `+paymentColumns,
		session.Reference,
		nullable(session.CheckoutURL),
		nullable(session.Message),
		time.Now(),
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.GetByID(ctx, id)
		}
		return nil, fmt.Errorf("failed to mark payment attempt awaiting: %w", err)
	}
	return attempt, nil
}

func (r *PaymentRepo) Finish(ctx context.Context, id uuid.UUID, status domain.PaymentStatus, message string) (bool, error) {
	if status.Active() || status == domain.PaymentStatusSettled {
		return false, fmt.Errorf("finish cannot move an attempt to %s", status)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE payment_attempts
		SET status = $1, provider_message = COALESCE($2, provider_message), updated_at = $3
		WHERE id = $4 AND status IN ('initiated', 'awaiting_confirmation')
	`, status, nullable(message), time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to finish payment attempt: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// Settle marks the attempt settled and applies the settlement to its appointment in one transaction.
// A settlement arriving for a cancelled or already paid appointment is recorded and flagged as a duplicate.
func (r *PaymentRepo) Settle(ctx context.Context, id uuid.UUID, message string, at time.Time) (*domain.Settlement, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	attempt, err := scanAttempt(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_attempts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment attempt %s: %w", id, domain.ErrPaymentNotFound)
		}
		return nil, fmt.Errorf("failed to lock payment attempt: %w", err)
	}

	appointment, err := loadAppointment(ctx, tx, attempt.AppointmentID, true)
	if err != nil {
		return nil, err
	}

	if attempt.Status == domain.PaymentStatusSettled {
		return &domain.Settlement{Attempt: attempt, Appointment: appointment}, nil
	}

	settlement := &domain.Settlement{Applied: true, Appointment: appointment}
	if appointment.Status == domain.AppointmentStatusCancelled {
		settlement.Duplicate = true
	} else {
		settlement.Duplicate = appointment.BalanceDue() <= 0
		updated, err := applyLifecycle(ctx, tx, appointment, domain.EventPaymentSettled, &paymentEffect{amount: attempt.Amount, at: at})
		if err != nil {
			return nil, err
		}
		settlement.Appointment = updated
	}

	settled, err := scanAttempt(tx.QueryRow(ctx, `
		UPDATE payment_attempts
		SET status = 'settled', provider_message = COALESCE($1, provider_message), settled_at = $2, updated_at = $2
		WHERE id = $3
		RETURNING `+paymentColumns,
		nullable(message), at, id))
	if err != nil {
		return nil, fmt.Errorf("failed to settle payment attempt: %w", err)
	}
	settlement.Attempt = settled

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return settlement, nil
}

func (r *PaymentRepo) ListActive(ctx context.Context) ([]domain.PaymentAttempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payment_attempts
		WHERE status IN ('initiated', 'awaiting_confirmation')
		ORDER BY started_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active payment attempts: %w", err)
	}
	return collectAttempts(rows)
}

func (r *PaymentRepo) ListTimedOutSince(ctx context.Context, since time.Time) ([]domain.PaymentAttempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payment_attempts
		WHERE status = 'timed_out' AND started_at >= $1
		ORDER BY started_at
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list timed out payment attempts: %w", err)
	}
	return collectAttempts(rows)
}
