package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"medbook/internal/domain"
	"medbook/pkg/database"
	"medbook/pkg/validator"
)

const (
	appointmentColumns = `id, doctor_id, patient_id, appointment_date, time_slot, status, base_fee, total_amount, amount_paid, paid_at, video_url, created_at, updated_at`

	activeSlotConstraint = "appointments_active_slot_uniq"
)

type AppointmentRepo struct {
	db DB
}

func NewAppointmentRepository(db DB) *AppointmentRepo {
	return &AppointmentRepo{
		db: db,
	}
}

func scanAppointment(row pgx.Row) (*domain.Appointment, error) {
	var a domain.Appointment
	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.AppointmentDate,
		&a.TimeSlot,
		&a.Status,
		&a.BaseFee,
		&a.TotalAmount,
		&a.AmountPaid,
		&a.PaidAt,
		&a.VideoURL,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// loadAppointment reads an appointment with its charges, locking the row when forUpdate is set.
func loadAppointment(ctx context.Context, q querier, id int64, forUpdate bool) (*domain.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	a, err := scanAppointment(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("appointment %d: %w", id, domain.ErrAppointmentNotFound)
		}
		return nil, fmt.Errorf("failed to get appointment: %w", err)
	}

	charges, err := loadCharges(ctx, q, id)
	if err != nil {
		return nil, err
	}
	a.Charges = charges

	return a, nil
}

func loadCharges(ctx context.Context, q querier, appointmentID int64) ([]domain.Charge, error) {
	rows, err := q.Query(ctx, `
		SELECT id, appointment_id, amount, created_at
		FROM appointment_charges
		WHERE appointment_id = $1
		ORDER BY created_at, id
	`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list charges: %w", err)
	}
	defer rows.Close()

	charges := make([]domain.Charge, 0)
	for rows.Next() {
		var c domain.Charge
		if err := rows.Scan(&c.ID, &c.AppointmentID, &c.Amount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		charges = append(charges, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate charges: %w", err)
	}
	return charges, nil
}

// paymentEffect is the ledger change carried by a settled payment.
type paymentEffect struct {
	amount int64
	at     time.Time
}

// applyLifecycle is the only writer of status, amount_paid and paid_at.
// current must have been loaded FOR UPDATE in the same transaction.
func applyLifecycle(ctx context.Context, q querier, current *domain.Appointment, event domain.LifecycleEvent, effect *paymentEffect) (*domain.Appointment, error) {
	next, err := domain.Transition(current.Status, event)
	if err != nil {
		return nil, fmt.Errorf("appointment %d is %s, cannot apply %s: %w", current.ID, current.Status, event, err)
	}

	var amount int64
	var paidAt *time.Time
	if effect != nil {
		amount = effect.amount
		paidAt = &effect.at
	}

	query := `
		UPDATE appointments
		SET status = $1,
		    amount_paid = amount_paid + $2,
		    paid_at = COALESCE(paid_at, $3),
		    video_url = CASE WHEN $1 = 'cancelled' THEN NULL ELSE video_url END,
		    updated_at = $4
		WHERE id = $5
		RETURNING ` + appointmentColumns

	updated, err := scanAppointment(q.QueryRow(ctx, query, next, amount, paidAt, time.Now(), current.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to update appointment status: %w", err)
	}
	updated.Charges = current.Charges

	return updated, nil
}

func (r *AppointmentRepo) Create(ctx context.Context, appointment *domain.Appointment) (*domain.Appointment, error) {
	query := `
		INSERT INTO appointments (doctor_id, patient_id, appointment_date, time_slot, status, base_fee, total_amount, amount_paid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, 0, $7, $7)
		RETURNING ` + appointmentColumns

	created, err := scanAppointment(r.db.QueryRow(ctx, query,
		appointment.DoctorID,
		appointment.PatientID,
		appointment.AppointmentDate,
		appointment.TimeSlot,
		domain.AppointmentStatusPending,
		appointment.BaseFee,
		time.Now(),
	))
	if err != nil {
		if database.IsUniqueViolation(err, activeSlotConstraint) {
			return nil, fmt.Errorf("doctor %d at %s %s: %w", appointment.DoctorID,
				appointment.AppointmentDate.Format(domain.DateLayout), appointment.TimeSlot, domain.ErrSlotUnavailable)
		}
		if database.IsForeignKeyViolation(err) {
			return nil, fmt.Errorf("doctor %d: %w", appointment.DoctorID, domain.ErrDoctorNotFound)
		}
		return nil, fmt.Errorf("failed to create appointment: %w", err)
	}

	created.Charges = []domain.Charge{}
	return created, nil
}

func (r *AppointmentRepo) GetByID(ctx context.Context, id int64) (*domain.Appointment, error) {
	return loadAppointment(ctx, r.db, id, false)
}

func (r *AppointmentRepo) ListByDoctorDate(ctx context.Context, doctorID int64, date time.Time) ([]domain.Appointment, error) {
	query := `
		SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2
		ORDER BY time_slot
	`

	return r.list(ctx, query, doctorID, date)
}

func (r *AppointmentRepo) ListAwaitingVideo(ctx context.Context, limit int) ([]domain.Appointment, error) {
	query := `
		SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE status = 'confirmed' AND paid_at IS NOT NULL AND video_url IS NULL
		ORDER BY paid_at
		LIMIT $1
	`

	return r.list(ctx, query, limit)
}

func (r *AppointmentRepo) list(ctx context.Context, query string, args ...any) ([]domain.Appointment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	defer rows.Close()

	appointments := make([]domain.Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		appointments = append(appointments, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate appointments: %w", err)
	}

	return appointments, nil
}

func (r *AppointmentRepo) Apply(ctx context.Context, id int64, event domain.LifecycleEvent) (*domain.Appointment, error) {
	if event == domain.EventPaymentSettled {
		return nil, fmt.Errorf("payment settlement must go through the payment ledger: %w", domain.ErrIllegalTransition)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := loadAppointment(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}

	updated, err := applyLifecycle(ctx, tx, current, event, nil)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return updated, nil
}

func (r *AppointmentRepo) AttachCharge(ctx context.Context, id int64, chargeID string, amount int64) (*domain.Appointment, bool, error) {
	if !validator.ValidateChargeID(chargeID) {
		return nil, false, fmt.Errorf("charge id %q: %w", chargeID, domain.ErrInvalidCharge)
	}
	if amount <= 0 {
		return nil, false, fmt.Errorf("charge amount must be positive: %w", domain.ErrInvalidCharge)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := loadAppointment(ctx, tx, id, true)
	if err != nil {
		return nil, false, err
	}

	if current.Status != domain.AppointmentStatusConfirmed {
		return nil, false, fmt.Errorf("charges can only be attached to confirmed appointments, appointment %d is %s: %w",
			id, current.Status, domain.ErrIllegalTransition)
	}

	for _, c := range current.Charges {
		if c.ID == chargeID {
			return current, false, nil
		}
	}

	now := time.Now()
	tag, err := tx.Exec(ctx, `
		INSERT INTO appointment_charges (id, appointment_id, amount, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, chargeID, id, amount, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert charge: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return nil, false, fmt.Errorf("charge %s is attached to another appointment: %w", chargeID, domain.ErrInvalidCharge)
	}

	_, err = tx.Exec(ctx, `
		UPDATE appointments
		SET total_amount = total_amount + $1, updated_at = $2
		WHERE id = $3
	`, amount, now, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update appointment total: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	current.Charges = append(current.Charges, domain.Charge{ID: chargeID, AppointmentID: id, Amount: amount, CreatedAt: now})
	current.TotalAmount += amount
	current.UpdatedAt = now

	return current, true, nil
}

func (r *AppointmentRepo) SetVideoURL(ctx context.Context, id int64, videoURL string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE appointments
		SET video_url = $1, updated_at = $2
		WHERE id = $3 AND status = 'confirmed' AND paid_at IS NOT NULL AND video_url IS NULL
	`, videoURL, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to set video url: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}
