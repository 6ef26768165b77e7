package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medbook/internal/domain"
)

var (
	appointmentCols = []string{"id", "doctor_id", "patient_id", "appointment_date", "time_slot", "status", "base_fee", "total_amount", "amount_paid", "paid_at", "video_url", "created_at", "updated_at"}
	chargeCols      = []string{"id", "appointment_id", "amount", "created_at"}
	testDate        = time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
)

func appointmentRows(id int64, status domain.AppointmentStatus, total, paid int64) *pgxmock.Rows {
	now := time.Now()
	var paidAt *time.Time
	if paid > 0 {
		paidAt = &now
	}
	return pgxmock.NewRows(appointmentCols).
		AddRow(id, int64(7), int64(11), testDate, "10:00", status, int64(650000), total, paid, paidAt, (*string)(nil), now, now)
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestAppointmentCreate(t *testing.T) {
	mock := newMock(t)
	repo := NewAppointmentRepository(mock)

	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(int64(7), int64(11), testDate, "10:00", domain.AppointmentStatusPending, int64(650000), pgxmock.AnyArg()).
		WillReturnRows(appointmentRows(1, domain.AppointmentStatusPending, 650000, 0))

	created, err := repo.Create(context.Background(), &domain.Appointment{
		DoctorID: 7, PatientID: 11, AppointmentDate: testDate, TimeSlot: "10:00", BaseFee: 650000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.ID)
	assert.Equal(t, domain.AppointmentStatusPending, created.Status)
	assert.Nil(t, created.VideoURL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppointmentCreateMapsUniqueViolation(t *testing.T) {
	mock := newMock(t)
	repo := NewAppointmentRepository(mock)

	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(int64(7), int64(12), testDate, "10:00", domain.AppointmentStatusPending, int64(650000), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: activeSlotConstraint})

	_, err := repo.Create(context.Background(), &domain.Appointment{
		DoctorID: 7, PatientID: 12, AppointmentDate: testDate, TimeSlot: "10:00", BaseFee: 650000,
	})
	assert.ErrorIs(t, err, domain.ErrSlotUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppointmentCreateMapsMissingDoctor(t *testing.T) {
	mock := newMock(t)
	repo := NewAppointmentRepository(mock)

	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(int64(99), int64(11), testDate, "10:00", domain.AppointmentStatusPending, int64(650000), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23503"})

	_, err := repo.Create(context.Background(), &domain.Appointment{
		DoctorID: 99, PatientID: 11, AppointmentDate: testDate, TimeSlot: "10:00", BaseFee: 650000,
	})
	assert.ErrorIs(t, err, domain.ErrDoctorNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppointmentGetByIDNotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewAppointmentRepository(mock)

	mock.ExpectQuery("FROM appointments WHERE id").WithArgs(int64(404)).WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByID(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrAppointmentNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppointmentGetByIDLoadsCharges(t *testing.T) {
	mock := newMock(t)
	repo := NewAppointmentRepository(mock)

	mock.ExpectQuery("FROM appointments WHERE id").WithArgs(int64(1)).
		WillReturnRows(appointmentRows(1, domain.AppointmentStatusConfirmed, 800000, 0))
	mock.ExpectQuery("FROM appointment_charges").WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows(chargeCols).
			AddRow("rx-1", int64(1), int64(100000), time.Now()).
			AddRow("rx-2", int64(1), int64(50000), time.Now()))

	a, err := repo.GetByID(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, a.Charges, 2)
	assert.Equal(t, int64(800000), domain.TotalDue(a.BaseFee, a.Charges))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppointmentApplyConfirm(t *testing.T) {
	mock := newMock(t)
	repo := NewAppointmentRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(int64(1)).
		WillReturnRows(appointmentRows(1, domain.AppointmentStatusPending, 650000, 0))
	mock.ExpectQuery("FROM appointment_charges").WithArgs(int64(1)).WillReturnRows(pgxmock.NewRows(chargeCols))
	mock.ExpectQuery("UPDATE appointments").
		WithArgs(domain.AppointmentStatusConfirmed, int64(0), pgxmock.AnyArg(), pgxmock.AnyArg(), int64(1)).
		WillReturnRows(appointmentRows(1, domain.AppointmentStatusConfirmed, 650000, 0))
	mock.ExpectCommit()

	updated, err := repo.Apply(context.Background(), 1, domain.EventConfirm)
	require.NoError(t, err)
	assert.Equal(t, domain.AppointmentStatusConfirmed, updated.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppointmentApplyRejectsIllegalTransition(t *testing.T) {
	mock := newMock(t)
	repo := NewAppointmentRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(int64(1)).
		WillReturnRows(appointmentRows(1, domain.AppointmentStatusCancelled, 650000, 0))
	mock.ExpectQuery("FROM appointment_charges").WithArgs(int64(1)).WillReturnRows(pgxmock.NewRows(chargeCols))
	mock.ExpectRollback()

	_, err := repo.Apply(context.Background(), 1, domain.EventConfirm)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppointmentApplyRefusesSettlementEvent(t *testing.T) {
	mock := newMock(t)
	repo := NewAppointmentRepository(mock)

	_, err := repo.Apply(context.Background(), 1, domain.EventPaymentSettled)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachChargeIncreasesTotal(t *testing.T) {
	mock := newMock(t)
	repo := NewAppointmentRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(int64(1)).
		WillReturnRows(appointmentRows(1, domain.AppointmentStatusConfirmed, 650000, 0))
	mock.ExpectQuery("FROM appointment_charges").WithArgs(int64(1)).WillReturnRows(pgxmock.NewRows(chargeCols))
	mock.ExpectExec("INSERT INTO appointment_charges").
		WithArgs("rx-1", int64(1), int64(100000), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE appointments").
		WithArgs(int64(100000), pgxmock.AnyArg(), int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	a, created, err := repo.AttachCharge(context.Background(), 1, "rx-1", 100000)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(750000), a.TotalAmount)
	assert.Equal(t, int64(750000), domain.TotalDue(a.BaseFee, a.Charges))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachChargeIsIdempotentPerChargeID(t *testing.T) {
	mock := newMock(t)
	repo := NewAppointmentRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(int64(1)).
		WillReturnRows(appointmentRows(1, domain.AppointmentStatusConfirmed, 750000, 0))
	mock.ExpectQuery("FROM appointment_charges").WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows(chargeCols).AddRow("rx-1", int64(1), int64(100000), time.Now()))
	mock.ExpectRollback()

	a, created, err := repo.AttachCharge(context.Background(), 1, "rx-1", 100000)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(750000), a.TotalAmount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachChargeRequiresConfirmed(t *testing.T) {
	mock := newMock(t)
	repo := NewAppointmentRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(int64(1)).
		WillReturnRows(appointmentRows(1, domain.AppointmentStatusPending, 650000, 0))
	mock.ExpectQuery("FROM appointment_charges").WithArgs(int64(1)).WillReturnRows(pgxmock.NewRows(chargeCols))
	mock.ExpectRollback()

	_, _, err := repo.AttachCharge(context.Background(), 1, "rx-1", 100000)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachChargeRejectsNonPositiveAmount(t *testing.T) {
	repo := NewAppointmentRepository(newMock(t))

	_, _, err := repo.AttachCharge(context.Background(), 1, "rx-1", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidCharge)
}

func TestAttachChargeRejectsMalformedChargeID(t *testing.T) {
	mock := newMock(t)
	repo := NewAppointmentRepository(mock)

	for _, chargeID := range []string{"", "rx 1", strings.Repeat("x", 65)} {
		_, _, err := repo.AttachCharge(context.Background(), 1, chargeID, 100000)
		assert.ErrorIs(t, err, domain.ErrInvalidCharge, chargeID)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetVideoURLIsConditional(t *testing.T) {
	mock := newMock(t)
	repo := NewAppointmentRepository(mock)

	mock.ExpectExec("UPDATE appointments").
		WithArgs("https://clinic.example/consultations/abc", pgxmock.AnyArg(), int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	set, err := repo.SetVideoURL(context.Background(), 1, "https://clinic.example/consultations/abc")
	require.NoError(t, err)
	assert.False(t, set)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByDoctorDate(t *testing.T) {
	mock := newMock(t)
	repo := NewAppointmentRepository(mock)

	mock.ExpectQuery("WHERE doctor_id").WithArgs(int64(7), testDate).
		WillReturnRows(appointmentRows(1, domain.AppointmentStatusPending, 650000, 0))

	list, err := repo.ListByDoctorDate(context.Background(), 7, testDate)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "10:00", list[0].TimeSlot)
	require.NoError(t, mock.ExpectationsWereMet())
}
